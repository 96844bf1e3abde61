package store

import (
	"context"
	"time"

	"growrules/internal/core"
)

var (
	_ core.EngineStore = (*Store)(nil)
	_ core.Directory   = (*Store)(nil)
	_ core.Repository  = (*ScopedStore)(nil)
)

// GetAutomation loads an automation regardless of owner. Used by the engine.
func (s *Store) GetAutomation(ctx context.Context, id string) (*core.Automation, error) {
	return s.getAutomation(ctx, allUsers, id)
}

// ListAutomations lists automations of every owner. Used by the engine.
func (s *Store) ListAutomations(ctx context.Context, filter core.AutomationFilter) ([]*core.Automation, error) {
	return s.listAutomations(ctx, allUsers, filter)
}

// ForUser returns a repository that only sees rows reachable through the
// user's rooms. Rows of other users behave as missing.
func (s *Store) ForUser(userID string) core.Repository {
	return &ScopedStore{store: s, scope: userScope(userID)}
}

// ScopedStore is the per-user view of the store.
type ScopedStore struct {
	store *Store
	scope scope
}

func (r *ScopedStore) SectionExists(ctx context.Context, sectionID string) (bool, error) {
	return r.store.sectionExists(ctx, r.scope, sectionID)
}

func (r *ScopedStore) GetDevice(ctx context.Context, id string) (*core.Device, error) {
	return r.store.getDevice(ctx, r.scope, id)
}

// CreateAutomation inserts a. The caller has already checked that the
// section belongs to the user.
func (r *ScopedStore) CreateAutomation(ctx context.Context, a *core.Automation) error {
	return r.store.createAutomation(ctx, a)
}

func (r *ScopedStore) UpdateAutomation(ctx context.Context, a *core.Automation) error {
	return r.store.updateAutomation(ctx, r.scope, a)
}

func (r *ScopedStore) DeleteAutomation(ctx context.Context, id string) error {
	return r.store.deleteAutomation(ctx, r.scope, id)
}

func (r *ScopedStore) UpdateAutomationStatus(ctx context.Context, id string, status core.AutomationStatus) error {
	return r.store.updateAutomationStatus(ctx, r.scope, id, status)
}

func (r *ScopedStore) GetAutomation(ctx context.Context, id string) (*core.Automation, error) {
	return r.store.getAutomation(ctx, r.scope, id)
}

func (r *ScopedStore) GetAutomationByName(ctx context.Context, name string) (*core.Automation, error) {
	return r.store.getAutomationByName(ctx, r.scope, name)
}

func (r *ScopedStore) ListAutomations(ctx context.Context, filter core.AutomationFilter) ([]*core.Automation, error) {
	return r.store.listAutomations(ctx, r.scope, filter)
}

func (r *ScopedStore) ListExecutions(ctx context.Context, automationID string, filter core.ExecutionFilter) ([]*core.Execution, error) {
	return r.store.listExecutions(ctx, r.scope, automationID, filter)
}

func (r *ScopedStore) SummarizeExecutions(ctx context.Context, automationID string) (core.ExecutionSummary, error) {
	return r.store.summarizeExecutions(ctx, r.scope, automationID)
}

func (r *ScopedStore) EffectivenessStats(ctx context.Context, automationID *string, since time.Time) (core.EffectivenessStats, error) {
	return r.store.effectivenessStats(ctx, r.scope, automationID, since)
}
