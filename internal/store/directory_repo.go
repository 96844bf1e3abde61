package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"growrules/internal/core"
)

// DirectoryFile is the on-disk description of rooms, sections and devices.
// The directory is owned by the wider platform; growrules only needs enough
// of it to scope automations to users.
type DirectoryFile struct {
	Rooms []RoomEntry `json:"rooms"`
}

type RoomEntry struct {
	ID       string         `json:"id"`
	UserID   string         `json:"user_id"`
	Name     string         `json:"name"`
	Sections []SectionEntry `json:"sections"`
}

type SectionEntry struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Devices []DeviceEntry `json:"devices"`
}

type DeviceEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// ReadDirectoryFile parses a directory JSON file.
func ReadDirectoryFile(path string) (*DirectoryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var dir DirectoryFile
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("decode directory file: %w", err)
	}
	return &dir, nil
}

// ImportDirectory upserts every room, section and device in dir.
func (s *Store) ImportDirectory(ctx context.Context, dir *DirectoryFile) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin directory import: %w", err)
	}
	defer tx.Rollback()
	for _, room := range dir.Rooms {
		if room.ID == "" || room.UserID == "" {
			return fmt.Errorf("room %q: id and user_id are required", room.Name)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, user_id, name) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name
		`, room.ID, room.UserID, room.Name); err != nil {
			return fmt.Errorf("upsert room %s: %w", room.ID, err)
		}
		for _, sec := range room.Sections {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sections (id, room_id, name) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET room_id = excluded.room_id, name = excluded.name
			`, sec.ID, room.ID, sec.Name); err != nil {
				return fmt.Errorf("upsert section %s: %w", sec.ID, err)
			}
			for _, dev := range sec.Devices {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO devices (id, section_id, name, kind) VALUES (?, ?, ?, ?)
					ON CONFLICT(id) DO UPDATE SET section_id = excluded.section_id, name = excluded.name, kind = excluded.kind
				`, dev.ID, sec.ID, dev.Name, dev.Kind); err != nil {
					return fmt.Errorf("upsert device %s: %w", dev.ID, err)
				}
			}
		}
	}
	return tx.Commit()
}

func (s *Store) sectionExists(ctx context.Context, sc scope, sectionID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM sections s
		JOIN rooms r ON r.id = s.room_id
		WHERE s.id = ? AND `+ownedBy, sectionID, sc.all, sc.userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query section: %w", err)
	}
	return count > 0, nil
}

func (s *Store) getDevice(ctx context.Context, sc scope, id string) (*core.Device, error) {
	var dev core.Device
	err := s.DB.QueryRowContext(ctx, `
		SELECT d.id, d.section_id, d.name, d.kind
		FROM devices d
		JOIN sections s ON s.id = d.section_id
		JOIN rooms r ON r.id = s.room_id
		WHERE d.id = ? AND `+ownedBy, id, sc.all, sc.userID).Scan(&dev.ID, &dev.SectionID, &dev.Name, &dev.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return &dev, nil
}
