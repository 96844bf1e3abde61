package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBarkGroup collects growrules pushes under one thread on the phone.
const DefaultBarkGroup = "growrules"

// Bark interruption levels.
const (
	barkLevelActive        = "active"
	barkLevelTimeSensitive = "timeSensitive"
	barkLevelPassive       = "passive"
)

// BarkNotifier pushes execution summaries and device alerts to the Bark app.
type BarkNotifier struct {
	endpoint string
	group    string
	client   *http.Client
}

type barkPush struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group"`
	Level string `json:"level"`
}

// NewBarkNotifier validates the device URL (https://api.day.app/<key>) and
// returns a notifier posting to it. An empty group falls back to
// DefaultBarkGroup.
func NewBarkNotifier(deviceURL, group string) (*BarkNotifier, error) {
	deviceURL = strings.TrimRight(strings.TrimSpace(deviceURL), "/")
	if deviceURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	u, err := url.Parse(deviceURL)
	if err != nil {
		return nil, fmt.Errorf("parse bark url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("bark url %q must be an absolute http(s) url", deviceURL)
	}
	if group == "" {
		group = DefaultBarkGroup
	}
	return &BarkNotifier{
		endpoint: u.String(),
		group:    group,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send posts one push. Failures break through focus modes, cancellations
// arrive silently.
func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(barkPush{
		Title: title,
		Body:  body,
		Group: b.group,
		Level: barkLevel(title),
	})
	if err != nil {
		return fmt.Errorf("encode bark push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}

func barkLevel(title string) string {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "fail"):
		return barkLevelTimeSensitive
	case strings.Contains(t, "cancelled"):
		return barkLevelPassive
	default:
		return barkLevelActive
	}
}
