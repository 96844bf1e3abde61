package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"growrules/internal/core"
)

// ErrDeviceOffline is returned when a command targets a device without a heartbeat.
var ErrDeviceOffline = errors.New("device offline")

// Command is the envelope published to a device.
type Command struct {
	RequestID  string         `json:"request_id"`
	DeviceID   string         `json:"device_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  int64          `json:"timestamp"`
	ExpiresAt  int64          `json:"expires_at"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// CommandTTL sets expires_at on every command. Devices drop expired commands.
	CommandTTL time.Duration
}

// Publisher is the part of a paho client the dispatcher needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

// OnlineChecker reports device liveness.
type OnlineChecker interface {
	Online(ctx context.Context, deviceID string) (bool, error)
}

// Connect opens a paho client with automatic reconnects.
func Connect(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// MQTTDispatcher publishes command envelopes to <prefix>/<device>/commands.
type MQTTDispatcher struct {
	client Publisher
	cfg    MQTTConfig
	online OnlineChecker
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewMQTTDispatcher creates a dispatcher. When online is non-nil, commands
// to devices without a heartbeat fail with ErrDeviceOffline and nothing is
// published.
func NewMQTTDispatcher(client Publisher, cfg MQTTConfig, online OnlineChecker, clock clockwork.Clock, logger *slog.Logger) *MQTTDispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &MQTTDispatcher{client: client, cfg: cfg, online: online, clock: clock, logger: logger}
}

// Topic returns the command topic of a device.
func (d *MQTTDispatcher) Topic(deviceID string) string {
	return d.cfg.TopicPrefix + "/" + deviceID + "/commands"
}

// Dispatch publishes one command and waits for the broker to accept it.
func (d *MQTTDispatcher) Dispatch(ctx context.Context, deviceID string, action core.ActionType, params map[string]any) error {
	if d.online != nil {
		up, err := d.online.Online(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("check device online: %w", err)
		}
		if !up {
			return ErrDeviceOffline
		}
	}
	now := d.clock.Now()
	cmd := Command{
		RequestID:  uuid.NewString(),
		DeviceID:   deviceID,
		Action:     string(action),
		Parameters: params,
		Timestamp:  now.Unix(),
	}
	if d.cfg.CommandTTL > 0 {
		cmd.ExpiresAt = now.Add(d.cfg.CommandTTL).Unix()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := waitToken(ctx, d.client.Publish(d.Topic(deviceID), d.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	d.logger.Debug("command published", "device_id", deviceID, "action", action, "request_id", cmd.RequestID)
	return nil
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogCommander records commands in the log instead of sending them. It
// backs dry-run deployments without a broker.
type LogCommander struct {
	logger *slog.Logger
}

func NewLogCommander(logger *slog.Logger) *LogCommander {
	return &LogCommander{logger: logger}
}

func (c *LogCommander) Dispatch(_ context.Context, deviceID string, action core.ActionType, params map[string]any) error {
	c.logger.Info("dry-run command", "device_id", deviceID, "action", action, "params", params)
	return nil
}
