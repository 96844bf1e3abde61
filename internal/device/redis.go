// Package device connects the engine to sensors and actuators: latest
// readings come from Redis, commands go out over MQTT.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"growrules/internal/core"
)

// Reading is the latest sample of one device property, as written by the
// ingestion pipeline.
type Reading struct {
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RedisReader serves current values from Redis.
//
// Keys:
//
//	device:<id>:reading:<property>  JSON Reading
//	device:<id>:online              present while the device heartbeats
type RedisReader struct {
	redis  *redis.Client
	maxAge time.Duration
	clock  clockwork.Clock
}

// NewRedisReader creates a reader. Readings older than maxAge count as
// unavailable; zero accepts any age.
func NewRedisReader(client *redis.Client, maxAge time.Duration, clock clockwork.Clock) *RedisReader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisReader{redis: client, maxAge: maxAge, clock: clock}
}

func readingKey(deviceID, property string) string {
	return fmt.Sprintf("device:%s:reading:%s", deviceID, property)
}

func onlineKey(deviceID string) string {
	return fmt.Sprintf("device:%s:online", deviceID)
}

// CurrentValue returns the latest reading or core.ErrDataUnavailable.
func (r *RedisReader) CurrentValue(ctx context.Context, deviceID, property string) (float64, error) {
	data, err := r.redis.Get(ctx, readingKey(deviceID, property)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, core.ErrDataUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get reading from Redis: %w", err)
	}
	var reading Reading
	if err := json.Unmarshal([]byte(data), &reading); err != nil {
		return 0, fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	if r.maxAge > 0 {
		if age := r.clock.Since(reading.RecordedAt); age > r.maxAge {
			return 0, fmt.Errorf("%w: reading is %s old", core.ErrDataUnavailable, age.Round(time.Second))
		}
	}
	return reading.Value, nil
}

// Online reports whether the device heartbeat key is present.
func (r *RedisReader) Online(ctx context.Context, deviceID string) (bool, error) {
	n, err := r.redis.Exists(ctx, onlineKey(deviceID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check device heartbeat: %w", err)
	}
	return n > 0, nil
}

// SetReading stores a reading. The engine never writes readings; this is
// the ingestion side of the key layout.
func (r *RedisReader) SetReading(ctx context.Context, deviceID, property string, reading Reading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := r.redis.Set(ctx, readingKey(deviceID, property), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set reading in Redis: %w", err)
	}
	return nil
}

// Heartbeat marks the device online for ttl.
func (r *RedisReader) Heartbeat(ctx context.Context, deviceID string, ttl time.Duration) error {
	return r.redis.Set(ctx, onlineKey(deviceID), "1", ttl).Err()
}
