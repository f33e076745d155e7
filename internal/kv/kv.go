package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Key layout shared by every subsystem. All keys are UTF-8 strings; numeric
// values are stored as their decimal string form and mutated with atomic
// increments.
const (
	KeyCostDailyPrefix   = "cost:daily:"   // + YYYYMMDD
	KeyCostServicePrefix = "cost:service:" // + name, or + name:YYYYMMDD
	KeyCostModelPrefix   = "cost:model:"   // + name
	KeyCostTotal         = "cost:total"
	KeyCostAlerts        = "cost:alerts"
	KeyCostBreaker       = "cost:circuit_breaker"

	KeyRedisFailures = "system:redis_failures"
	KeyGPUFailures   = "system:gpu_failures"

	KeyDailyPnL        = "portfolio:daily_pnl"
	KeyInitialCapital  = "portfolio:initial_capital"
	KeyTotalPnL        = "portfolio:total_pnl"
	KeyTotalValue      = "portfolio:total_value"
	KeyPositionsCount  = "portfolio:positions_count"
	KeyAvailableCash   = "portfolio:available_cash"
	KeySoldierMode     = "mia:soldier:mode"
	KeyDoomsday        = "mia:doomsday"
	KeyDoomsdayReason  = "mia:doomsday:reason"
	KeyDoomsdaySecret  = "config:doomsday:password"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("kv: key not found")

// Client is the kernel's view of the durable key-value store. Implementations
// must provide per-key atomic numeric increment; readers tolerate stale reads.
type Client interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Close() error
}

// GetFloat reads a key and parses it as float64; absent keys read as 0.
func GetFloat(ctx context.Context, c Client, key string) (float64, error) {
	s, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, fmt.Errorf("kv: non-numeric value at %s: %q", key, s)
	}
	return f, nil
}

// GetInt reads a key and parses it as int64; absent keys read as 0.
func GetInt(ctx context.Context, c Client, key string) (int64, error) {
	s, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("kv: non-integer value at %s: %q", key, s)
	}
	return n, nil
}

// DailyKey returns the daily cost bucket key for a date.
func DailyKey(t time.Time) string {
	return KeyCostDailyPrefix + t.UTC().Format("20060102")
}

// ServiceKey returns the lifetime per-service bucket key.
func ServiceKey(service string) string {
	return KeyCostServicePrefix + service
}

// ServiceDayKey returns the per-service daily bucket key.
func ServiceDayKey(service string, t time.Time) string {
	return KeyCostServicePrefix + service + ":" + t.UTC().Format("20060102")
}

// ModelKey returns the lifetime per-model bucket key.
func ModelKey(model string) string {
	return KeyCostModelPrefix + model
}
