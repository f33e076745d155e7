package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// clients builds both backends so every case runs against each.
func clients(t *testing.T) map[string]Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return map[string]Client{
		"memory": NewMemory(),
		"redis":  NewRedis(RedisOptions{Addr: mr.Addr()}),
	}
}

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			if _, err := c.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(absent) error = %v, want ErrNotFound", err)
			}
			if err := c.Set(ctx, "k", "v"); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			v, err := c.Get(ctx, "k")
			if err != nil || v != "v" {
				t.Errorf("Get() = %q, %v", v, err)
			}
			if err := c.Del(ctx, "k"); err != nil {
				t.Fatalf("Del() error = %v", err)
			}
			if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after Del error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestIncrByFloat(t *testing.T) {
	ctx := context.Background()
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			v, err := c.IncrByFloat(ctx, "cost", 1.5)
			if err != nil || v != 1.5 {
				t.Fatalf("IncrByFloat() = %v, %v", v, err)
			}
			v, err = c.IncrByFloat(ctx, "cost", 2.5)
			if err != nil || v != 4.0 {
				t.Fatalf("second IncrByFloat() = %v, %v", v, err)
			}
			f, err := GetFloat(ctx, c, "cost")
			if err != nil || f != 4.0 {
				t.Errorf("GetFloat() = %v, %v", f, err)
			}
		})
	}
}

func TestIncrBy(t *testing.T) {
	ctx := context.Background()
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			if _, err := c.IncrBy(ctx, "failures", 1); err != nil {
				t.Fatalf("IncrBy() error = %v", err)
			}
			n, err := c.IncrBy(ctx, "failures", 2)
			if err != nil || n != 3 {
				t.Fatalf("IncrBy() = %v, %v", n, err)
			}
			i, err := GetInt(ctx, c, "failures")
			if err != nil || i != 3 {
				t.Errorf("GetInt() = %v, %v", i, err)
			}
		})
	}
}

func TestGetHelpersDefaultToZero(t *testing.T) {
	ctx := context.Background()
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			f, err := GetFloat(ctx, c, "absent")
			if err != nil || f != 0 {
				t.Errorf("GetFloat(absent) = %v, %v, want 0, nil", f, err)
			}
			i, err := GetInt(ctx, c, "absent")
			if err != nil || i != 0 {
				t.Errorf("GetInt(absent) = %v, %v, want 0, nil", i, err)
			}
		})
	}
}

func TestListPushTrimRange(t *testing.T) {
	ctx := context.Background()
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			for _, v := range []string{"a", "b", "c", "d"} {
				if err := c.LPush(ctx, "alerts", v); err != nil {
					t.Fatalf("LPush() error = %v", err)
				}
			}
			// Newest first.
			items, err := c.LRange(ctx, "alerts", 0, -1)
			if err != nil {
				t.Fatalf("LRange() error = %v", err)
			}
			if len(items) != 4 || items[0] != "d" || items[3] != "a" {
				t.Fatalf("LRange() = %v", items)
			}

			if err := c.LTrim(ctx, "alerts", 0, 1); err != nil {
				t.Fatalf("LTrim() error = %v", err)
			}
			items, err = c.LRange(ctx, "alerts", 0, -1)
			if err != nil {
				t.Fatalf("LRange() after trim error = %v", err)
			}
			if len(items) != 2 || items[0] != "d" || items[1] != "c" {
				t.Errorf("LRange() after trim = %v", items)
			}
		})
	}
}

func TestDayKeys(t *testing.T) {
	day := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	if got := DailyKey(day); got != "cost:daily:20260824" {
		t.Errorf("DailyKey() = %q", got)
	}
	if got := ServiceKey("news"); got != "cost:service:news" {
		t.Errorf("ServiceKey() = %q", got)
	}
	if got := ServiceDayKey("news", day); got != "cost:service:news:20260824" {
		t.Errorf("ServiceDayKey() = %q", got)
	}
	if got := ModelKey("deepseek"); got != "cost:model:deepseek" {
		t.Errorf("ModelKey() = %q", got)
	}
}
