package doomsday

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/miaquant/safety-kernel/internal/bus"
	"github.com/miaquant/safety-kernel/internal/config"
	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// ErrBadPassword rejects a reset attempt whose password does not match the
// stored secret.
var ErrBadPassword = errors.New("doomsday: reset password rejected")

// SysStats samples memory and disk usage as ratios in [0,1].
type SysStats func() (memRatio, diskRatio float64, err error)

func defaultSysStats(diskPath string) SysStats {
	return func() (float64, float64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, 0, err
		}
		du, err := disk.Usage(diskPath)
		if err != nil {
			return 0, 0, err
		}
		return vm.UsedPercent / 100, du.UsedPercent / 100, nil
	}
}

// Interlock is the last-resort kill switch. Once triggered it stays down
// across restarts through both the KV flag and a plain-text lockfile, and
// only a password-verified reset brings the system back.
type Interlock struct {
	mu   sync.Mutex
	kvc  kv.Client
	crs  *bus.Cross
	cfg  config.Doomsday
	stat SysStats
	now  func() time.Time

	triggered   bool
	reason      string
	triggeredAt time.Time
}

// New builds the interlock and restores a persisted trigger from the
// lockfile, then from the KV flag, in that order.
func New(kvc kv.Client, crs *bus.Cross, cfg config.Doomsday) *Interlock {
	i := &Interlock{
		kvc:  kvc,
		crs:  crs,
		cfg:  cfg,
		stat: defaultSysStats("/"),
		now:  time.Now,
	}
	i.restore()
	i.gauge()
	return i
}

// restore picks up a trigger left by a previous process.
func (i *Interlock) restore() {
	if at, reason, ok := readLockfile(i.cfg.LockfilePath); ok {
		i.triggered = true
		i.reason = reason
		i.triggeredAt = at
		observ.Warn("doomsday_restored_from_lockfile", map[string]any{"reason": reason})
		return
	}
	if i.kvc == nil {
		return
	}
	ctx := context.Background()
	if v, err := i.kvc.Get(ctx, kv.KeyDoomsday); err == nil && v == "triggered" {
		i.triggered = true
		i.triggeredAt = i.now().UTC()
		if r, err := i.kvc.Get(ctx, kv.KeyDoomsdayReason); err == nil {
			i.reason = r
		}
		observ.Warn("doomsday_restored_from_kv", map[string]any{"reason": i.reason})
	}
}

// Triggered reports whether the interlock is down.
func (i *Interlock) Triggered() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.triggered
}

// Reason returns the recorded trigger reason, empty when not triggered.
func (i *Interlock) Reason() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reason
}

// CheckTriggers evaluates every automatic trigger condition and returns the
// combined reason when any fires. Thresholds are strict: usage exactly at
// the limit does not trigger.
func (i *Interlock) CheckTriggers(ctx context.Context) (string, bool) {
	var reasons []string

	if i.kvc != nil {
		if n, err := kv.GetInt(ctx, i.kvc, kv.KeyRedisFailures); err == nil && n >= int64(i.cfg.FailureThreshold) {
			reasons = append(reasons, fmt.Sprintf("redis failures %d reached threshold %d", n, i.cfg.FailureThreshold))
		}
		if n, err := kv.GetInt(ctx, i.kvc, kv.KeyGPUFailures); err == nil && n >= int64(i.cfg.FailureThreshold) {
			reasons = append(reasons, fmt.Sprintf("gpu failures %d reached threshold %d", n, i.cfg.FailureThreshold))
		}
	}

	if memRatio, diskRatio, err := i.stat(); err == nil {
		if memRatio > i.cfg.MemoryThreshold {
			reasons = append(reasons, fmt.Sprintf("memory usage %.3f above %.2f", memRatio, i.cfg.MemoryThreshold))
		}
		if diskRatio > i.cfg.DiskThreshold {
			reasons = append(reasons, fmt.Sprintf("disk usage %.3f above %.2f", diskRatio, i.cfg.DiskThreshold))
		}
	} else {
		observ.Warn("doomsday_sysstat_error", map[string]any{"error": err.Error()})
	}

	if ratio, ok := i.pnlRatio(ctx); ok && ratio < i.cfg.LossThreshold {
		reasons = append(reasons, fmt.Sprintf("daily loss ratio %.4f below %.2f", ratio, i.cfg.LossThreshold))
	}

	if len(reasons) == 0 {
		return "", false
	}
	return strings.Join(reasons, "; "), true
}

// pnlRatio derives daily pnl over initial capital from the KV. Missing or
// zero capital yields no signal.
func (i *Interlock) pnlRatio(ctx context.Context) (float64, bool) {
	if i.kvc == nil {
		return 0, false
	}
	capital, err := kv.GetFloat(ctx, i.kvc, kv.KeyInitialCapital)
	if err != nil || capital <= 0 {
		return 0, false
	}
	pnl, err := kv.GetFloat(ctx, i.kvc, kv.KeyDailyPnL)
	if err != nil {
		return 0, false
	}
	return pnl / capital, true
}

// Trigger brings the interlock down. Idempotent: a second trigger keeps the
// first reason. The sequence persists the flag, writes the lockfile,
// publishes the trigger event, and escalates to liquidation when the loss
// has passed the liquidation threshold.
func (i *Interlock) Trigger(ctx context.Context, reason string) {
	i.mu.Lock()
	if i.triggered {
		i.mu.Unlock()
		return
	}
	i.triggered = true
	i.reason = reason
	i.triggeredAt = i.now().UTC()
	at := i.triggeredAt
	i.mu.Unlock()

	observ.Error("doomsday_triggered", map[string]any{"reason": reason})
	observ.IncCounter("mia_doomsday_triggers_total", nil)
	i.gauge()

	if i.kvc != nil {
		if err := i.kvc.Set(ctx, kv.KeyDoomsday, "triggered"); err != nil {
			observ.Warn("doomsday_persist_error", map[string]any{"key": kv.KeyDoomsday, "error": err.Error()})
		}
		if err := i.kvc.Set(ctx, kv.KeyDoomsdayReason, reason); err != nil {
			observ.Warn("doomsday_persist_error", map[string]any{"key": kv.KeyDoomsdayReason, "error": err.Error()})
		}
		// Trading mode is forced local so no remote component keeps acting.
		if err := i.kvc.Set(ctx, kv.KeySoldierMode, "local"); err != nil {
			observ.Warn("doomsday_persist_error", map[string]any{"key": kv.KeySoldierMode, "error": err.Error()})
		}
	}

	if err := writeLockfile(i.cfg.LockfilePath, at, reason); err != nil {
		observ.Error("doomsday_lockfile_error", map[string]any{"error": err.Error()})
	}

	if i.crs != nil {
		i.crs.Publish(bus.CrossEvent{
			Type:     bus.EventDoomsdayTriggered,
			Source:   bus.SubsystemRiskMonitor,
			Target:   bus.SubsystemEmergency,
			Priority: bus.PriorityCritical,
			Data:     map[string]any{"reason": reason},
		})
		if ratio, ok := i.pnlRatio(ctx); ok && ratio < i.cfg.LiquidationThreshold {
			i.crs.Publish(bus.CrossEvent{
				Type:     bus.EventLiquidationRequired,
				Source:   bus.SubsystemRiskMonitor,
				Target:   bus.SubsystemEmergency,
				Priority: bus.PriorityCritical,
				Data:     map[string]any{"loss_ratio": ratio},
			})
		}
	}
}

// Reset clears the trigger after verifying the password against the secret
// stored in the KV. The secret is read on every attempt so a rotation takes
// effect immediately; an absent or empty secret rejects every password.
// Reset on an untriggered interlock is a no-op success.
func (i *Interlock) Reset(ctx context.Context, password string) error {
	secret := ""
	if i.kvc != nil {
		if v, err := i.kvc.Get(ctx, kv.KeyDoomsdaySecret); err == nil {
			secret = v
		}
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(password), []byte(secret)) != 1 {
		observ.Warn("doomsday_reset_rejected", nil)
		observ.IncCounter("mia_doomsday_reset_attempts_total", map[string]string{"result": "rejected"})
		return ErrBadPassword
	}

	i.mu.Lock()
	was := i.triggered
	i.triggered = false
	i.reason = ""
	i.triggeredAt = time.Time{}
	i.mu.Unlock()

	if i.kvc != nil {
		if err := i.kvc.Del(ctx, kv.KeyDoomsday, kv.KeyDoomsdayReason, kv.KeyRedisFailures, kv.KeyGPUFailures); err != nil {
			observ.Warn("doomsday_reset_kv_error", map[string]any{"error": err.Error()})
		}
	}
	if err := os.Remove(i.cfg.LockfilePath); err != nil && !os.IsNotExist(err) {
		observ.Warn("doomsday_lockfile_remove_error", map[string]any{"error": err.Error()})
	}

	i.gauge()
	observ.Log("doomsday_reset", map[string]any{"was_triggered": was})
	observ.IncCounter("mia_doomsday_reset_attempts_total", map[string]string{"result": "ok"})
	return nil
}

// Status exposes interlock state for the HTTP surface.
func (i *Interlock) Status() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return map[string]any{
		"triggered":    i.triggered,
		"reason":       i.reason,
		"triggered_at": i.triggeredAt,
	}
}

func (i *Interlock) gauge() {
	v := 0.0
	if i.Triggered() {
		v = 1.0
	}
	observ.SetGauge("mia_doomsday_triggered", v, nil)
}

// writeLockfile records the trigger as two plain-text lines so an operator
// can read it without tooling.
func writeLockfile(path string, at time.Time, reason string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("Triggered at: %s\nReason: %s\n", at.UTC().Format(time.RFC3339), reason)
	return os.WriteFile(path, []byte(content), 0o644)
}

// readLockfile parses a trigger left on disk. A malformed file still counts
// as triggered; losing the reason must not silently re-arm the system.
func readLockfile(path string) (time.Time, string, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, "", false
	}
	at := time.Now().UTC()
	reason := "unknown (malformed lockfile)"
	for _, line := range strings.Split(string(b), "\n") {
		if v, ok := strings.CutPrefix(line, "Triggered at: "); ok {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				at = t
			}
		}
		if v, ok := strings.CutPrefix(line, "Reason: "); ok {
			reason = strings.TrimSpace(v)
		}
	}
	return at, reason, true
}
