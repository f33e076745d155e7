package health

import (
	"context"
	"time"

	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// recoveryBackoff is the fixed wait before each reconnect attempt.
var recoveryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Recoverer drives the KV reconnect sequence after a failed probe: up to
// three pings with exponential waits between them.
type Recoverer struct {
	kvc   kv.Client
	sleep func(time.Duration)
}

// NewRecoverer builds a recoverer over the KV client.
func NewRecoverer(kvc kv.Client) *Recoverer {
	return &Recoverer{kvc: kvc, sleep: time.Sleep}
}

// Recover runs the backoff sequence and reports whether any ping succeeded.
// Cancellation of ctx ends the sequence early. One call counts as one
// recovery attempt regardless of how many pings it takes.
func (r *Recoverer) Recover(ctx context.Context) bool {
	observ.IncCounter("mia_kv_recovery_attempts_total", nil)
	for i, wait := range recoveryBackoff {
		if ctx.Err() != nil {
			return false
		}
		r.sleep(wait)
		observ.IncCounter("mia_kv_recovery_pings_total", nil)
		if err := r.kvc.Ping(ctx); err != nil {
			observ.Warn("kv_recovery_attempt_failed", map[string]any{
				"attempt": i + 1,
				"error":   err.Error(),
			})
			continue
		}
		observ.IncCounter("mia_kv_recovery_successes_total", nil)
		observ.Log("kv_recovered", map[string]any{"attempt": i + 1})
		return true
	}
	observ.Error("kv_recovery_exhausted", map[string]any{"attempts": len(recoveryBackoff)})
	return false
}
