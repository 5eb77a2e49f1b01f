package xiaohongshu

import (
	"sync"
	"time"

	"github.com/untoldecay/midas/internal/types"
)

// CooldownTracker enforces the minimum interval between two live collection
// syncs. time.Now carries a monotonic reading, so the remaining window is
// immune to wall-clock jumps.
type CooldownTracker struct {
	mu       sync.Mutex
	lastSync time.Time
	interval func() time.Duration
}

// NewCooldownTracker builds a tracker; interval is read per call so config
// reloads take effect immediately.
func NewCooldownTracker(interval func() time.Duration) *CooldownTracker {
	return &CooldownTracker{interval: interval}
}

// Status reports whether a new sync may start and how long until it may.
func (t *CooldownTracker) Status() types.CooldownStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(time.Now())
}

func (t *CooldownTracker) statusLocked(now time.Time) types.CooldownStatus {
	interval := t.interval()
	status := types.CooldownStatus{
		Allowed:         true,
		IntervalSeconds: int64(interval / time.Second),
	}
	if t.lastSync.IsZero() || interval <= 0 {
		return status
	}
	next := t.lastSync.Add(interval)
	remaining := next.Sub(now)
	if remaining <= 0 {
		return status
	}
	status.Allowed = false
	status.RemainingSeconds = int64(remaining.Round(time.Second) / time.Second)
	if status.RemainingSeconds < 1 {
		status.RemainingSeconds = 1
	}
	status.NextAllowedAtEpoch = time.Now().Add(remaining).Unix()
	return status
}

// TryStart marks a sync as started if the cooldown allows it. On rejection
// the returned status carries the structured cooldown payload.
func (t *CooldownTracker) TryStart() (types.CooldownStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	status := t.statusLocked(now)
	if !status.Allowed {
		return status, types.E(types.KindRateLimited,
			"collection sync on cooldown for another %ds", status.RemainingSeconds).
			WithMeta("remaining_seconds", status.RemainingSeconds).
			WithMeta("next_allowed_at_epoch", status.NextAllowedAtEpoch).
			WithMeta("interval_seconds", status.IntervalSeconds)
	}
	t.lastSync = now
	return status, nil
}
