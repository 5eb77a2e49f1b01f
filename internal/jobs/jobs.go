// Package jobs owns the lifecycle of long-running sync tasks: submission,
// progress aggregation, terminal retention and shutdown.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/untoldecay/midas/internal/types"
	"github.com/untoldecay/midas/internal/xiaohongshu"
)

const (
	// Terminal jobs kept for polling before eviction, oldest first.
	maxTerminalJobs = 256
	// Progress events buffered between a worker and the manager; the
	// worker never blocks on a slow reader, extra events are dropped.
	progressBuffer = 64
)

// SyncRunner executes one collection sync and streams progress.
type SyncRunner func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error)

// Manager maps job ids to jobs behind one mutex. Only the owning worker
// moves a job to a terminal state; readers get deep-copied snapshots.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*types.Job
	terminal []string // eviction order, oldest first

	runner   SyncRunner
	cooldown *xiaohongshu.CooldownTracker
	syncSem  *semaphore.Weighted
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires a manager. Workers inherit ctx; Shutdown cancels it.
func NewManager(ctx context.Context, runner SyncRunner, cooldown *xiaohongshu.CooldownTracker, logger *zap.Logger) *Manager {
	baseCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		jobs:     make(map[string]*types.Job),
		runner:   runner,
		cooldown: cooldown,
		syncSem:  semaphore.NewWeighted(1),
		logger:   logger,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Submit creates a collection-sync job and spawns its worker. At most one
// sync runs at a time; a second submit fails synchronously with
// RATE_LIMITED, as does one inside the cooldown window.
func (m *Manager) Submit(kind string, requestedLimit int) (*types.Job, error) {
	if kind != types.JobKindCollectionSync {
		return nil, types.E(types.KindInvalidInput, "unknown job kind %q", kind)
	}

	if !m.syncSem.TryAcquire(1) {
		status := m.cooldown.Status()
		return nil, types.E(types.KindRateLimited, "a collection sync is already running").
			WithMeta("remaining_seconds", status.RemainingSeconds).
			WithMeta("next_allowed_at_epoch", status.NextAllowedAtEpoch)
	}
	if _, err := m.cooldown.TryStart(); err != nil {
		m.syncSem.Release(1)
		return nil, err
	}

	now := time.Now().UTC()
	job := &types.Job{
		JobID:          uuid.NewString(),
		Kind:           kind,
		RequestedLimit: requestedLimit,
		Status:         types.JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	m.jobs[job.JobID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(job.JobID, requestedLimit)

	return job.Clone(), nil
}

// Get returns a snapshot of one job, or nil when unknown or evicted.
func (m *Manager) Get(jobID string) *types.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	return job.Clone()
}

func (m *Manager) run(jobID string, requestedLimit int) {
	defer m.wg.Done()
	defer m.syncSem.Release(1)

	m.update(jobID, func(j *types.Job) {
		j.Status = types.JobRunning
		j.Message = "sync started"
	})

	events := make(chan types.ProgressEvent, progressBuffer)
	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for ev := range events {
			ev := ev
			m.update(jobID, func(j *types.Job) {
				if ev.Current > j.Current {
					j.Current = ev.Current
				}
				if ev.Total > 0 {
					j.Total = ev.Total
				}
				j.Message = ev.Message
			})
		}
	}()

	result, err := m.runner(m.baseCtx, requestedLimit, func(ev types.ProgressEvent) {
		select {
		case events <- ev:
		default:
			// Full buffer; the next event carries the newer counters.
		}
	})
	close(events)
	drain.Wait()

	m.update(jobID, func(j *types.Job) {
		j.Result = result
		switch {
		case err == nil:
			j.Status = types.JobSucceeded
			j.Message = "sync finished"
			if result != nil && result.CircuitOpened {
				j.Message = "sync stopped early: circuit opened"
			}
		case m.baseCtx.Err() != nil:
			j.Status = types.JobFailed
			j.Error = "aborted by shutdown"
			j.ErrorCode = types.KindInternal
		default:
			j.Status = types.JobFailed
			j.Error = err.Error()
			j.ErrorCode = types.KindOf(err)
		}
	})
	m.retire(jobID)

	if err != nil {
		m.logger.Warn("sync job failed", zap.String("job_id", jobID), zap.Error(err))
	} else {
		m.logger.Info("sync job finished", zap.String("job_id", jobID))
	}
}

// update mutates one job under the mutex and bumps UpdatedAt.
func (m *Manager) update(jobID string, fn func(*types.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

// retire records a terminal job for retention and evicts the oldest beyond
// the cap.
func (m *Manager) retire(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal = append(m.terminal, jobID)
	for len(m.terminal) > maxTerminalJobs {
		evict := m.terminal[0]
		m.terminal = m.terminal[1:]
		delete(m.jobs, evict)
	}
}

// Shutdown cancels in-flight workers and waits for them to record their
// terminal state.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
