package jobs

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/types"
	"github.com/untoldecay/midas/internal/xiaohongshu"
)

func noCooldown() *xiaohongshu.CooldownTracker {
	return xiaohongshu.NewCooldownTracker(func() time.Duration { return 0 })
}

func hourCooldown() *xiaohongshu.CooldownTracker {
	return xiaohongshu.NewCooldownTracker(func() time.Duration { return time.Hour })
}

// waitTerminal polls until the job leaves the running states.
func waitTerminal(t *testing.T, m *Manager, jobID string) *types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := m.Get(jobID)
		if job == nil {
			t.Fatalf("job %s disappeared", jobID)
		}
		if job.Status == types.JobSucceeded || job.Status == types.JobFailed {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	m := NewManager(context.Background(), nil, noCooldown(), zap.NewNop())
	defer m.Shutdown()

	_, err := m.Submit("warehouse_rebuild", 5)
	if types.KindOf(err) != types.KindInvalidInput {
		t.Errorf("error = %v, want INVALID_INPUT", err)
	}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		for i := 1; i <= 3; i++ {
			progress(types.ProgressEvent{Current: i, Total: limit, Message: "working"})
		}
		return &types.SyncResult{RequestedLimit: limit, NewCount: 3}, nil
	}
	m := NewManager(context.Background(), runner, noCooldown(), zap.NewNop())
	defer m.Shutdown()

	job, err := m.Submit(types.JobKindCollectionSync, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != types.JobPending {
		t.Errorf("submitted status = %s", job.Status)
	}

	done := waitTerminal(t, m, job.JobID)
	if done.Status != types.JobSucceeded {
		t.Fatalf("status = %s, error = %s", done.Status, done.Error)
	}
	if done.Result == nil || done.Result.NewCount != 3 {
		t.Errorf("result = %+v", done.Result)
	}
	if done.Current != 3 || done.Total != 5 {
		t.Errorf("progress = %d/%d", done.Current, done.Total)
	}
}

func TestGetReturnsSnapshots(t *testing.T) {
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		return &types.SyncResult{NewCount: 1}, nil
	}
	m := NewManager(context.Background(), runner, noCooldown(), zap.NewNop())
	defer m.Shutdown()

	job, err := m.Submit(types.JobKindCollectionSync, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, job.JobID)

	// Mutating a snapshot must not touch the stored job.
	done.Status = types.JobFailed
	done.Result.NewCount = 99
	again := m.Get(job.JobID)
	if again.Status != types.JobSucceeded || again.Result.NewCount != 1 {
		t.Error("Get returned a shared job instance, not a snapshot")
	}

	if m.Get("no-such-job") != nil {
		t.Error("Get returned a job for an unknown id")
	}
}

func TestSubmitRejectsConcurrentSync(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		<-release
		return &types.SyncResult{}, nil
	}
	m := NewManager(context.Background(), runner, noCooldown(), zap.NewNop())
	defer m.Shutdown()

	job, err := m.Submit(types.JobKindCollectionSync, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = m.Submit(types.JobKindCollectionSync, 5)
	if types.KindOf(err) != types.KindRateLimited {
		t.Errorf("second submit error = %v, want RATE_LIMITED", err)
	}

	close(release)
	waitTerminal(t, m, job.JobID)
}

func TestSubmitHonorsCooldown(t *testing.T) {
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		return &types.SyncResult{}, nil
	}
	m := NewManager(context.Background(), runner, hourCooldown(), zap.NewNop())
	defer m.Shutdown()

	job, err := m.Submit(types.JobKindCollectionSync, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, m, job.JobID)

	// The first sync is done and the semaphore free, but the cooldown window
	// has barely started.
	_, err = m.Submit(types.JobKindCollectionSync, 5)
	if types.KindOf(err) != types.KindRateLimited {
		t.Fatalf("error = %v, want RATE_LIMITED", err)
	}
	meta := types.MetaOf(err)
	if _, ok := meta["remaining_seconds"]; !ok {
		t.Errorf("cooldown rejection meta = %v", meta)
	}
}

func TestFailedJobCarriesErrorCode(t *testing.T) {
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		return nil, types.E(types.KindAuthExpired, "session expired")
	}
	m := NewManager(context.Background(), runner, noCooldown(), zap.NewNop())
	defer m.Shutdown()

	job, err := m.Submit(types.JobKindCollectionSync, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, job.JobID)
	if done.Status != types.JobFailed {
		t.Fatalf("status = %s", done.Status)
	}
	if done.ErrorCode != types.KindAuthExpired || done.Error == "" {
		t.Errorf("error fields = %q / %q", done.ErrorCode, done.Error)
	}
}

func TestCircuitOpenedMessage(t *testing.T) {
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		return &types.SyncResult{FailedCount: 3, CircuitOpened: true}, nil
	}
	m := NewManager(context.Background(), runner, noCooldown(), zap.NewNop())
	defer m.Shutdown()

	job, err := m.Submit(types.JobKindCollectionSync, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, job.JobID)
	// A tripped breaker is a soft stop; the job still succeeds.
	if done.Status != types.JobSucceeded {
		t.Errorf("status = %s", done.Status)
	}
	if done.Message != "sync stopped early: circuit opened" {
		t.Errorf("message = %q", done.Message)
	}
}

func TestShutdownAbortsInFlight(t *testing.T) {
	started := make(chan struct{})
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := NewManager(context.Background(), runner, noCooldown(), zap.NewNop())

	job, err := m.Submit(types.JobKindCollectionSync, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	m.Shutdown()

	done := m.Get(job.JobID)
	if done.Status != types.JobFailed || done.Error != "aborted by shutdown" {
		t.Errorf("job after shutdown = %s / %q", done.Status, done.Error)
	}
}
