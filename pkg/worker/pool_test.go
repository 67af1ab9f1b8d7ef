package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

// memoryStore is an in-process JobStore honouring run_at and attempts.
type memoryStore struct {
	mu        sync.Mutex
	jobs      []*models.Job
	completed []uuid.UUID
	retried   []uuid.UUID
	buried    map[uuid.UUID]string
}

func newMemoryStore(jobs ...*models.Job) *memoryStore {
	return &memoryStore{jobs: jobs, buried: make(map[uuid.UUID]string)}
}

func (s *memoryStore) Claim(_ context.Context, kind models.JobKind, _ time.Duration) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, j := range s.jobs {
		if j.Kind == kind && j.Status == models.JobStatusPending && !j.RunAt.After(now) {
			j.Status = models.JobStatusRunning
			j.Attempts++
			copied := *j
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) find(id uuid.UUID) *models.Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (s *memoryStore) Complete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.find(id).Status = models.JobStatusDone
	s.completed = append(s.completed, id)
	return nil
}

func (s *memoryStore) Retry(_ context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.find(id)
	j.Status = models.JobStatusPending
	j.RunAt = runAt
	j.LastError = &lastErr
	s.retried = append(s.retried, id)
	return nil
}

func (s *memoryStore) Bury(_ context.Context, job *models.Job, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.find(job.ID).Status = models.JobStatusDead
	s.buried[job.ID] = lastErr
	return nil
}

func (s *memoryStore) status(id uuid.UUID) models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(id).Status
}

func passthroughSystem(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func passthroughTenant(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func newJob(maxAttempts int) *models.Job {
	return &models.Job{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		SearchID:    uuid.New(),
		Kind:        models.JobKindExecuteSearch,
		Status:      models.JobStatusPending,
		MaxAttempts: maxAttempts,
	}
}

func fastBackoff() *retry.Config {
	return &retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func newTestPool(store JobStore, h Handler) *Pool {
	return NewPool(Config{
		Kind:         models.JobKindExecuteSearch,
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  5,
		Backoff:      fastBackoff(),
	}, store, h, passthroughSystem, passthroughTenant, zap.NewNop())
}

func TestRunOnce_Completes(t *testing.T) {
	job := newJob(5)
	store := newMemoryStore(job)

	var seen *models.Job
	pool := newTestPool(store, HandlerFunc(func(ctx context.Context, j *models.Job) error {
		seen = j
		return nil
	}))

	ran, err := pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	require.NotNil(t, seen)
	assert.Equal(t, job.ID, seen.ID)
	assert.Equal(t, 1, seen.Attempts)
	assert.Equal(t, models.JobStatusDone, store.status(job.ID))

	ran, err = pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunOnce_RetryableErrorSchedulesRetry(t *testing.T) {
	job := newJob(5)
	store := newMemoryStore(job)

	pool := newTestPool(store, HandlerFunc(func(ctx context.Context, j *models.Job) error {
		return retry.Transient(errors.New("provider timeout"))
	}))

	_, err := pool.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, store.status(job.ID))
	assert.Len(t, store.retried, 1)
	assert.Empty(t, store.buried)
}

type exhaustingHandler struct {
	calls     atomic.Int32
	exhausted atomic.Int32
	lastErr   error
}

func (h *exhaustingHandler) Handle(context.Context, *models.Job) error {
	h.calls.Add(1)
	return retry.Transient(errors.New("all sources failed"))
}

func (h *exhaustingHandler) OnExhausted(_ context.Context, _ *models.Job, err error) {
	h.exhausted.Add(1)
	h.lastErr = err
}

func TestRun_DeadLettersAfterMaxAttempts(t *testing.T) {
	job := newJob(3)
	store := newMemoryStore(job)
	h := &exhaustingHandler{}
	pool := newTestPool(store, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return store.status(job.ID) == models.JobStatusDead
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(3), h.calls.Load())
	assert.Equal(t, int32(1), h.exhausted.Load())
	assert.Contains(t, store.buried[job.ID], "all sources failed")
	require.Error(t, h.lastErr)
}

func TestRunOnce_PermanentErrorDeadLettersImmediately(t *testing.T) {
	job := newJob(5)
	store := newMemoryStore(job)

	pool := newTestPool(store, HandlerFunc(func(ctx context.Context, j *models.Job) error {
		return retry.Permanent(errors.New("search configuration invalid"))
	}))

	_, err := pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, store.status(job.ID))
	assert.Empty(t, store.retried)
}

func TestRunOnce_PanicIsDeadLettered(t *testing.T) {
	job := newJob(5)
	store := newMemoryStore(job)

	pool := newTestPool(store, HandlerFunc(func(ctx context.Context, j *models.Job) error {
		panic("boom")
	}))

	_, err := pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, store.status(job.ID))
	assert.Contains(t, store.buried[job.ID], "boom")
}

func TestRun_ShutdownReleasesInFlightJob(t *testing.T) {
	job := newJob(5)
	store := newMemoryStore(job)

	started := make(chan struct{})
	pool := newTestPool(store, HandlerFunc(func(ctx context.Context, j *models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	<-done

	assert.Equal(t, models.JobStatusPending, store.status(job.ID))
	assert.Empty(t, store.buried)
}

func TestRun_ProcessesJobsConcurrently(t *testing.T) {
	var jobs []*models.Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, newJob(5))
	}
	store := newMemoryStore(jobs...)

	var running, peak atomic.Int32
	pool := newTestPool(store, HandlerFunc(func(ctx context.Context, j *models.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == len(jobs)
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}
