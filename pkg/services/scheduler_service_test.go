package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

type fakeLeader struct {
	mu       sync.Mutex
	leader   bool
	err      error
	acquires int
	released bool
}

func (l *fakeLeader) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return l.leader, l.err
}

func (l *fakeLeader) Release(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
}

type fakeQuotaChecker struct {
	exhausted map[uuid.UUID]bool
	err       error
}

func (q *fakeQuotaChecker) Exhausted(_ context.Context, tenantID uuid.UUID, _ models.QuotaMetric) (bool, error) {
	return q.exhausted[tenantID], q.err
}

// racingSearchRepo simulates another replica advancing the search between
// ListDue and AdvanceDue.
type racingSearchRepo struct {
	*fakeSearchRepo
}

func (r *racingSearchRepo) AdvanceDue(ctx context.Context, searchID uuid.UUID, expectedDue, nextDue time.Time, job *models.Job) (bool, error) {
	if _, err := r.fakeSearchRepo.AdvanceDue(ctx, searchID, expectedDue, nextDue, job); err != nil {
		return false, err
	}
	return r.fakeSearchRepo.AdvanceDue(ctx, searchID, expectedDue, nextDue, job)
}

type schedulerFixture struct {
	tenantID uuid.UUID
	jobs     *fakeJobRepo
	searches *fakeSearchRepo
	tenants  *fakeTenantRepo
	quota    *fakeQuotaChecker
	leader   *fakeLeader
	enqueues int
	svc      *schedulerService
}

func newSchedulerFixture(t *testing.T, pageSize int) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		tenantID: uuid.New(),
		jobs:     &fakeJobRepo{},
		quota:    &fakeQuotaChecker{exhausted: map[uuid.UUID]bool{}},
		leader:   &fakeLeader{leader: true},
	}
	f.searches = newFakeSearchRepo(f.jobs)
	f.tenants = newFakeTenantRepo(f.tenantID)
	f.svc = NewSchedulerService(SchedulerConfig{PageSize: pageSize, JobMaxAttempts: 3}, f.leader, f.searches, f.tenants, f.quota,
		passthroughSystem, func() { f.enqueues++ }, zap.NewNop()).(*schedulerService)
	f.svc.now = func() time.Time { return day1 }
	return f
}

func (f *schedulerFixture) dueSearch(tenantID uuid.UUID, due time.Time) *models.SavedSearch {
	s := &models.SavedSearch{
		ID:        uuid.New(),
		TenantID:  tenantID,
		OwnerID:   "owner",
		Status:    models.SearchStatusActive,
		Schedule:  models.Schedule{Frequency: models.FrequencyDaily, TimeOfDay: "09:00", Timezone: "UTC"},
		NextDueAt: &due,
	}
	f.searches.put(s)
	return s
}

func TestSchedulerService_TickEnqueuesAndAdvances(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	search := f.dueSearch(f.tenantID, day1)
	f.dueSearch(f.tenantID, day2) // not yet due

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &TickResult{Due: 1, Enqueued: 1}, res)
	assert.Equal(t, 1, f.enqueues)

	jobs := f.jobs.ofKind(models.JobKindExecuteSearch)
	require.Len(t, jobs, 1)
	assert.Equal(t, search.ID, jobs[0].SearchID)
	assert.Equal(t, day1, jobs[0].ScheduledTime)
	assert.Equal(t, 3, jobs[0].MaxAttempts)
	assert.Equal(t, search.ID.String(), jobs[0].SequenceKey)

	stored, _ := f.searches.GetByID(context.Background(), f.tenantID, search.ID)
	assert.Equal(t, day2, *stored.NextDueAt)
	assert.Equal(t, day1, *stored.LastScheduledAt)

	// A second tick at the same instant finds nothing due.
	res, err = f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Equal(t, 1, f.enqueues)
}

func TestSchedulerService_BacklogIsNotReplayed(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	search := f.dueSearch(f.tenantID, day0.AddDate(0, 0, -5))

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	stored, _ := f.searches.GetByID(context.Background(), f.tenantID, search.ID)
	assert.Equal(t, day2, *stored.NextDueAt)
	assert.Len(t, f.jobs.ofKind(models.JobKindExecuteSearch), 1)
}

func TestSchedulerService_QuotaExhaustedSkipsRun(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	f.quota.exhausted[f.tenantID] = true
	search := f.dueSearch(f.tenantID, day1)
	other := uuid.New()
	f.dueSearch(other, day1)

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Due)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Skipped)

	jobs := f.jobs.ofKind(models.JobKindExecuteSearch)
	require.Len(t, jobs, 1)
	assert.Equal(t, other, jobs[0].TenantID)

	stored, _ := f.searches.GetByID(context.Background(), f.tenantID, search.ID)
	assert.Equal(t, day2, *stored.NextDueAt, "skipped runs still advance")
	assert.Equal(t, 1, f.tenants.eventCount())
}

func TestSchedulerService_QuotaCheckErrorStillEnqueues(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	f.quota.err = errors.New("redis down")
	f.dueSearch(f.tenantID, day1)

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
}

func TestSchedulerService_ContendedAdvance(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	f.svc.searchRepo = &racingSearchRepo{fakeSearchRepo: f.searches}
	f.dueSearch(f.tenantID, day1)

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Contended)
	assert.Zero(t, res.Enqueued)
	assert.Zero(t, f.enqueues)
	assert.Len(t, f.jobs.ofKind(models.JobKindExecuteSearch), 1, "the winning replica enqueued once")
}

func TestSchedulerService_InvalidScheduleCountsFailure(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	search := f.dueSearch(f.tenantID, day1)
	search.Schedule.TimeOfDay = "nope"
	f.searches.put(search)

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, f.jobs.ofKind(models.JobKindExecuteSearch))
}

func TestSchedulerService_Paginates(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	for i := 0; i < 3; i++ {
		f.dueSearch(f.tenantID, day1.Add(-time.Duration(i)*time.Minute))
	}

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Due)
	assert.Equal(t, 3, res.Enqueued)
	assert.Len(t, f.jobs.ofKind(models.JobKindExecuteSearch), 3)
	assert.Equal(t, 1, f.enqueues)
}

func TestSchedulerService_OnlyLeaderTicks(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	f.leader.leader = false
	f.dueSearch(f.tenantID, day1)

	f.svc.tickIfLeader(context.Background())
	assert.Empty(t, f.jobs.ofKind(models.JobKindExecuteSearch))

	f.leader.leader = true
	f.svc.tickIfLeader(context.Background())
	assert.Len(t, f.jobs.ofKind(models.JobKindExecuteSearch), 1)
}

func TestSchedulerService_RunReleasesLeadershipOnShutdown(t *testing.T) {
	f := newSchedulerFixture(t, 10)
	f.svc.cfg.TickInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.leader.mu.Lock()
		defer f.leader.mu.Unlock()
		return f.leader.acquires > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.True(t, f.leader.released)
}
