package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/schema"
	"github.com/coachpo/optexec/internal/testutil/fakes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ist = time.FixedZone("IST", 5*3600+1800)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []schema.ExecutionRequest
	creds []schema.Credentials
}

func (f *fakeExecutor) Execute(_ context.Context, creds schema.Credentials, req schema.ExecutionRequest) schema.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.creds = append(f.creds, creds)
	return schema.ExecutionResult{Success: true}
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver struct {
	mu    sync.Mutex
	creds map[string]schema.Credentials
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, userID string) (schema.Credentials, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return schema.Credentials{}, false, f.err
	}
	c, ok := f.creds[userID]
	return c, ok, nil
}

type fakeCloser struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeCloser) CloseDay(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

func (f *fakeCloser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

type fireRecorder struct {
	mu    sync.Mutex
	fires map[string]int
	fails map[string]int
}

func (r *fireRecorder) JobFired(_ context.Context, kind string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fires == nil {
		r.fires = map[string]int{}
		r.fails = map[string]int{}
	}
	if ok {
		r.fires[kind]++
	} else {
		r.fails[kind]++
	}
}

func (r *fireRecorder) failed(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fails[kind]
}

type harness struct {
	sched    *Scheduler
	clock    *fakes.FakeClock
	exec     *fakeExecutor
	resolver *fakeResolver
	closer   *fakeCloser
	recorder *fireRecorder
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	h := &harness{
		clock:    fakes.NewFakeClock(start),
		exec:     &fakeExecutor{},
		resolver: &fakeResolver{creds: map[string]schema.Credentials{"u1": {ClientID: "c1", AccessToken: "t1"}}},
		closer:   &fakeCloser{},
		recorder: &fireRecorder{},
	}
	sched, err := New(Deps{
		Executor:    h.exec,
		Credentials: h.resolver,
		Closer:      h.closer,
		Clock:       h.clock,
		Location:    ist,
		Recorder:    h.recorder,
		Workers:     1,
		Queue:       8,
	})
	require.NoError(t, err)
	sched.Start()
	h.sched = sched
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, sched.Shutdown(ctx))
	})
	return h
}

// advance waits for the dispatch loop to arm a timer before moving the clock.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return h.clock.PendingTimers() > 0 }, time.Second, time.Millisecond)
	h.clock.Advance(d)
}

func request(user string) schema.ExecutionRequest {
	return schema.ExecutionRequest{
		Strategy: schema.StrategyShortStraddle,
		Index:    schema.IndexNifty,
		Expiry:   "2026-10-20",
		Lots:     1,
		Mode:     schema.ModePaper,
		UserID:   user,
	}
}

func TestNextOccurrence(t *testing.T) {
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, ist)

	next, err := NextOccurrence(now, "09:30", ist)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 17, 9, 30, 0, 0, ist), next)

	next, err = NextOccurrence(now, "10:00", ist)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 17, 10, 0, 0, 0, ist), next, "a time equal to now rolls to tomorrow")

	next, err = NextOccurrence(now, "10:00:01", ist)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 16, 10, 0, 1, 0, ist), next)

	next, err = NextOccurrence(now.UTC(), "15:15", ist)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 16, 15, 15, 0, 0, ist), next)

	for _, bad := range []string{"", "10", "25:00", "10:60", "10:00:61", "aa:bb", "10:00:00:00", "100:00"} {
		_, err := NextOccurrence(now, bad, ist)
		require.Error(t, err, bad)
		require.True(t, errs.Is(err, errs.CodeInvalid))
	}
}

func TestDeferredJobFiresWithFreshCredentials(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))

	info, err := h.sched.Schedule(request("u1"), "10:00:05")
	require.NoError(t, err)
	require.Regexp(t, `^job_[0-9a-f]{8}$`, info.ID)
	require.Equal(t, time.Date(2026, 10, 16, 10, 0, 5, 0, ist), info.NextRun)
	require.Len(t, h.sched.Jobs("u1"), 1)

	h.resolver.mu.Lock()
	h.resolver.creds["u1"] = schema.Credentials{ClientID: "c1", AccessToken: "rotated"}
	h.resolver.mu.Unlock()

	h.advance(t, 5*time.Second)
	require.Eventually(t, func() bool { return h.exec.count() == 1 }, time.Second, time.Millisecond)

	h.exec.mu.Lock()
	require.Equal(t, "rotated", h.exec.creds[0].AccessToken)
	h.exec.mu.Unlock()
	require.Empty(t, h.sched.Jobs("u1"), "a fired job is consumed")
}

func TestDeferredJobWithoutCredentialsIsDropped(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))

	_, err := h.sched.Schedule(request("ghost"), "10:00:01")
	require.NoError(t, err)
	h.advance(t, time.Second)

	require.Eventually(t, func() bool { return h.recorder.failed(string(kindDeferred)) == 1 }, time.Second, time.Millisecond)
	require.Zero(t, h.exec.count())
	require.Empty(t, h.sched.Jobs(""))
}

func TestResolverErrorIsDropped(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))
	h.resolver.err = errors.New("db down")

	_, err := h.sched.Schedule(request("u1"), "10:00:01")
	require.NoError(t, err)
	h.advance(t, time.Second)

	require.Eventually(t, func() bool { return h.recorder.failed(string(kindDeferred)) == 1 }, time.Second, time.Millisecond)
	require.Zero(t, h.exec.count())
}

func TestCancel(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))

	info, err := h.sched.Schedule(request("u1"), "10:00:05")
	require.NoError(t, err)

	require.False(t, h.sched.Cancel("u1", "job_missing"))
	require.False(t, h.sched.Cancel("u2", info.ID), "jobs are owned by their user")
	require.True(t, h.sched.Cancel("u1", info.ID))
	require.False(t, h.sched.Cancel("u1", info.ID))
	require.Empty(t, h.sched.Jobs("u1"))

	_, err = h.sched.Schedule(request("u1"), "10:00:10")
	require.NoError(t, err)
	h.advance(t, 10*time.Second)
	require.Eventually(t, func() bool { return h.exec.count() == 1 }, time.Second, time.Millisecond)
}

func TestJobsFireInTriggerOrder(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))

	late := request("u1")
	late.Lots = 3
	early := request("u1")
	early.Lots = 1
	_, err := h.sched.Schedule(late, "10:00:30")
	require.NoError(t, err)
	_, err = h.sched.Schedule(early, "10:00:10")
	require.NoError(t, err)

	jobs := h.sched.Jobs("u1")
	require.Len(t, jobs, 2)
	require.Equal(t, int64(1), jobs[0].Lots)

	h.advance(t, time.Minute)
	require.Eventually(t, func() bool { return h.exec.count() == 2 }, time.Second, time.Millisecond)
	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	require.Equal(t, int64(1), h.exec.calls[0].Lots)
	require.Equal(t, int64(3), h.exec.calls[1].Lots)
}

func TestJobsAreScopedPerUser(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))
	_, err := h.sched.Schedule(request("u1"), "11:00")
	require.NoError(t, err)
	_, err = h.sched.Schedule(request("u2"), "11:00")
	require.NoError(t, err)

	require.Len(t, h.sched.Jobs("u1"), 1)
	require.Len(t, h.sched.Jobs("u2"), 1)
	require.Len(t, h.sched.Jobs(""), 2)
}

func TestAutoSquareOffReplacesAndRearms(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 15, 0, 0, 0, ist))

	_, err := h.sched.SetAutoSquareOff("u1", "15:15")
	require.NoError(t, err)
	info, err := h.sched.SetAutoSquareOff("u1", "15:20")
	require.NoError(t, err)
	require.Equal(t, "autosq_u1", info.ID)
	require.Equal(t, "15:20:00", info.Time)

	got, ok := h.sched.AutoSquareOff("u1")
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 10, 16, 15, 20, 0, 0, ist), got.NextRun)
	require.Empty(t, h.sched.Jobs("u1"), "square-offs are not listed as deferred jobs")

	h.advance(t, 15*time.Minute)
	require.Never(t, func() bool { return h.closer.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond, "replaced time must not fire")

	h.advance(t, 5*time.Minute)
	require.Eventually(t, func() bool { return h.closer.count() == 1 }, time.Second, time.Millisecond)

	got, ok = h.sched.AutoSquareOff("u1")
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 10, 17, 15, 20, 0, 0, ist), got.NextRun)

	h.advance(t, 24*time.Hour)
	require.Eventually(t, func() bool { return h.closer.count() == 2 }, time.Second, time.Millisecond)

	require.True(t, h.sched.CancelAutoSquareOff("u1"))
	require.False(t, h.sched.CancelAutoSquareOff("u1"))
	_, ok = h.sched.AutoSquareOff("u1")
	require.False(t, ok)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Shutdown(ctx))

	_, err := h.sched.Schedule(request("u1"), "11:00")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	_, err = h.sched.SetAutoSquareOff("u1", "15:15")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 16, 10, 0, 0, 0, ist))
	_, err := h.sched.Schedule(request(""), "11:00")
	require.Error(t, err)
	_, err = h.sched.Schedule(request("u1"), "11")
	require.Error(t, err)
}
