// Package scheduler fires deferred strategy executions and recurring per-user auto square-offs.
package scheduler

import (
	"container/heap"
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/schema"
	"github.com/coachpo/optexec/lib/async"
	"github.com/coachpo/optexec/lib/clock"
)

// Executor runs a strategy execution.
type Executor interface {
	Execute(ctx context.Context, creds schema.Credentials, req schema.ExecutionRequest) schema.ExecutionResult
}

// CredentialResolver looks up a user's brokerage credentials at fire time.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (schema.Credentials, bool, error)
}

// DayCloser runs the end-of-day routine for one user.
type DayCloser interface {
	CloseDay(ctx context.Context, userID string) error
}

// Recorder observes job fires.
type Recorder interface {
	JobFired(ctx context.Context, kind string, ok bool)
}

// Deps wires a Scheduler.
type Deps struct {
	Executor    Executor
	Credentials CredentialResolver
	Closer      DayCloser
	Clock       clock.Clock
	Location    *time.Location
	Logger      *log.Logger
	Recorder    Recorder
	Workers     int
	Queue       int
	// FireTimeout bounds one fire; zero means unbounded.
	FireTimeout time.Duration
}

// JobInfo describes a pending deferred execution.
type JobInfo struct {
	ID       string          `json:"jobId"`
	UserID   string          `json:"userId"`
	NextRun  time.Time       `json:"nextRunTime"`
	Strategy schema.Strategy `json:"strategy"`
	Index    schema.Index    `json:"index"`
	Expiry   string          `json:"expiry"`
	Lots     int64           `json:"lots"`
	Mode     schema.Mode     `json:"mode"`
}

// SquareOffInfo describes a user's recurring auto square-off.
type SquareOffInfo struct {
	ID      string    `json:"jobId"`
	UserID  string    `json:"userId"`
	Time    string    `json:"time"`
	NextRun time.Time `json:"nextRunTime"`
}

// Scheduler owns a single dispatch goroutine over a min-heap of trigger times.
type Scheduler struct {
	exec     Executor
	creds    CredentialResolver
	closer   DayCloser
	clock    clock.Clock
	loc      *time.Location
	logger   *log.Logger
	recorder Recorder
	timeout  time.Duration
	pool     *async.Pool

	mu      sync.Mutex
	queue   timeline
	byID    map[string]*entry
	seq     uint64
	started bool
	closed  bool

	wake chan struct{}
	stop chan struct{}
	loop conc.WaitGroup
	once sync.Once
}

// New constructs a scheduler. Call Start to begin dispatching.
func New(deps Deps) (*Scheduler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := deps.Queue
	if queue <= 0 {
		queue = 64
	}
	pool, err := async.NewPool(workers, queue, async.WithErrorHandler(func(err error) {
		logger.Printf("scheduler: fire failed err=%v", err)
	}))
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		exec:     deps.Executor,
		creds:    deps.Credentials,
		closer:   deps.Closer,
		clock:    clk,
		loc:      loc,
		logger:   logger,
		recorder: deps.Recorder,
		timeout:  deps.FireTimeout,
		pool:     pool,
		byID:     make(map[string]*entry),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}, nil
}

// Location is the trading zone trigger times are interpreted in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.loop.Go(s.run)
}

// Schedule queues req for the next occurrence of timeOfDay.
func (s *Scheduler) Schedule(req schema.ExecutionRequest, timeOfDay string) (JobInfo, error) {
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return JobInfo{}, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return JobInfo{}, errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	e := &entry{
		id:      newJobID(),
		kind:    kindDeferred,
		userID:  req.UserID,
		request: req,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return JobInfo{}, errs.New("scheduler", errs.CodeUnavailable, errs.WithMessage("scheduler stopped"))
	}
	e.at = tod.Next(s.clock.Now(), s.loc)
	s.pushLocked(e)
	info := jobInfo(e)
	s.mu.Unlock()
	s.notify()
	s.logger.Printf("scheduler: job scheduled id=%s user=%s strategy=%s at=%s", e.id, e.userID, req.Strategy, e.at.Format(time.RFC3339))
	return info, nil
}

// Jobs lists pending deferred executions for userID in trigger order. An empty userID lists all.
func (s *Scheduler) Jobs(userID string) []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.byID))
	for _, e := range s.byID {
		if e.kind != kindDeferred {
			continue
		}
		if userID != "" && e.userID != userID {
			continue
		}
		out = append(out, jobInfo(e))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

// Cancel removes a pending deferred execution owned by userID. It reports false
// for unknown ids and for jobs that already fired.
func (s *Scheduler) Cancel(userID, jobID string) bool {
	s.mu.Lock()
	e, ok := s.byID[jobID]
	if !ok || e.kind != kindDeferred || (userID != "" && e.userID != userID) {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(e)
	s.mu.Unlock()
	s.notify()
	s.logger.Printf("scheduler: job cancelled id=%s user=%s", jobID, userID)
	return true
}

// SetAutoSquareOff arms the daily auto square-off for userID, replacing any existing one.
func (s *Scheduler) SetAutoSquareOff(userID, timeOfDay string) (SquareOffInfo, error) {
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return SquareOffInfo{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return SquareOffInfo{}, errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	id := squareOffID(userID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SquareOffInfo{}, errs.New("scheduler", errs.CodeUnavailable, errs.WithMessage("scheduler stopped"))
	}
	if existing, ok := s.byID[id]; ok {
		s.removeLocked(existing)
	}
	e := &entry{id: id, kind: kindSquareOff, userID: userID, daily: tod, at: tod.Next(s.clock.Now(), s.loc)}
	s.pushLocked(e)
	info := squareOffInfo(e)
	s.mu.Unlock()
	s.notify()
	s.logger.Printf("scheduler: auto square-off armed user=%s time=%s next=%s", userID, tod, e.at.Format(time.RFC3339))
	return info, nil
}

// AutoSquareOff reports the user's recurring square-off, if any.
func (s *Scheduler) AutoSquareOff(userID string) (SquareOffInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[squareOffID(userID)]
	if !ok {
		return SquareOffInfo{}, false
	}
	return squareOffInfo(e), true
}

// CancelAutoSquareOff disarms the user's recurring square-off.
func (s *Scheduler) CancelAutoSquareOff(userID string) bool {
	s.mu.Lock()
	e, ok := s.byID[squareOffID(userID)]
	if ok {
		s.removeLocked(e)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
		s.logger.Printf("scheduler: auto square-off cancelled user=%s", userID)
	}
	return ok
}

// Shutdown stops firing and waits for in-flight fires until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	})
	s.loop.Wait()
	return s.pool.Shutdown(ctx)
}

func (s *Scheduler) pushLocked(e *entry) {
	s.seq++
	e.seq = s.seq
	heap.Push(&s.queue, e)
	s.byID[e.id] = e
}

func (s *Scheduler) removeLocked(e *entry) {
	if e.index >= 0 && e.index < len(s.queue) && s.queue[e.index] == e {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.byID, e.id)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		var timer clock.Timer
		var fire <-chan time.Time
		s.mu.Lock()
		if next := s.queue.peek(); next != nil {
			timer = s.clock.NewTimer(next.at.Sub(s.clock.Now()))
			fire = timer.C()
		}
		s.mu.Unlock()

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			s.dispatchDue()
		}
	}
}

// dispatchDue pops every entry whose trigger time has passed and submits it to the pool.
// Recurring entries are re-armed for their next occurrence before submission.
func (s *Scheduler) dispatchDue() {
	now := s.clock.Now()
	var due []*entry
	s.mu.Lock()
	for {
		next := s.queue.peek()
		if next == nil || next.at.After(now) {
			break
		}
		heap.Pop(&s.queue)
		delete(s.byID, next.id)
		fired := *next
		due = append(due, &fired)
		if next.kind == kindSquareOff {
			next.at = next.daily.Next(now, s.loc)
			s.pushLocked(next)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := s.pool.Submit(context.Background(), func(ctx context.Context) error {
			return s.fire(ctx, e)
		}); err != nil {
			s.logger.Printf("scheduler: submit failed id=%s err=%v", e.id, err)
			s.record(context.Background(), e.kind, false)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	switch e.kind {
	case kindSquareOff:
		s.logger.Printf("scheduler: auto square-off firing user=%s", e.userID)
		err := s.closer.CloseDay(ctx, e.userID)
		s.record(ctx, e.kind, err == nil)
		if err != nil {
			return errs.New("scheduler", errs.CodeUpstream, errs.WithMessage("auto square-off"),
				errs.WithField("user", e.userID), errs.WithCause(err))
		}
		return nil
	default:
		return s.fireDeferred(ctx, e)
	}
}

func (s *Scheduler) fireDeferred(ctx context.Context, e *entry) error {
	creds, ok, err := s.creds.Resolve(ctx, e.userID)
	if err != nil || !ok {
		s.record(ctx, e.kind, false)
		return errs.New("scheduler", errs.CodeNotFound, errs.WithMessage("credentials unavailable"),
			errs.WithField("job", e.id), errs.WithField("user", e.userID), errs.WithCause(err))
	}
	result := s.exec.Execute(ctx, creds, e.request)
	s.record(ctx, e.kind, result.Success)
	if !result.Success {
		return errs.New("scheduler", errs.CodeUpstream, errs.WithMessage("deferred execution failed"),
			errs.WithField("job", e.id), errs.WithField("user", e.userID), errs.WithField("error", result.Error))
	}
	s.logger.Printf("scheduler: job executed id=%s user=%s strategy=%s", e.id, e.userID, e.request.Strategy)
	return nil
}

func (s *Scheduler) record(ctx context.Context, k kind, ok bool) {
	if s.recorder != nil {
		s.recorder.JobFired(ctx, string(k), ok)
	}
}

func newJobID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func squareOffID(userID string) string {
	return "autosq_" + userID
}

func jobInfo(e *entry) JobInfo {
	return JobInfo{
		ID:       e.id,
		UserID:   e.userID,
		NextRun:  e.at,
		Strategy: e.request.Strategy,
		Index:    e.request.Index,
		Expiry:   e.request.Expiry,
		Lots:     e.request.Lots,
		Mode:     e.request.Mode,
	}
}

func squareOffInfo(e *entry) SquareOffInfo {
	return SquareOffInfo{ID: e.id, UserID: e.userID, Time: e.daily.String(), NextRun: e.at}
}
