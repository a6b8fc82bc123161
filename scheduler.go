package zkfleet

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Trigger computes fire times for a scheduled job. First gives the initial
// fire after the scheduler starts; Next gives the fire following a previous
// one. Implementations must advance: Next(t) must be after t.
type Trigger interface {
	First(start time.Time) time.Time
	Next(prev time.Time) time.Time
	String() string
}

// Every fires at a fixed cadence. The first fire happens Offset after start
// (immediately when Offset is zero), then every Interval.
type Every struct {
	Interval time.Duration
	Offset   time.Duration
}

func (e Every) First(start time.Time) time.Time { return start.Add(e.Offset) }
func (e Every) Next(prev time.Time) time.Time   { return prev.Add(e.Interval) }

func (e Every) String() string {
	if e.Offset > 0 {
		return fmt.Sprintf("every %s (offset %s)", e.Interval, e.Offset)
	}
	return fmt.Sprintf("every %s", e.Interval)
}

// DailyAt fires once per day at the given wall-clock time, shifted by Offset.
// A nil Location means UTC.
type DailyAt struct {
	Hour     int
	Minute   int
	Offset   time.Duration
	Location *time.Location
}

func (d DailyAt) loc() *time.Location {
	if d.Location != nil {
		return d.Location
	}
	return time.UTC
}

// target returns the fire time on the same day as t (in the trigger's
// location), Offset applied.
func (d DailyAt) target(t time.Time) time.Time {
	t = t.In(d.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, d.loc()).Add(d.Offset)
}

// after returns the first fire time strictly after t.
func (d DailyAt) after(t time.Time) time.Time {
	fire := d.target(t)
	if !fire.After(t) {
		fire = d.target(t.In(d.loc()).AddDate(0, 0, 1))
	}
	return fire
}

func (d DailyAt) First(start time.Time) time.Time { return d.after(start) }
func (d DailyAt) Next(prev time.Time) time.Time   { return d.after(prev) }

func (d DailyAt) String() string {
	s := fmt.Sprintf("daily at %02d:%02d %s", d.Hour, d.Minute, d.loc())
	if d.Offset > 0 {
		s += fmt.Sprintf(" (offset %s)", d.Offset)
	}
	return s
}

// JobFunc is a scheduled job body. It must respect ctx and return promptly
// once ctx is done.
type JobFunc func(ctx context.Context) error

// JobStatus is a point-in-time view of one registered job.
type JobStatus struct {
	ID           string        `json:"id"`
	Trigger      string        `json:"trigger"`
	Running      bool          `json:"running"`
	Runs         int           `json:"runs"`
	Skips        int           `json:"skips"`
	Failures     int           `json:"failures"`
	LastStart    time.Time     `json:"last_start,omitzero"`
	LastDuration time.Duration `json:"last_duration"`
	LastStatus   RunStatus     `json:"last_status,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextFire     time.Time     `json:"next_fire,omitzero"`
}

type job struct {
	id      string
	trigger Trigger
	fn      JobFunc

	running      bool
	runs         int
	skips        int
	failures     int
	lastStart    time.Time
	lastDuration time.Duration
	lastStatus   RunStatus
	lastErr      string
	nextFire     time.Time
}

// Scheduler runs registered jobs on their triggers. A job never overlaps
// itself: a fire that lands while the previous run is still going is skipped
// and counted, not queued. Job panics fail that run only.
type Scheduler struct {
	recorder RunRecorder

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool
	stopped bool
	cancel  context.CancelFunc

	group  *errgroup.Group
	bodies sync.WaitGroup
}

// NewScheduler builds an empty scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	rec := cfg.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Scheduler{
		recorder: rec,
		jobs:     make(map[string]*job),
	}
}

// Add registers a job. Registration closes once the scheduler starts.
func (s *Scheduler) Add(id string, tr Trigger, fn JobFunc) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("job id cannot be empty")
	}
	if tr == nil {
		return errors.Errorf("job %s: trigger cannot be nil", id)
	}
	if fn == nil {
		return errors.Errorf("job %s: func cannot be nil", id)
	}
	now := time.Now()
	first := tr.First(now)
	if !tr.Next(first).After(first) {
		return errors.Errorf("job %s: trigger %s does not advance", id, tr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Errorf("job %s: scheduler already started", id)
	}
	if _, dup := s.jobs[id]; dup {
		return errors.Errorf("duplicate job id %q", id)
	}
	s.jobs[id] = &job{id: id, trigger: tr, fn: fn}
	s.order = append(s.order, id)
	return nil
}

// Start launches one timer loop per job. It is idempotent; the loops run
// until Stop or until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		log.Warn().Msg("scheduler already started")
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	s.group = group
	jobs := make([]*job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id])
	}
	s.mu.Unlock()

	for _, j := range jobs {
		group.Go(s.loopSafe(gctx, j))
		log.Info().Str("job", j.id).Str("trigger", j.trigger.String()).Msg("job scheduled")
	}
	log.Info().Int("jobs", len(jobs)).Msg("scheduler started")
}

// loopSafe wraps a job's timer loop with panic recovery and restart. Loop
// panics should not happen (bodies have their own recovery), but a broken
// loop must not silently kill the job's schedule. Printing to stderr avoids
// the logger on the panic path.
func (s *Scheduler) loopSafe(ctx context.Context, j *job) func() error {
	return func() error {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			panicked := false
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						_, _ = fmt.Fprintf(os.Stderr, "WARN: job loop %s panicked: %v\n%s\n", j.id, r, debug.Stack())
					}
				}()
				s.runLoop(ctx, j)
			}()
			if !panicked {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// runLoop waits for each fire time and dispatches the job body. The loop
// keeps ticking while a body runs; overlap is resolved in fire.
func (s *Scheduler) runLoop(ctx context.Context, j *job) {
	next := j.trigger.First(time.Now())
	s.setNextFire(j, next)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.fire(ctx, j)

		next = j.trigger.Next(next)
		// A stalled host can leave fire times in the past; collapse the
		// missed ones instead of firing in a burst.
		now := time.Now()
		for !next.After(now) {
			next = j.trigger.Next(next)
		}
		s.setNextFire(j, next)
		timer.Reset(time.Until(next))
	}
}

func (s *Scheduler) setNextFire(j *job, t time.Time) {
	s.mu.Lock()
	j.nextFire = t
	s.mu.Unlock()
}

// fire runs the job body on its own goroutine unless the previous run is
// still in progress, in which case the occurrence is skipped and counted.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	start := time.Now()
	s.mu.Lock()
	if j.running {
		j.skips++
		s.mu.Unlock()
		log.Warn().Str("job", j.id).Msg("previous run still in progress, skipping this occurrence")
		s.record(RunRecord{Job: j.id, StartedAt: start, Status: RunSkipped, Detail: "previous run still in progress"})
		return
	}
	j.running = true
	j.runs++
	j.lastStart = start
	s.mu.Unlock()

	s.bodies.Add(1)
	go func() {
		defer s.bodies.Done()
		s.execute(ctx, j, start)
	}()
}

// execute runs the body with panic containment and records the outcome.
func (s *Scheduler) execute(ctx context.Context, j *job, start time.Time) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				_, _ = fmt.Fprintf(os.Stderr, "WARN: job %s panicked: %v\n%s\n", j.id, r, debug.Stack())
				err = errors.Errorf("panic: %v", r)
			}
		}()
		err = j.fn(ctx)
	}()
	duration := time.Since(start)

	status := RunSuccess
	detail := ""
	if err != nil {
		status = RunFailed
		detail = err.Error()
	}

	s.mu.Lock()
	j.running = false
	j.lastDuration = duration
	j.lastStatus = status
	j.lastErr = detail
	if err != nil {
		j.failures++
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Str("job", j.id).Dur("duration", duration).Err(err).Msg("job run failed")
	} else {
		log.Info().Str("job", j.id).Dur("duration", duration).Msg("job run finished")
	}
	s.record(RunRecord{Job: j.id, StartedAt: start, Duration: duration, Status: status, Detail: detail})
}

// record hands the outcome to the recorder on a bounded background context;
// recording must not block or outlive shutdown indefinitely.
func (s *Scheduler) record(rec RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRecorderDeadline)
	defer cancel()
	if err := s.recorder.RecordRun(ctx, rec); err != nil {
		log.Warn().Str("job", rec.Job).Err(err).Msg("recording job run failed")
	}
}

// Stop cancels all job contexts and waits up to grace for loops and
// in-flight bodies to finish. Jobs still running past the grace period are
// reported via ErrStopTimeout; their goroutines are abandoned to exit
// whenever their bodies notice the cancelled context.
func (s *Scheduler) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	log.Info().Dur("grace", grace).Msg("scheduler stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		s.bodies.Wait()
		close(done)
	}()

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
		return nil
	case <-graceTimer.C:
		stragglers := s.runningJobs()
		log.Error().Strs("jobs", stragglers).Dur("grace", grace).Msg("scheduler stop grace exceeded")
		return errors.Wrapf(ErrStopTimeout, "jobs still running after %s: %s", grace, strings.Join(stragglers, ", "))
	}
}

func (s *Scheduler) runningJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.order {
		if s.jobs[id].running {
			out = append(out, id)
		}
	}
	return out
}

// Jobs returns the status of every job in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		out = append(out, JobStatus{
			ID:           j.id,
			Trigger:      j.trigger.String(),
			Running:      j.running,
			Runs:         j.runs,
			Skips:        j.skips,
			Failures:     j.failures,
			LastStart:    j.lastStart,
			LastDuration: j.lastDuration,
			LastStatus:   j.lastStatus,
			LastError:    j.lastErr,
			NextFire:     j.nextFire,
		})
	}
	return out
}
