package daemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead             = time.Minute // before the scheduled time, announce the run
	defaultPreCheckAttempts = 30
	defaultPreCheckInterval = time.Second * 10
)

var errNoSchedule = errors.New("no active schedule")

// TaskFunc represents a runnable task.
type TaskFunc func() error

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs Task on a cron schedule. OnUpcoming is called Lead before
// each run. When PreCheck fails the run is retried every PreCheckInterval,
// up to PreCheckAttempts times, and then skipped.
type Scheduler struct {
	OnUpcoming func(runAt time.Time)
	OnError    func(err error)
	Task       TaskFunc
	PreCheck   TaskFunc

	Lead             time.Duration
	PreCheckAttempts int
	PreCheckInterval time.Duration

	schedule cron.Schedule
	nextRun  time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	controlCh chan controlMsg
}

type controlKind int

const (
	ctrlReschedule controlKind = iota
	ctrlPostpone
	ctrlSkip
)

type controlMsg struct {
	kind     controlKind
	schedule cron.Schedule
	runAt    time.Time
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming func(time.Time), onError func(error)) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnUpcoming:       onUpcoming,
		OnError:          onError,
		Task:             task,
		PreCheck:         preCheck,
		Lead:             defaultLead,
		PreCheckAttempts: defaultPreCheckAttempts,
		PreCheckInterval: defaultPreCheckInterval,
		controlCh:        make(chan controlMsg, 4),
	}
}

// Stop stops the scheduling goroutine. The schedule is kept, so Start
// resumes it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.running = false
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	go s.runScheduled(s.stopCh)
}

// Schedule parses cronExpr and makes it the active schedule.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := cronParser.Parse(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	running := s.running
	if !running {
		s.schedule = sh
		s.nextRun = sh.Next(time.Now())
	}
	s.mu.Unlock()

	if running {
		s.trySendControl(controlMsg{kind: ctrlReschedule, schedule: sh})
	}
	return nil
}

// Unschedule drops the active schedule and stops the scheduler.
func (s *Scheduler) Unschedule() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = nil
	s.nextRun = time.Time{}
}

// Postpone postpones the next scheduled run by the given duration.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() || !s.running {
		s.mu.Unlock()
		return errNoSchedule
	}
	orig := s.nextRun
	next := s.schedule.Next(orig).Truncate(time.Second)
	s.mu.Unlock()

	pp := orig.Add(d).Truncate(time.Second)
	if pp.Compare(next) >= 0 {
		return fmt.Errorf("postpone duration too long, the following run is at %s", next.Format(time.DateTime))
	}

	s.mu.Lock()
	s.nextRun = pp
	s.mu.Unlock()
	s.trySendControl(controlMsg{kind: ctrlPostpone, runAt: pp})
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return errNoSchedule
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(controlMsg{kind: ctrlSkip})
	}
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextRun = s.nextRun
	running = s.running
	return
}

// NextRuns returns up to n upcoming run times, starting with the next one.
func (s *Scheduler) NextRuns(n int) []time.Time {
	schedule, next := s.snapshot()
	if schedule == nil || next.IsZero() {
		return nil
	}
	runs := make([]time.Time, 0, n)
	for range n {
		runs = append(runs, next)
		next = schedule.Next(next)
	}
	return runs
}

// pending is the run the loop is currently waiting for.
type pending struct {
	schedule  cron.Schedule
	runAt     time.Time
	announced bool
	attempts  int
	lastErr   error
}

const idleWait = 10000 * time.Hour

func (p *pending) idle() bool { return p.schedule == nil || p.runAt.IsZero() }

func (p *pending) wait(lead time.Duration) time.Duration {
	switch {
	case p.idle():
		return idleWait
	case p.announced:
		return max(time.Until(p.runAt), 0)
	default:
		return max(time.Until(p.runAt)-lead, 0)
	}
}

func (s *Scheduler) runScheduled(stopCh <-chan struct{}) {
	logrus.Debug("scheduler started")
	defer logrus.Debug("scheduler stopped")

	var cur pending
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	rearm := func() {
		sh, next := s.snapshot()
		cur = pending{schedule: sh, runAt: next}
		timer.Reset(cur.wait(s.Lead))
	}
	rearm()

	for {
		var (
			d     time.Duration
			again bool
		)
		select {
		case <-stopCh:
			return
		case msg := <-s.controlCh:
			d, again = s.control(msg, &cur)
		case <-timer.C:
			d, again = s.fire(&cur)
		}
		if again {
			timer.Reset(d)
		} else {
			rearm()
		}
	}
}

// fire handles an expired timer. It returns the delay until the timer
// should fire again for the same run, or false when the loop should move
// on to the next run.
func (s *Scheduler) fire(p *pending) (time.Duration, bool) {
	if p.idle() {
		return 0, false
	}
	logger := logrus.WithField("runAt", p.runAt.Format(time.DateTime))

	if !p.announced {
		logger.Debug("upcoming scheduled program")
		p.announced = true
		s.sendNotify(p.runAt)
		return p.wait(s.Lead), true
	}

	logger.Info("running scheduled program")
	if s.PreCheck != nil {
		if err := s.PreCheck(); err != nil {
			// Repeated identical failures are reported once.
			if p.lastErr == nil || err.Error() != p.lastErr.Error() {
				p.lastErr = err
				s.sendError(fmt.Errorf("precheck failed: %w", err))
			}
			p.attempts++
			if p.attempts <= s.PreCheckAttempts {
				logger.WithError(err).Debugf("precheck failed (%d/%d), retrying in %s", p.attempts, s.PreCheckAttempts, s.PreCheckInterval)
				return s.PreCheckInterval, true
			}
			logger.WithError(err).Warn("skipping scheduled program")
			s.advanceNextRun()
			return 0, false
		}
	}

	go func() {
		if err := s.Task(); err != nil {
			s.sendError(fmt.Errorf("task failed: %w", err))
		}
	}()
	s.advanceNextRun()
	return 0, false
}

func (s *Scheduler) control(msg controlMsg, p *pending) (time.Duration, bool) {
	logrus.WithField("kind", msg.kind).Debug("scheduler control")

	switch msg.kind {
	case ctrlReschedule:
		s.mu.Lock()
		s.schedule = msg.schedule
		s.nextRun = msg.schedule.Next(time.Now())
		s.mu.Unlock()
	case ctrlPostpone:
		// A postponed run has already been announced.
		p.runAt = msg.runAt
		p.announced = true
		return p.wait(s.Lead), true
	}
	return 0, false
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(s.nextRun)
}

func (s *Scheduler) sendNotify(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}

	go s.OnUpcoming(runAt)
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}

	go s.OnError(err)
}

func (s *Scheduler) trySendControl(msg controlMsg) {
	select {
	case s.controlCh <- msg:
	default:
	}
}
