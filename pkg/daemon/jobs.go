package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when a job is started while another one runs. Programs
// and calibration share the wheels, so only one may run at a time.
var ErrBusy = errors.New("a job is already running")

const (
	KindProgram     = "program"
	KindCalibration = "calibration"
	KindMeasurement = "measurement"
)

// Job is a long-running robot operation.
type Job struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Source  string    `json:"source"`
	Started time.Time `json:"started"`
}

// JobResult is the outcome of a finished job.
type JobResult struct {
	Job
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

type JobStatus struct {
	Running *Job       `json:"running,omitempty"`
	Last    *JobResult `json:"last,omitempty"`
}

type jobRunner struct {
	mu      sync.Mutex
	current *Job
	cancel  context.CancelFunc
	done    chan struct{}
	last    *JobResult
}

// Start runs fn in the background unless another job is running.
func (r *jobRunner) Start(job Job, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return pkgerrors.Wrapf(ErrBusy, "%s %s", r.current.Kind, r.current.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job.Started = time.Now()
	done := make(chan struct{})
	r.current = &job
	r.cancel = cancel
	r.done = done

	logger := logrus.WithFields(logrus.Fields{
		"kind":   job.Kind,
		"name":   job.Name,
		"source": job.Source,
	})
	logger.Info("job started")

	go func() {
		defer close(done)
		defer cancel()

		err := fn(ctx)

		res := &JobResult{Job: job, Finished: time.Now()}
		if err != nil {
			res.Error = err.Error()
			logger.WithError(err).Warn("job ended with error")
		} else {
			logger.WithField("elapsed", res.Finished.Sub(job.Started)).Info("job finished")
		}

		r.mu.Lock()
		r.current = nil
		r.cancel = nil
		r.last = res
		r.mu.Unlock()
	}()
	return nil
}

// Run holds the job slot while fn runs in the caller's goroutine. It is
// meant for short operations that cannot be cancelled, and it does not
// replace the last result.
func (r *jobRunner) Run(job Job, fn func()) error {
	r.mu.Lock()
	if r.current != nil {
		defer r.mu.Unlock()
		return pkgerrors.Wrapf(ErrBusy, "%s %s", r.current.Kind, r.current.Name)
	}
	job.Started = time.Now()
	done := make(chan struct{})
	r.current = &job
	r.done = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
		close(done)
	}()
	fn()
	return nil
}

// Cancel cancels the running job and returns a channel closed once it has
// returned. It reports false when nothing runs.
func (r *jobRunner) Cancel() (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil, false
	}
	logrus.WithField("name", r.current.Name).Info("cancelling job")
	r.cancel()
	return r.done, true
}

// Wait blocks until the latest job has returned.
func (r *jobRunner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *jobRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

func (r *jobRunner) Status() JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st JobStatus
	if r.current != nil {
		j := *r.current
		st.Running = &j
	}
	if r.last != nil {
		l := *r.last
		st.Last = &l
	}
	return st
}
