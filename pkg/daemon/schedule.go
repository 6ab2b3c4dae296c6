package daemon

import (
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/navigation"
	"github.com/robocar-go/robocar/pkg/powerinfo"
)

// Scheduled programs are skipped below this charge.
const lowPowerPercent = 15

var errLowPower = errors.New("power pack is low")

// ScheduleStatus is the schedule part of GET /status.
type ScheduleStatus struct {
	Cron     string      `json:"cron"`
	Mode     string      `json:"mode,omitempty"`
	Enabled  bool        `json:"enabled"`
	NextRuns []time.Time `json:"nextRuns,omitempty"`
}

func newProgramScheduler() *Scheduler {
	return NewScheduler(runScheduledProgram, schedulePreCheck, announceScheduledProgram, func(err error) {
		logrus.WithError(err).Warn("scheduled program")
	})
}

func runScheduledProgram() error {
	return startProgram(conf.Schedule().Program, sourceSchedule)
}

// schedulePreCheck holds the run back while another job owns the robot or the
// power pack is nearly empty. A pack that cannot be read does not block.
func schedulePreCheck() error {
	if jobs.Running() {
		return ErrBusy
	}
	p, err := readPower()
	if err != nil {
		logrus.WithError(err).Debug("power pack unavailable")
		return nil
	}
	if p.Low(lowPowerPercent) {
		return pkgerrors.Wrapf(errLowPower, "%d%%", p.Percent)
	}
	return nil
}

func announceScheduledProgram(runAt time.Time) {
	sseHub.Publish(events.ScheduleUpcoming, events.ScheduleUpcomingEvent{
		Mode:  conf.Schedule().Mode,
		RunAt: runAt.Unix(),
		Ts:    time.Now().Unix(),
	})
}

// applySchedule validates s, persists it and (re)starts the scheduler. An
// empty cron expression disables scheduling.
func applySchedule(s config.Schedule) ([]time.Time, error) {
	if s.Cron == "" {
		scheduler.Unschedule()
		conf.SetSchedule(s)
		if err := conf.Save(); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to save config")
		}
		logrus.Info("program schedule disabled")
		return nil, nil
	}

	if _, err := cronParser.Parse(s.Cron); err != nil {
		return nil, pkgerrors.Wrapf(ErrInvalidProgram, "invalid cron expression: %v", err)
	}
	if _, err := navigation.ParseMode(s.Mode); err != nil {
		return nil, err
	}
	if _, err := programOptions(s.Program); err != nil {
		return nil, err
	}

	conf.SetSchedule(s)
	if err := conf.Save(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to save config")
	}

	if err := scheduleFromConfig(); err != nil {
		return nil, err
	}
	runs := scheduler.NextRuns(3)
	logrus.WithFields(logrus.Fields{
		"cron": s.Cron,
		"mode": s.Mode,
	}).Info("program scheduled")
	return runs, nil
}

// scheduleFromConfig makes the scheduler follow the configured schedule.
func scheduleFromConfig() error {
	s := conf.Schedule()
	if s.Cron == "" {
		scheduler.Unschedule()
		return nil
	}
	scheduler.Stop()
	if err := scheduler.Schedule(s.Cron); err != nil {
		return pkgerrors.Wrapf(err, "failed to schedule %q", s.Cron)
	}
	scheduler.Start()
	return nil
}

func scheduleStatus() ScheduleStatus {
	s := conf.Schedule()
	_, running := scheduler.Status()
	st := ScheduleStatus{
		Cron:    s.Cron,
		Mode:    s.Mode,
		Enabled: s.Cron != "" && running,
	}
	if st.Enabled {
		st.NextRuns = scheduler.NextRuns(3)
	}
	return st
}

// function seam for tests
var readPower = powerinfo.Get
