// Package navigation implements the autonomous programs: cruising with
// obstacle avoidance, an oscillating spin, and a scripted circuit. Each runs
// for a wall-clock budget, polling the rangefinder on a fixed tick.
package navigation

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/sensor"
	"github.com/robocar-go/robocar/pkg/vehicle"
)

var ErrUnknownMode = errors.New("unknown mode")

// Mode selects a program.
type Mode string

const (
	Simple  Mode = "simple"
	Twister Mode = "twister"
	Tornado Mode = "tornado"
	Circuit Mode = "circuit"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Simple, Twister, Tornado, Circuit:
		return m, nil
	}
	return "", pkgerrors.Wrapf(ErrUnknownMode, "%q", s)
}

// Car is what a program drives. *vehicle.Vehicle implements it.
type Car interface {
	GoForward() error
	GoBackward() error
	RotateRight() error
	RotateLeft() error
	RotateRightBy(ctx context.Context, angle int) error
	RotateLeftBy(ctx context.Context, angle int) error
	Stop() error

	SetMaxSpeed() error
	SetMinSpeed() error
	SetMeanSpeed() error
	Speed() int
	UpdateSpeed() error

	Distance() float64

	Signal(c vehicle.Color)
	ClearIndicators()
}

var _ Car = &vehicle.Vehicle{}

// Options configures a program run.
type Options struct {
	Budget time.Duration
	// Threshold in centimetres. Closer or invalid readings are obstacles.
	Threshold float64
	// MaxSpeed makes the cruise program use the maximum instead of the
	// minimum speed.
	MaxSpeed  bool
	Tick      time.Duration
	Pause     time.Duration
	SpinPause time.Duration
	Clock     clock.Clock
	Events    *events.EventHub
}

// OptionsFromConfig fills Options from the navigation section. Clock and
// Events are left for the caller.
func OptionsFromConfig(n config.Navigation) Options {
	return Options{
		Budget:    n.Budget.D(),
		Threshold: n.Threshold,
		Tick:      n.Tick.D(),
		Pause:     n.Pause.D(),
		SpinPause: n.SpinPause.D(),
		Clock:     clock.Real{},
	}
}

// Run loads what mode needs and runs it. scriptPath is only used by the
// circuit program; a bad script aborts before any motion.
func Run(ctx context.Context, car Car, mode Mode, scriptPath string, opts Options) error {
	switch mode {
	case Simple:
		return Cruise(ctx, car, opts)
	case Twister, Tornado:
		return spin(ctx, car, mode, opts)
	case Circuit:
		script, err := LoadScript(scriptPath)
		if err != nil {
			logrus.WithError(err).Error("refusing to run circuit")
			return err
		}
		return RunCircuit(ctx, car, script, opts)
	}
	return pkgerrors.Wrapf(ErrUnknownMode, "%q", mode)
}

// run tracks the budget of one program and publishes its events.
type run struct {
	name  string
	car   Car
	opts  Options
	start time.Time
}

func newRun(name string, car Car, opts Options) *run {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	r := &run{name: name, car: car, opts: opts, start: opts.Clock.Now()}
	r.logger().WithFields(logrus.Fields{
		"budget":    opts.Budget,
		"threshold": opts.Threshold,
	}).Info("starting program")
	r.state("started", "")
	return r
}

func (r *run) logger() *logrus.Entry {
	return logrus.WithField("program", r.name)
}

func (r *run) expired() bool {
	return r.opts.Clock.Now().Sub(r.start) >= r.opts.Budget
}

func (r *run) elapsed() time.Duration {
	return r.opts.Clock.Now().Sub(r.start)
}

func (r *run) wait(ctx context.Context, d time.Duration) error {
	return clock.Wait(ctx, r.opts.Clock, d)
}

func (r *run) blocked(distance float64) bool {
	return distance == sensor.Invalid || distance < r.opts.Threshold
}

func (r *run) state(state, msg string) {
	r.opts.Events.Publish(events.ProgramState, events.ProgramStateEvent{
		Program: r.name,
		State:   state,
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

func (r *run) obstacle(distance float64, cleared bool) {
	r.logger().WithFields(logrus.Fields{
		"distance": distance,
		"cleared":  cleared,
	}).Info("obstacle")
	r.opts.Events.Publish(events.Obstacle, events.ObstacleEvent{
		Program:  r.name,
		Distance: distance,
		Cleared:  cleared,
		Ts:       time.Now().Unix(),
	})
}

func (r *run) maneuver(turn Turn, angle, attempt int) {
	r.logger().WithFields(logrus.Fields{
		"turn":    turn,
		"angle":   angle,
		"attempt": attempt,
	}).Info("maneuvering")
	r.opts.Events.Publish(events.Maneuver, events.ManeuverEvent{
		Program:   r.name,
		Direction: string(turn),
		Angle:     angle,
		Attempt:   attempt,
		Ts:        time.Now().Unix(),
	})
}

// finish always stops the car and clears both indicators.
func (r *run) finish(err error) error {
	if stopErr := r.car.Stop(); stopErr != nil {
		r.logger().WithError(stopErr).Error("failed to stop")
	}
	r.car.ClearIndicators()

	switch {
	case err == nil:
		r.logger().WithField("elapsed", r.elapsed()).Info("program finished")
		r.state("finished", "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.logger().Info("program cancelled")
		r.state("cancelled", err.Error())
	default:
		r.logger().WithError(err).Error("program failed")
		r.state("failed", err.Error())
	}
	return err
}

// Cruise moves forward at the minimum (or maximum) speed and steers around
// obstacles until the budget runs out.
func Cruise(ctx context.Context, car Car, opts Options) (err error) {
	r := newRun(string(Simple), car, opts)
	defer func() { err = r.finish(err) }()

	if opts.MaxSpeed {
		err = car.SetMaxSpeed()
	} else {
		err = car.SetMinSpeed()
	}
	if err != nil {
		return pkgerrors.Wrap(err, "failed to set cruise speed")
	}
	r.logger().WithField("speed", car.Speed()).Info("cruise speed set")
	if err := car.GoForward(); err != nil {
		return err
	}
	car.Signal(vehicle.Green)

	for !r.expired() {
		if err := ctx.Err(); err != nil {
			return err
		}

		distance := car.Distance()
		if r.blocked(distance) {
			car.Signal(vehicle.Red)
			r.obstacle(distance, false)

			cleared, err := r.avoid(ctx, distance)
			if err != nil {
				return err
			}
			if !cleared {
				// budget spent while avoiding
				return nil
			}

			if err := car.Stop(); err != nil {
				return err
			}
			if err := r.wait(ctx, opts.Pause); err != nil {
				return err
			}
			if err := car.GoForward(); err != nil {
				return err
			}
			car.Signal(vehicle.Green)
		} else if err := car.UpdateSpeed(); err != nil {
			r.logger().WithError(err).Debug("speed regulation skipped")
		}

		if err := r.wait(ctx, opts.Tick); err != nil {
			return err
		}
	}
	return nil
}

// avoid escalates turns until the path clears: right 90, then left 180,
// then right 90, back up and right 90 again, after which it starts over.
// It reports false when the budget ran out first.
func (r *run) avoid(ctx context.Context, distance float64) (bool, error) {
	attempt := 0
	for r.blocked(distance) {
		if r.expired() {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		switch attempt {
		case 0:
			r.maneuver(Right, 90, attempt)
			if err := r.car.RotateRightBy(ctx, 90); err != nil {
				return false, err
			}
			attempt++
		case 1:
			r.maneuver(Left, 180, attempt)
			if err := r.car.RotateLeftBy(ctx, 180); err != nil {
				return false, err
			}
			attempt++
		default:
			r.maneuver(Right, 90, attempt)
			if err := r.car.RotateRightBy(ctx, 90); err != nil {
				return false, err
			}
			r.logger().Info("no way out, backing up")
			if err := r.car.GoBackward(); err != nil {
				return false, err
			}
			if err := r.wait(ctx, r.opts.Pause); err != nil {
				return false, err
			}
			if err := r.car.RotateRightBy(ctx, 90); err != nil {
				return false, err
			}
			attempt = 0
		}

		distance = r.car.Distance()
	}
	r.obstacle(distance, true)
	return true, nil
}

// Spin rotates in place at maximum speed, clockwise for half the budget and
// counter-clockwise for the other half, with a pause in between.
func Spin(ctx context.Context, car Car, opts Options) error {
	return spin(ctx, car, Twister, opts)
}

// spin reports itself as mode, so a run started as tornado is logged and
// published as tornado.
func spin(ctx context.Context, car Car, mode Mode, opts Options) (err error) {
	r := newRun(string(mode), car, opts)
	defer func() { err = r.finish(err) }()

	half := max((opts.Budget-opts.SpinPause)/2, 0)

	if err := car.SetMaxSpeed(); err != nil {
		return pkgerrors.Wrap(err, "failed to set spin speed")
	}

	car.Signal(vehicle.Green)
	if err := car.RotateRight(); err != nil {
		return err
	}
	if err := r.wait(ctx, half); err != nil {
		return err
	}
	if err := car.Stop(); err != nil {
		return err
	}
	if err := r.wait(ctx, opts.SpinPause); err != nil {
		return err
	}

	car.Signal(vehicle.Red)
	if err := car.RotateLeft(); err != nil {
		return err
	}
	return r.wait(ctx, half)
}

// RunCircuit drives forward at the mean speed and takes the next maneuver of
// script every time an obstacle shows up.
func RunCircuit(ctx context.Context, car Car, script Script, opts Options) (err error) {
	if len(script) == 0 {
		return pkgerrors.Wrap(ErrScript, "script is empty")
	}

	r := newRun(string(Circuit), car, opts)
	defer func() { err = r.finish(err) }()

	if err := car.GoForward(); err != nil {
		return err
	}
	if err := car.SetMeanSpeed(); err != nil {
		return pkgerrors.Wrap(err, "failed to set circuit speed")
	}
	car.Signal(vehicle.Green)

	next := 0
	for !r.expired() {
		if err := ctx.Err(); err != nil {
			return err
		}

		distance := car.Distance()
		if r.blocked(distance) {
			car.Signal(vehicle.Red)
			r.obstacle(distance, false)

			m := script[next]
			r.maneuver(m.Turn, m.Angle, next)
			if m.Turn == Left {
				err = car.RotateLeftBy(ctx, m.Angle)
			} else {
				err = car.RotateRightBy(ctx, m.Angle)
			}
			if err != nil {
				return err
			}
			if err := r.wait(ctx, opts.Pause); err != nil {
				return err
			}

			next = (next + 1) % len(script)
			car.Signal(vehicle.Green)
		} else if err := car.UpdateSpeed(); err != nil {
			r.logger().WithError(err).Debug("speed regulation skipped")
		}

		if err := r.wait(ctx, opts.Tick); err != nil {
			return err
		}
		// Turns leave the car stopped at its previous speed.
		if err := car.SetMeanSpeed(); err != nil {
			r.logger().WithError(err).Debug("failed to reassert circuit speed")
		}
		if err := car.GoForward(); err != nil {
			return err
		}
	}
	return nil
}
