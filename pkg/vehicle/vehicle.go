// Package vehicle composes two wheels, the rangefinder and the status
// indicators into a two-wheeled robot with movement primitives, timed turns
// and paired calibration.
package vehicle

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/pins"
	"github.com/robocar-go/robocar/pkg/sensor"
	"github.com/robocar-go/robocar/pkg/sysfs"
	"github.com/robocar-go/robocar/pkg/wheel"
)

// Wheel is the part of *wheel.Wheel the vehicle drives.
type Wheel interface {
	Name() string
	GoForward() error
	GoBackward() error
	Stop() error
	SetSpeed(speed int) error
	UpdateSpeed(reference int) error
	CurrentSpeed() int
	DutyCycle() int
	Moving() bool
	Calibrate(ctx context.Context) (calibration.Bounds, error)
	Install(t calibration.Table) (calibration.Bounds, error)
	Table() calibration.Table
	Bounds() calibration.Bounds
	Calibrated() bool
	Close() error
}

var _ Wheel = &wheel.Wheel{}

// Motion is the current movement of the vehicle.
type Motion string

const (
	Stopped     Motion = "stopped"
	Forward     Motion = "forward"
	Backward    Motion = "backward"
	PivotRight  Motion = "right"
	PivotLeft   Motion = "left"
	RotateRight Motion = "rotateRight"
	RotateLeft  Motion = "rotateLeft"
)

// TurnParams calibrates timed turns.
type TurnParams struct {
	// ReferenceSpeed is the speed at which ReferenceDuration turns 90 degrees.
	ReferenceSpeed    int
	ReferenceDuration time.Duration
	StartupDelay      time.Duration
	Settle            time.Duration
}

// Options configures a Vehicle.
type Options struct {
	Turn TurnParams
	// Samples is the number of raw distance samples per measurement.
	Samples          int
	LeftCalibration  string
	RightCalibration string
}

// OptionsFromConfig builds Options from the configuration.
func OptionsFromConfig(c config.Config) Options {
	t := c.Turn()
	files := c.Calibration()
	return Options{
		Turn: TurnParams{
			ReferenceSpeed:    t.ReferenceSpeed,
			ReferenceDuration: t.ReferenceDuration.D(),
			StartupDelay:      t.StartupDelay.D(),
			Settle:            t.Settle.D(),
		},
		Samples:          c.Sensor().Samples,
		LeftCalibration:  filepath.Join(files.Dir, files.LeftFile),
		RightCalibration: filepath.Join(files.Dir, files.RightFile),
	}
}

// Parts are the components of a Vehicle.
type Parts struct {
	Left, Right Wheel
	Sensor      sensor.Sampler
	Green, Red  *Indicator
	// Closers are released by Close after the parts above.
	Closers []func() error
}

type Vehicle struct {
	left, right Wheel
	sensor      sensor.Sampler
	sensorMu    sync.Mutex
	green, red  *Indicator
	closers     []func() error
	clock       clock.Clock
	opts        Options

	mu     sync.RWMutex
	speed  int
	bounds calibration.Bounds
	motion Motion
}

// Assemble builds a Vehicle from already opened parts.
func Assemble(parts Parts, clk clock.Clock, opts Options) *Vehicle {
	return &Vehicle{
		left:    parts.Left,
		right:   parts.Right,
		sensor:  parts.Sensor,
		green:   parts.Green,
		red:     parts.Red,
		closers: parts.Closers,
		clock:   clk,
		opts:    opts,
		motion:  Stopped,
	}
}

// New opens every pin of the robot through ctrl. Everything opened before a
// failure is released.
func New(ctrl *pins.Controller, conf config.Config, clk clock.Clock) (*Vehicle, error) {
	var closers []func() error
	fail := func(err error) (*Vehicle, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	p := conf.Pins()
	wp := wheel.ParamsFromConfig(conf.Wheel())

	left, err := wheel.Open(ctrl, "left", p.LeftWheel, clk, wp)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, left.Close)
	right, err := wheel.Open(ctrl, "right", p.RightWheel, clk, wp)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, right.Close)

	trigger, err := ctrl.OpenDigital(p.Trigger, pins.Out)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, trigger.Close)
	echo, err := ctrl.OpenDigital(p.Echo, pins.In)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, echo.Close)

	greenLine, err := ctrl.OpenDigital(p.GreenLED, pins.Out)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, greenLine.Close)
	green, err := NewIndicator(Green, greenLine)
	if err != nil {
		return fail(err)
	}
	redLine, err := ctrl.OpenDigital(p.RedLED, pins.Out)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, redLine.Close)
	red, err := NewIndicator(Red, redLine)
	if err != nil {
		return fail(err)
	}

	ranger := sensor.NewUltrasonic(trigger, echo, clk, sensor.ParamsFromConfig(conf.Sensor()))

	return Assemble(Parts{
		Left:    left,
		Right:   right,
		Sensor:  ranger,
		Green:   green,
		Red:     red,
		Closers: []func() error{trigger.Close, echo.Close},
	}, clk, OptionsFromConfig(conf)), nil
}

// Open builds a pin controller over conn from the hardware section and
// opens the robot with it.
func Open(conn sysfs.Conn, conf config.Config, clk clock.Clock) (*Vehicle, error) {
	hw := conf.Hardware()
	ctrl := pins.NewController(conn, nil, clk,
		pins.GPIO(hw.GPIORoot, hw.PinSettle.D()),
		pins.PWM(hw.PWMExportRoot, hw.PWMPinPattern, hw.PinSettle.D()),
	)
	return New(ctrl, conf, clk)
}

func (v *Vehicle) Left() Wheel  { return v.left }
func (v *Vehicle) Right() Wheel { return v.right }

func (v *Vehicle) Indicator(c Color) *Indicator {
	if c == Red {
		return v.red
	}
	return v.green
}

func (v *Vehicle) Motion() Motion {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.motion
}

// move stops both wheels before any change of direction, then drives them.
func (v *Vehicle) move(m Motion, left, right func() error) error {
	current := v.Motion()
	if current != Stopped && current != m {
		if err := v.Stop(); err != nil {
			return err
		}
	}

	v.mu.Lock()
	v.motion = m
	v.mu.Unlock()

	logrus.WithField("motion", m).Trace("moving")
	if left != nil {
		if err := left(); err != nil {
			return err
		}
	}
	if right != nil {
		if err := right(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vehicle) GoForward() error {
	return v.move(Forward, v.left.GoForward, v.right.GoForward)
}

func (v *Vehicle) GoBackward() error {
	return v.move(Backward, v.left.GoBackward, v.right.GoBackward)
}

// GoRight pivots on the right wheel.
func (v *Vehicle) GoRight() error {
	if err := v.Stop(); err != nil {
		return err
	}
	return v.move(PivotRight, v.left.GoForward, nil)
}

// GoLeft pivots on the left wheel.
func (v *Vehicle) GoLeft() error {
	if err := v.Stop(); err != nil {
		return err
	}
	return v.move(PivotLeft, nil, v.right.GoForward)
}

// RotateRight spins clockwise in place.
func (v *Vehicle) RotateRight() error {
	if err := v.Stop(); err != nil {
		return err
	}
	return v.move(RotateRight, v.left.GoForward, v.right.GoBackward)
}

// RotateLeft spins counter-clockwise in place.
func (v *Vehicle) RotateLeft() error {
	if err := v.Stop(); err != nil {
		return err
	}
	return v.move(RotateLeft, v.left.GoBackward, v.right.GoForward)
}

// Stop stops both wheels. Both are always attempted.
func (v *Vehicle) Stop() error {
	v.mu.Lock()
	v.motion = Stopped
	v.mu.Unlock()

	errLeft := v.left.Stop()
	errRight := v.right.Stop()
	if errLeft != nil {
		return errLeft
	}
	return errRight
}

// TurnDuration is how long a timed turn of angle degrees holds its motion.
func (v *Vehicle) TurnDuration(angle int) time.Duration {
	return time.Duration(angle)*v.opts.Turn.ReferenceDuration/90 + v.opts.Turn.StartupDelay
}

func (v *Vehicle) GoRightBy(ctx context.Context, angle int) error {
	return v.turn(ctx, angle, v.GoRight)
}

func (v *Vehicle) GoLeftBy(ctx context.Context, angle int) error {
	return v.turn(ctx, angle, v.GoLeft)
}

func (v *Vehicle) RotateRightBy(ctx context.Context, angle int) error {
	return v.turn(ctx, angle, v.RotateRight)
}

func (v *Vehicle) RotateLeftBy(ctx context.Context, angle int) error {
	return v.turn(ctx, angle, v.RotateLeft)
}

// turn stops, settles, turns at the reference speed for TurnDuration(angle),
// stops again and restores the previous speed.
func (v *Vehicle) turn(ctx context.Context, angle int, start func() error) error {
	if angle < 0 {
		return pkgerrors.Errorf("invalid turn angle %d", angle)
	}

	last := v.Speed()
	if err := v.Stop(); err != nil {
		return err
	}
	restore := func() {
		if err := v.Stop(); err != nil {
			logrus.WithError(err).Warn("failed to stop after turn")
		}
		if err := v.SetSpeed(last); err != nil {
			logrus.WithError(err).WithField("speed", last).Warn("failed to restore speed after turn")
		}
	}

	if err := clock.Wait(ctx, v.clock, v.opts.Turn.Settle); err != nil {
		restore()
		return err
	}
	if err := v.SetSpeed(v.opts.Turn.ReferenceSpeed); err != nil {
		logrus.WithError(err).Warn("failed to set turn speed, turning at the current duty cycle")
	}
	if err := start(); err != nil {
		restore()
		return err
	}

	d := v.TurnDuration(angle)
	logrus.WithFields(logrus.Fields{
		"angle":    angle,
		"duration": d,
		"motion":   v.Motion(),
	}).Debug("turning")
	err := clock.Wait(ctx, v.clock, d)
	restore()
	return err
}

// SetSpeed applies speed to both wheels. The commanded speed is recorded even
// if a wheel rejects it, since it is the regulation reference.
func (v *Vehicle) SetSpeed(speed int) error {
	v.mu.Lock()
	v.speed = speed
	v.mu.Unlock()

	errLeft := v.left.SetSpeed(speed)
	errRight := v.right.SetSpeed(speed)
	if errLeft != nil {
		return pkgerrors.Wrapf(errLeft, "failed to set speed of %s wheel", v.left.Name())
	}
	if errRight != nil {
		return pkgerrors.Wrapf(errRight, "failed to set speed of %s wheel", v.right.Name())
	}
	return nil
}

func (v *Vehicle) SetMaxSpeed() error  { return v.SetSpeed(v.Bounds().Max) }
func (v *Vehicle) SetMinSpeed() error  { return v.SetSpeed(v.Bounds().Min) }
func (v *Vehicle) SetMeanSpeed() error { return v.SetSpeed(v.Bounds().Mean()) }

func (v *Vehicle) Speed() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.speed
}

func (v *Vehicle) MinSpeed() int { return v.Bounds().Min }
func (v *Vehicle) MaxSpeed() int { return v.Bounds().Max }

// Bounds returns the speed range both wheels can reach.
func (v *Vehicle) Bounds() calibration.Bounds {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bounds
}

// UpdateSpeed runs one regulation step on both wheels against the commanded
// speed.
func (v *Vehicle) UpdateSpeed() error {
	speed := v.Speed()
	errLeft := v.left.UpdateSpeed(speed)
	errRight := v.right.UpdateSpeed(speed)
	if errLeft != nil {
		return errLeft
	}
	return errRight
}

// Distance returns the aggregated distance to the nearest obstacle in
// centimetres, or sensor.Invalid. Concurrent callers are served one after
// the other since trigger pulses and echo polls must not interleave.
func (v *Vehicle) Distance() float64 {
	v.sensorMu.Lock()
	defer v.sensorMu.Unlock()
	return sensor.Measure(v.sensor, v.opts.Samples)
}

func (v *Vehicle) setBounds(b calibration.Bounds) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bounds = b
}

// Calibrate calibrates the left wheel, then the right one. It fails with
// calibration.ErrInvalidBounds when the wheels share no speed range, in which
// case the vehicle is left uncalibrated and nothing should be saved.
func (v *Vehicle) Calibrate(ctx context.Context) (calibration.Bounds, error) {
	left, err := v.left.Calibrate(ctx)
	if err != nil {
		v.setBounds(calibration.Bounds{})
		return calibration.Bounds{}, err
	}
	right, err := v.right.Calibrate(ctx)
	if err != nil {
		v.setBounds(calibration.Bounds{})
		return calibration.Bounds{}, err
	}

	b := calibration.Intersect(left, right)
	if !left.Valid() || !right.Valid() || !b.Valid() {
		v.setBounds(calibration.Bounds{})
		return calibration.Bounds{}, pkgerrors.Wrapf(calibration.ErrInvalidBounds,
			"wheel ranges %d..%d and %d..%d do not overlap", left.Min, left.Max, right.Min, right.Max)
	}
	v.setBounds(b)
	logrus.WithFields(logrus.Fields{
		"min": b.Min,
		"max": b.Max,
	}).Info("vehicle calibrated")
	return b, nil
}

// SaveCalibration stores both wheel tables. Either both files are replaced or
// neither is.
func (v *Vehicle) SaveCalibration() error {
	return calibration.SaveAll(
		calibration.File{Path: v.opts.LeftCalibration, Table: v.left.Table()},
		calibration.File{Path: v.opts.RightCalibration, Table: v.right.Table()},
	)
}

// LoadCalibration reads both wheel tables and installs them only if both are
// usable. Otherwise it returns zero bounds and no wheel is changed.
func (v *Vehicle) LoadCalibration() (calibration.Bounds, error) {
	left, err := calibration.Load(v.opts.LeftCalibration)
	if err != nil {
		return calibration.Bounds{}, err
	}
	right, err := calibration.Load(v.opts.RightCalibration)
	if err != nil {
		return calibration.Bounds{}, err
	}
	if !left.Bounds().Valid() {
		return calibration.Bounds{}, pkgerrors.Wrapf(calibration.ErrInvalidBounds, "%s", v.opts.LeftCalibration)
	}
	if !right.Bounds().Valid() {
		return calibration.Bounds{}, pkgerrors.Wrapf(calibration.ErrInvalidBounds, "%s", v.opts.RightCalibration)
	}
	if !calibration.Intersect(left.Bounds(), right.Bounds()).Valid() {
		return calibration.Bounds{}, pkgerrors.Wrap(calibration.ErrInvalidBounds, "wheel tables share no speed")
	}

	lb, err := v.left.Install(left)
	if err != nil {
		return calibration.Bounds{}, err
	}
	rb, err := v.right.Install(right)
	if err != nil {
		return calibration.Bounds{}, err
	}

	b := calibration.Intersect(lb, rb)
	v.setBounds(b)
	logrus.WithFields(logrus.Fields{
		"min": b.Min,
		"max": b.Max,
	}).Info("calibration loaded")
	return b, nil
}

// Tables returns copies of the installed wheel tables.
func (v *Vehicle) Tables() (left, right calibration.Table) {
	return v.left.Table(), v.right.Table()
}

// WheelStatus is a snapshot of one wheel.
type WheelStatus struct {
	Moving       bool               `json:"moving"`
	DutyCycle    int                `json:"dutyCycle"`
	Calibrated   bool               `json:"calibrated"`
	Bounds       calibration.Bounds `json:"bounds"`
	CurrentSpeed int                `json:"currentSpeed,omitempty"`
}

// Status is a snapshot of the vehicle.
type Status struct {
	Motion Motion             `json:"motion"`
	Speed  int                `json:"speed"`
	Bounds calibration.Bounds `json:"bounds"`
	Left   WheelStatus        `json:"left"`
	Right  WheelStatus        `json:"right"`
	Green  bool               `json:"green"`
	Red    bool               `json:"red"`
}

// Status does not touch the tachometer.
func (v *Vehicle) Status() Status {
	ws := func(w Wheel) WheelStatus {
		return WheelStatus{
			Moving:     w.Moving(),
			DutyCycle:  w.DutyCycle(),
			Calibrated: w.Calibrated(),
			Bounds:     w.Bounds(),
		}
	}
	return Status{
		Motion: v.Motion(),
		Speed:  v.Speed(),
		Bounds: v.Bounds(),
		Left:   ws(v.left),
		Right:  ws(v.right),
		Green:  v.green.IsOn(),
		Red:    v.red.IsOn(),
	}
}

// ClearIndicators turns both indicators off.
func (v *Vehicle) ClearIndicators() {
	for _, i := range []*Indicator{v.green, v.red} {
		if err := i.Off(); err != nil {
			logrus.WithError(err).WithField("color", i.Color()).Warn("failed to turn off indicator")
		}
	}
}

// Signal turns on the indicator of color and turns the other one off.
func (v *Vehicle) Signal(c Color) {
	on, off := v.green, v.red
	if c == Red {
		on, off = v.red, v.green
	}
	if err := off.Off(); err != nil {
		logrus.WithError(err).WithField("color", off.Color()).Warn("failed to turn off indicator")
	}
	if err := on.On(); err != nil {
		logrus.WithError(err).WithField("color", on.Color()).Warn("failed to turn on indicator")
	}
}

// Close stops the robot and releases every pin.
func (v *Vehicle) Close() error {
	if err := v.Stop(); err != nil {
		logrus.WithError(err).Warn("failed to stop vehicle")
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(v.green.Close())
	record(v.red.Close())
	record(v.left.Close())
	record(v.right.Close())
	for _, c := range v.closers {
		record(c())
	}
	return firstErr
}
