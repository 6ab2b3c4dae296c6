// Package wheel drives one motor: two direction lines, a PWM speed channel and
// a tachometer line. It calibrates the duty-cycle to speed relation and
// regulates speed proportionally against a reference.
package wheel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/pins"
)

var (
	ErrNotCalibrated       = errors.New("wheel is not calibrated")
	ErrSpeedOutOfRange     = errors.New("speed out of calibrated range")
	ErrDutyCycleOutOfRange = errors.New("duty cycle out of range")
	ErrCalibrating         = errors.New("wheel is calibrating")
)

// Output is a digital output line.
type Output interface {
	SetValue(l pins.Level) error
}

// Input is a digital input line.
type Input interface {
	Value() (bool, error)
}

// PWM is the speed channel.
type PWM interface {
	SetPeriod(ns int) error
	SetDutyCycle(ns int) error
	SetEnable(enabled bool) error
}

// Params tunes calibration and regulation.
type Params struct {
	Period            int
	CalibrationStep   int
	SpeedSamples      int
	TogglesPerSample  int
	MaxPollAttempts   int
	CalibrationSettle time.Duration
	Gain              int
}

func ParamsFromConfig(c config.Wheel) Params {
	return Params{
		Period:            c.Period,
		CalibrationStep:   c.CalibrationStep,
		SpeedSamples:      c.SpeedSamples,
		TogglesPerSample:  c.TogglesPerSample,
		MaxPollAttempts:   c.MaxPollAttempts,
		CalibrationSettle: c.CalibrationSettle.D(),
		Gain:              c.Gain,
	}
}

// Wheel is one driven wheel.
//
// Hardware operations are serialized. While Calibrate runs, every other
// command fails with ErrCalibrating instead of waiting.
type Wheel struct {
	name     string
	forward  Output
	backward Output
	encoder  Input
	speed    PWM
	clock    clock.Clock
	params   Params

	// op serializes hardware access and is held for a whole calibration.
	op          sync.Mutex
	calibrating atomic.Bool

	mu         sync.RWMutex
	moving     bool
	dutyCycle  int
	table      calibration.Table
	bounds     calibration.Bounds
	calibrated bool
}

// New configures the PWM period and a zero duty cycle.
func New(name string, forward, backward Output, encoder Input, speed PWM, clk clock.Clock, params Params) (*Wheel, error) {
	if params.Period <= 0 || params.SpeedSamples <= 0 || params.TogglesPerSample <= 0 || params.MaxPollAttempts <= 0 || params.Gain < 0 {
		return nil, pkgerrors.Errorf("invalid parameters for %s wheel: %+v", name, params)
	}
	w := &Wheel{
		name:     name,
		forward:  forward,
		backward: backward,
		encoder:  encoder,
		speed:    speed,
		clock:    clk,
		params:   params,
	}
	if err := speed.SetPeriod(params.Period); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set period of %s wheel", name)
	}
	if err := w.setDutyCycle(0); err != nil {
		return nil, err
	}
	return w, nil
}

// Open exports the wheel's pins through ctrl. Pins opened before a failure
// are released.
func Open(ctrl *pins.Controller, name string, p config.WheelPins, clk clock.Clock, params Params) (*Wheel, error) {
	var opened []io.Closer
	fail := func(err error) (*Wheel, error) {
		for _, c := range opened {
			_ = c.Close()
		}
		return nil, pkgerrors.Wrapf(err, "failed to open %s wheel", name)
	}

	fwd, err := ctrl.OpenDigital(p.Forward, pins.Out)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, fwd)
	back, err := ctrl.OpenDigital(p.Backward, pins.Out)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, back)
	enc, err := ctrl.OpenDigital(p.Encoder, pins.In)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, enc)
	pwm, err := ctrl.OpenPulse(p.PWM)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, pwm)

	w, err := New(name, fwd, back, enc, pwm, clk, params)
	if err != nil {
		return fail(err)
	}
	return w, nil
}

func (w *Wheel) Name() string { return w.name }

func (w *Wheel) logger() *logrus.Entry {
	return logrus.WithField("wheel", w.name)
}

// acquire takes exclusive hardware access unless a calibration is running.
func (w *Wheel) acquire() error {
	if w.calibrating.Load() {
		return ErrCalibrating
	}
	w.op.Lock()
	return nil
}

func (w *Wheel) GoForward() error {
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.op.Unlock()
	return w.drive(w.backward, w.forward)
}

func (w *Wheel) GoBackward() error {
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.op.Unlock()
	return w.drive(w.forward, w.backward)
}

func (w *Wheel) Stop() error {
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.op.Unlock()
	return w.stop()
}

// drive releases the opposite line before raising the active one.
func (w *Wheel) drive(opposite, active Output) error {
	w.setMoving(true)
	if err := opposite.SetValue(pins.Low); err != nil {
		return pkgerrors.Wrapf(err, "failed to drive %s wheel", w.name)
	}
	if err := active.SetValue(pins.High); err != nil {
		return pkgerrors.Wrapf(err, "failed to drive %s wheel", w.name)
	}
	if err := w.speed.SetEnable(true); err != nil {
		return pkgerrors.Wrapf(err, "failed to enable %s wheel", w.name)
	}
	return nil
}

func (w *Wheel) stop() error {
	w.setMoving(false)
	if err := w.speed.SetEnable(false); err != nil {
		return pkgerrors.Wrapf(err, "failed to disable %s wheel", w.name)
	}
	if err := w.forward.SetValue(pins.Low); err != nil {
		return pkgerrors.Wrapf(err, "failed to stop %s wheel", w.name)
	}
	if err := w.backward.SetValue(pins.Low); err != nil {
		return pkgerrors.Wrapf(err, "failed to stop %s wheel", w.name)
	}
	return nil
}

func (w *Wheel) setMoving(moving bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.moving = moving
}

func (w *Wheel) Moving() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.moving
}

// SetDutyCycle rejects values outside [0, Period] without changing state.
func (w *Wheel) SetDutyCycle(d int) error {
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.op.Unlock()
	return w.setDutyCycle(d)
}

func (w *Wheel) setDutyCycle(d int) error {
	if d < 0 || d > w.params.Period {
		w.logger().WithField("dutyCycle", d).Error("invalid duty cycle")
		return pkgerrors.Wrapf(ErrDutyCycleOutOfRange, "duty cycle %d not in [0, %d]", d, w.params.Period)
	}

	w.mu.Lock()
	w.dutyCycle = d
	w.mu.Unlock()

	if err := w.speed.SetDutyCycle(d); err != nil {
		return pkgerrors.Wrapf(err, "failed to set duty cycle of %s wheel", w.name)
	}
	return nil
}

func (w *Wheel) DutyCycle() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dutyCycle
}

// CurrentSpeed measures tachometer toggles per second. It is 0 when the wheel
// is stopped, stalled, or calibrating.
func (w *Wheel) CurrentSpeed() int {
	if err := w.acquire(); err != nil {
		return 0
	}
	defer w.op.Unlock()
	return w.currentSpeed()
}

func (w *Wheel) currentSpeed() int {
	if !w.Moving() {
		return 0
	}

	start := w.clock.Now()
	for i := 0; i < w.params.TogglesPerSample; i++ {
		if !w.waitEncoder(true) || !w.waitEncoder(false) {
			return 0
		}
	}
	elapsed := w.clock.Now().Sub(start)
	if elapsed <= 0 {
		return 0
	}

	return int(int64(w.params.TogglesPerSample) * int64(time.Second) / int64(elapsed))
}

// waitEncoder polls the tachometer until it reads level. It gives up after
// MaxPollAttempts reads that did not match.
func (w *Wheel) waitEncoder(level bool) bool {
	for attempt := 0; attempt < w.params.MaxPollAttempts; attempt++ {
		v, err := w.encoder.Value()
		if err != nil {
			w.logger().WithError(err).Debug("failed to read encoder")
			continue
		}
		if v == level {
			return true
		}
	}
	return false
}

// SetSpeed adopts the duty cycle of the first calibration row whose speed
// and the next row's speed bracket target.
func (w *Wheel) SetSpeed(target int) error {
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.op.Unlock()

	w.mu.RLock()
	calibrated, bounds, table := w.calibrated, w.bounds, w.table
	w.mu.RUnlock()

	if !calibrated {
		w.logger().Error("wheel is not calibrated, cannot set speed")
		return ErrNotCalibrated
	}
	if !bounds.Contains(target) {
		w.logger().WithFields(logrus.Fields{
			"speed": target,
			"min":   bounds.Min,
			"max":   bounds.Max,
		}).Error("invalid speed")
		return pkgerrors.Wrapf(ErrSpeedOutOfRange, "speed %d not in [%d, %d]", target, bounds.Min, bounds.Max)
	}

	d, ok := table.DutyCycleFor(target)
	if !ok {
		return pkgerrors.Wrapf(ErrSpeedOutOfRange, "no calibration rows bracket speed %d", target)
	}
	return w.setDutyCycle(d)
}

// UpdateSpeed runs one proportional regulation step towards reference. It
// does nothing while the wheel is stopped.
func (w *Wheel) UpdateSpeed(reference int) error {
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.op.Unlock()

	if !w.Moving() {
		return nil
	}

	current := w.currentSpeed()
	d := w.DutyCycle() + (reference-current)*w.params.Gain
	d = min(max(d, 0), w.params.Period)

	w.logger().WithFields(logrus.Fields{
		"reference": reference,
		"current":   current,
		"dutyCycle": d,
	}).Trace("regulating speed")
	return w.setDutyCycle(d)
}

// Calibrate sweeps the duty cycle from 0 to Period while moving forward and
// records the speed reached at each step. Only steps with a positive speed
// are kept. If ctx is cancelled the previous table is kept. A sweep that
// records no positive speed leaves the wheel uncalibrated and returns
// calibration.ErrInvalidBounds.
func (w *Wheel) Calibrate(ctx context.Context) (calibration.Bounds, error) {
	if !w.calibrating.CompareAndSwap(false, true) {
		return calibration.Bounds{}, ErrCalibrating
	}
	defer w.calibrating.Store(false)
	w.op.Lock()
	defer w.op.Unlock()

	logger := w.logger()
	logger.Info("calibrating wheel")
	start := w.clock.Now()

	table, err := w.sweep(ctx)
	if stopErr := w.stop(); stopErr != nil {
		logger.WithError(stopErr).Error("failed to stop wheel after calibration")
	}
	if err != nil {
		return calibration.Bounds{}, err
	}

	if len(table) == 0 {
		w.install(nil, false)
		logger.WithField("elapsed", w.clock.Now().Sub(start)).Error("wheel never turned during calibration")
		return calibration.Bounds{}, pkgerrors.Wrapf(calibration.ErrInvalidBounds, "%s wheel recorded no positive speed", w.name)
	}

	bounds := w.install(table, true)
	logger.WithFields(logrus.Fields{
		"rows":    len(table),
		"min":     bounds.Min,
		"max":     bounds.Max,
		"elapsed": w.clock.Now().Sub(start),
	}).Info("wheel calibrated")
	return bounds, nil
}

func (w *Wheel) sweep(ctx context.Context) (calibration.Table, error) {
	if err := w.setDutyCycle(0); err != nil {
		return nil, err
	}
	if err := w.stop(); err != nil {
		return nil, err
	}
	if err := clock.Wait(ctx, w.clock, w.params.CalibrationSettle); err != nil {
		return nil, err
	}

	if err := w.drive(w.backward, w.forward); err != nil {
		return nil, err
	}
	var table calibration.Table
	for d := 0; d <= w.params.Period; d += w.params.CalibrationStep {
		if err := w.setDutyCycle(d); err != nil {
			return nil, err
		}
		if err := clock.Wait(ctx, w.clock, w.params.CalibrationSettle); err != nil {
			return nil, err
		}

		speed := 0
		for i := 0; i < w.params.SpeedSamples; i++ {
			speed += w.currentSpeed()
		}
		speed /= w.params.SpeedSamples

		w.logger().WithFields(logrus.Fields{
			"dutyCycle": d,
			"speed":     speed,
		}).Debug("calibration step")
		if speed > 0 {
			table = append(table, calibration.Sample{DutyCycle: d, Speed: speed})
		}
		if w.params.CalibrationStep <= 0 {
			break
		}
	}
	return table, nil
}

// install replaces the table wholesale.
func (w *Wheel) install(table calibration.Table, calibrated bool) calibration.Bounds {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.table = table.Clone()
	w.bounds = w.table.Bounds()
	w.calibrated = calibrated
	return w.bounds
}

// Install replaces the calibration table, for example with one read from
// disk. An empty table leaves the wheel uncalibrated and yields zero bounds.
func (w *Wheel) Install(table calibration.Table) (calibration.Bounds, error) {
	if err := w.acquire(); err != nil {
		return calibration.Bounds{}, err
	}
	defer w.op.Unlock()

	b := w.install(table, len(table) > 0)
	if !b.Valid() {
		return b, calibration.ErrInvalidBounds
	}
	return b, nil
}

func (w *Wheel) Table() calibration.Table {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.table.Clone()
}

func (w *Wheel) Bounds() calibration.Bounds {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bounds
}

func (w *Wheel) Calibrated() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.calibrated
}

func (w *Wheel) Calibrating() bool {
	return w.calibrating.Load()
}

// SaveCalibration writes the table to path.
func (w *Wheel) SaveCalibration(path string) error {
	if err := calibration.Save(path, w.Table()); err != nil {
		w.logger().WithError(err).Error("failed to save calibration")
		return err
	}
	return nil
}

// LoadCalibration reads the table at path and installs it. Unreadable or
// empty files yield zero bounds and an error.
func (w *Wheel) LoadCalibration(path string) (calibration.Bounds, error) {
	table, err := calibration.Load(path)
	if err != nil {
		w.logger().WithError(err).Error("failed to load calibration")
		return calibration.Bounds{}, err
	}
	return w.Install(table)
}

// Close stops the wheel and releases pins that can be closed.
func (w *Wheel) Close() error {
	if err := w.Stop(); err != nil && !errors.Is(err, ErrCalibrating) {
		w.logger().WithError(err).Warn("failed to stop wheel")
	}

	var firstErr error
	for _, p := range []any{w.forward, w.backward, w.encoder, w.speed} {
		c, ok := p.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
