package vehicle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/pins"
	"github.com/robocar-go/robocar/pkg/sysfs"
	"github.com/robocar-go/robocar/pkg/wheel"
)

// fakeWheel records commands into a shared log.
type fakeWheel struct {
	name     string
	log      *[]string
	bounds   calibration.Bounds
	table    calibration.Table
	speed    int
	moving   bool
	speedErr error
	calErr   error
}

var _ Wheel = &fakeWheel{}

func (f *fakeWheel) record(format string, args ...any) {
	*f.log = append(*f.log, f.name+" "+fmt.Sprintf(format, args...))
}

func (f *fakeWheel) Name() string { return f.name }
func (f *fakeWheel) GoForward() error {
	f.moving = true
	f.record("forward")
	return nil
}
func (f *fakeWheel) GoBackward() error {
	f.moving = true
	f.record("backward")
	return nil
}
func (f *fakeWheel) Stop() error {
	f.moving = false
	f.record("stop")
	return nil
}
func (f *fakeWheel) SetSpeed(speed int) error {
	f.record("speed %d", speed)
	if f.speedErr != nil {
		return f.speedErr
	}
	f.speed = speed
	return nil
}
func (f *fakeWheel) UpdateSpeed(reference int) error {
	f.record("update %d", reference)
	return nil
}
func (f *fakeWheel) CurrentSpeed() int { return f.speed }
func (f *fakeWheel) DutyCycle() int    { return 0 }
func (f *fakeWheel) Moving() bool      { return f.moving }
func (f *fakeWheel) Calibrate(context.Context) (calibration.Bounds, error) {
	f.record("calibrate")
	if f.calErr != nil {
		return calibration.Bounds{}, f.calErr
	}
	return f.bounds, nil
}
func (f *fakeWheel) Install(t calibration.Table) (calibration.Bounds, error) {
	f.record("install")
	f.table = t
	f.bounds = t.Bounds()
	return f.bounds, nil
}
func (f *fakeWheel) Table() calibration.Table   { return f.table }
func (f *fakeWheel) Bounds() calibration.Bounds { return f.bounds }
func (f *fakeWheel) Calibrated() bool           { return f.bounds.Valid() }
func (f *fakeWheel) Close() error {
	f.record("close")
	return nil
}

type fakeLine struct{ levels []pins.Level }

func (l *fakeLine) SetValue(v pins.Level) error {
	l.levels = append(l.levels, v)
	return nil
}

type fixedSampler []float64

func (s *fixedSampler) Distance() float64 {
	v := (*s)[0]
	*s = append((*s)[1:], v)
	return v
}

type testVehicle struct {
	*Vehicle
	log   *[]string
	left  *fakeWheel
	right *fakeWheel
	clock *clock.Fake
	green *fakeLine
	red   *fakeLine
}

func newTestVehicle(t *testing.T) testVehicle {
	t.Helper()

	log := &[]string{}
	left := &fakeWheel{name: "left", log: log}
	right := &fakeWheel{name: "right", log: log}
	greenLine, redLine := &fakeLine{}, &fakeLine{}
	green, _ := NewIndicator(Green, greenLine)
	red, _ := NewIndicator(Red, redLine)
	clk := clock.NewFake(time.Unix(0, 0), 0)
	dir := t.TempDir()

	v := Assemble(Parts{
		Left:   left,
		Right:  right,
		Sensor: &fixedSampler{10, -1, 12, 11, 40, 10, 11},
		Green:  green,
		Red:    red,
	}, clk, Options{
		Turn: TurnParams{
			ReferenceSpeed:    55,
			ReferenceDuration: 500 * time.Millisecond,
			StartupDelay:      100 * time.Millisecond,
			Settle:            time.Second,
		},
		Samples:          7,
		LeftCalibration:  filepath.Join(dir, "leftWheel.calibration"),
		RightCalibration: filepath.Join(dir, "rightWheel.calibration"),
	})
	return testVehicle{Vehicle: v, log: log, left: left, right: right, clock: clk, green: greenLine, red: redLine}
}

func assertLog(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("log = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTurnDuration(t *testing.T) {
	v := newTestVehicle(t)

	tests := []struct {
		angle int
		want  time.Duration
	}{
		{90, 600 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{180, 1100 * time.Millisecond},
		{45, 350 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := v.TurnDuration(tt.angle); got != tt.want {
			t.Errorf("TurnDuration(%d) = %v, want %v", tt.angle, got, tt.want)
		}
	}
}

func TestHalfDuplex(t *testing.T) {
	v := newTestVehicle(t)

	_ = v.GoForward()
	_ = v.GoForward()
	_ = v.GoBackward()
	assertLog(t, *v.log,
		"left forward", "right forward",
		"left forward", "right forward",
		"left stop", "right stop",
		"left backward", "right backward",
	)
	if v.Motion() != Backward {
		t.Errorf("Motion() = %s, want %s", v.Motion(), Backward)
	}
}

func TestPivotAndRotate(t *testing.T) {
	tests := []struct {
		name string
		move func(*Vehicle) error
		want []string
	}{
		{"go right", (*Vehicle).GoRight, []string{"left stop", "right stop", "left forward"}},
		{"go left", (*Vehicle).GoLeft, []string{"left stop", "right stop", "right forward"}},
		{"rotate right", (*Vehicle).RotateRight, []string{"left stop", "right stop", "left forward", "right backward"}},
		{"rotate left", (*Vehicle).RotateLeft, []string{"left stop", "right stop", "left backward", "right forward"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVehicle(t)
			if err := tt.move(v.Vehicle); err != nil {
				t.Fatal(err)
			}
			assertLog(t, *v.log, tt.want...)
		})
	}
}

func TestTimedTurn(t *testing.T) {
	v := newTestVehicle(t)
	v.setBounds(calibration.Bounds{Min: 20, Max: 80})
	_ = v.SetSpeed(70)
	*v.log = nil

	if err := v.RotateRightBy(context.Background(), 90); err != nil {
		t.Fatalf("RotateRightBy failed: %v", err)
	}
	assertLog(t, *v.log,
		"left stop", "right stop",
		"left speed 55", "right speed 55",
		"left stop", "right stop",
		"left forward", "right backward",
		"left stop", "right stop",
		"left speed 70", "right speed 70",
	)
	if got := v.clock.Slept(); got != 1600*time.Millisecond {
		t.Errorf("slept %v, want 1s settle + 600ms turn", got)
	}
	if v.Speed() != 70 {
		t.Errorf("Speed() = %d, want restored 70", v.Speed())
	}
}

func TestTimedTurnCancelled(t *testing.T) {
	v := newTestVehicle(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := v.GoLeftBy(ctx, 90); !errors.Is(err, context.Canceled) {
		t.Fatalf("GoLeftBy = %v, want context.Canceled", err)
	}
	if v.Motion() != Stopped {
		t.Errorf("Motion() = %s, want stopped", v.Motion())
	}
	if err := v.GoRightBy(context.Background(), -1); err == nil {
		t.Error("negative angle should be rejected")
	}
}

func TestSpeedPresets(t *testing.T) {
	v := newTestVehicle(t)
	v.left.bounds = calibration.Bounds{Min: 5, Max: 80}
	v.right.bounds = calibration.Bounds{Min: 10, Max: 70}

	b, err := v.Calibrate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b != (calibration.Bounds{Min: 10, Max: 70}) {
		t.Errorf("Calibrate() = %v, want {10 70}", b)
	}

	_ = v.SetMeanSpeed()
	if v.left.speed != 40 || v.right.speed != 40 || v.Speed() != 40 {
		t.Errorf("mean speed: left %d right %d vehicle %d, want 40", v.left.speed, v.right.speed, v.Speed())
	}
	_ = v.SetMaxSpeed()
	if v.Speed() != 70 {
		t.Errorf("max speed = %d, want 70", v.Speed())
	}
	_ = v.SetMinSpeed()
	if v.Speed() != 10 {
		t.Errorf("min speed = %d, want 10", v.Speed())
	}
}

func TestSetSpeedRecordsOnFailure(t *testing.T) {
	v := newTestVehicle(t)
	v.right.speedErr = wheel.ErrNotCalibrated

	if err := v.SetSpeed(30); !errors.Is(err, wheel.ErrNotCalibrated) {
		t.Errorf("SetSpeed = %v, want ErrNotCalibrated", err)
	}
	if v.Speed() != 30 {
		t.Errorf("Speed() = %d, want 30", v.Speed())
	}
	if v.left.speed != 30 {
		t.Errorf("left wheel speed = %d, want 30", v.left.speed)
	}
}

func TestDistance(t *testing.T) {
	v := newTestVehicle(t)
	if got := v.Distance(); math.Abs(got-10.8) > 1e-9 {
		t.Errorf("Distance() = %v, want 10.8", got)
	}
}

// exclusiveSampler flags any overlapping Distance calls.
type exclusiveSampler struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func (s *exclusiveSampler) Distance() float64 {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	runtime.Gosched()
	s.active.Add(-1)
	return 20
}

func TestDistanceIsSerialized(t *testing.T) {
	v := newTestVehicle(t)
	s := &exclusiveSampler{}
	v.sensor = s

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_ = v.Distance()
			}
		}()
	}
	wg.Wait()
	if s.overlap.Load() {
		t.Error("measurements interleaved")
	}
}

func TestCalibrationFiles(t *testing.T) {
	v := newTestVehicle(t)
	v.left.table = calibration.Table{{DutyCycle: 1000, Speed: 5}, {DutyCycle: 2000, Speed: 80}}
	v.right.table = calibration.Table{{DutyCycle: 1000, Speed: 10}, {DutyCycle: 2000, Speed: 70}}

	if err := v.SaveCalibration(); err != nil {
		t.Fatalf("SaveCalibration failed: %v", err)
	}

	other := newTestVehicle(t)
	other.opts = v.opts
	b, err := other.LoadCalibration()
	if err != nil {
		t.Fatalf("LoadCalibration failed: %v", err)
	}
	if b != (calibration.Bounds{Min: 10, Max: 70}) || other.Bounds() != b {
		t.Errorf("LoadCalibration() = %v, want {10 70}", b)
	}
	if len(other.left.table) != 2 || other.left.table[1] != v.left.table[1] {
		t.Errorf("left table = %v, want %v", other.left.table, v.left.table)
	}
}

func TestCalibrateRejectsUnusableWheels(t *testing.T) {
	tests := []struct {
		name        string
		left, right calibration.Bounds
		leftErr     error
	}{
		{"left wheel stalled", calibration.Bounds{}, calibration.Bounds{Min: 10, Max: 70}, calibration.ErrInvalidBounds},
		{"zero bounds without error", calibration.Bounds{}, calibration.Bounds{Min: 10, Max: 70}, nil},
		{"disjoint ranges", calibration.Bounds{Min: 5, Max: 8}, calibration.Bounds{Min: 10, Max: 70}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVehicle(t)
			good := "1000 20\n2000 60\n"
			for _, path := range []string{v.opts.LeftCalibration, v.opts.RightCalibration} {
				if err := os.WriteFile(path, []byte(good), 0644); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := v.LoadCalibration(); err != nil {
				t.Fatalf("LoadCalibration failed: %v", err)
			}

			v.left.bounds, v.right.bounds = tt.left, tt.right
			v.left.calErr = tt.leftErr
			b, err := v.Calibrate(context.Background())
			if !errors.Is(err, calibration.ErrInvalidBounds) || b != (calibration.Bounds{}) {
				t.Fatalf("Calibrate() = %v, %v; want zero bounds and ErrInvalidBounds", b, err)
			}
			if v.Bounds().Valid() {
				t.Errorf("vehicle still reports bounds %v", v.Bounds())
			}
			raw, _ := os.ReadFile(v.opts.LeftCalibration)
			if string(raw) != good {
				t.Errorf("saved calibration changed: %q", raw)
			}
		})
	}
}

func TestLoadCalibrationRejectsDisjointTables(t *testing.T) {
	v := newTestVehicle(t)
	_ = os.WriteFile(v.opts.LeftCalibration, []byte("1000 5\n2000 8\n"), 0644)
	_ = os.WriteFile(v.opts.RightCalibration, []byte("1000 10\n2000 70\n"), 0644)

	if b, err := v.LoadCalibration(); !errors.Is(err, calibration.ErrInvalidBounds) || b.Valid() {
		t.Errorf("LoadCalibration() = %v, %v; want ErrInvalidBounds", b, err)
	}
	if len(*v.log) != 0 {
		t.Errorf("wheels changed: %q", *v.log)
	}
}

func TestLoadCalibrationIsAllOrNothing(t *testing.T) {
	v := newTestVehicle(t)
	if err := os.WriteFile(v.opts.LeftCalibration, []byte("1000 5\n2000 80\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(v.opts.RightCalibration, nil, 0644); err != nil {
		t.Fatal(err)
	}

	b, err := v.LoadCalibration()
	if !errors.Is(err, calibration.ErrInvalidBounds) || b != (calibration.Bounds{}) {
		t.Errorf("LoadCalibration() = %v, %v; want zero bounds and ErrInvalidBounds", b, err)
	}
	if len(*v.log) != 0 {
		t.Errorf("wheels changed: %q", *v.log)
	}

	_ = os.Remove(v.opts.RightCalibration)
	if b, err := v.LoadCalibration(); err == nil || b.Valid() {
		t.Errorf("LoadCalibration() with missing file = %v, %v", b, err)
	}
}

func TestIndicators(t *testing.T) {
	v := newTestVehicle(t)

	v.Signal(Green)
	if !v.Status().Green || v.Status().Red {
		t.Errorf("status after Signal(Green) = %+v", v.Status())
	}
	v.Signal(Red)
	if v.Status().Green || !v.Status().Red {
		t.Errorf("status after Signal(Red) = %+v", v.Status())
	}
	_ = v.Indicator(Red).Toggle()
	if v.Indicator(Red).IsOn() {
		t.Error("red should be off after toggle")
	}
	v.ClearIndicators()

	last := v.green.levels[len(v.green.levels)-1]
	if last != pins.Low {
		t.Errorf("green line = %v, want low", last)
	}
}

func TestNewOpensEveryPin(t *testing.T) {
	m := sysfs.NewMock(nil)
	clk := clock.NewFake(time.Unix(0, 0), 0)
	conf := config.NewFileFromConfig(nil, "")
	hw := conf.Hardware()
	ctrl := pins.NewController(m, nil, clk,
		pins.GPIO(hw.GPIORoot, 0), pins.PWM(hw.PWMExportRoot, hw.PWMPinPattern, 0))

	v, err := New(ctrl, conf, clk)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// 3 gpio per wheel, trigger, echo, two indicators, 2 pwm
	if got := len(ctrl.Registry().Claimed()); got != 12 {
		t.Errorf("claimed %d pins, want 12", got)
	}
	if _, err := New(ctrl, conf, clk); !errors.Is(err, pins.ErrPinBusy) {
		t.Errorf("second New = %v, want ErrPinBusy", err)
	}
	if got := len(ctrl.Registry().Claimed()); got != 12 {
		t.Errorf("failed New leaked claims: %d", got)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := ctrl.Registry().Claimed(); len(got) != 0 {
		t.Errorf("pins still claimed after Close: %v", got)
	}
}
