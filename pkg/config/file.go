package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Default returns the configuration of the reference robot.
func Default() *RawFileConfig {
	return &RawFileConfig{
		Hardware: Hardware{
			GPIORoot:      "/sys/class/gpio",
			PWMExportRoot: "/sys/class/pwm/pwmchip2",
			PWMPinPattern: "/sys/class/pwm/pwm-2:%d",
			PinSettle:     Duration(250 * time.Millisecond),
		},
		Pins: PinMap{
			LeftWheel:  WheelPins{Forward: 178, Backward: 164, Encoder: 208, PWM: 1},
			RightWheel: WheelPins{Forward: 166, Backward: 165, Encoder: 177, PWM: 0},
			Trigger:    234,
			Echo:       209,
			GreenLED:   105,
			RedLED:     242,
		},
		Wheel: Wheel{
			Period:            4000,
			CalibrationStep:   100,
			SpeedSamples:      5,
			TogglesPerSample:  5,
			MaxPollAttempts:   250,
			CalibrationSettle: Duration(200 * time.Millisecond),
			Gain:              5,
		},
		Sensor: Sensor{
			SpeedOfSound:     34300,
			PulseWidth:       Duration(5 * time.Microsecond),
			EchoRiseAttempts: 3,
			ErrorThreshold:   2000,
			Samples:          7,
		},
		Turn: Turn{
			ReferenceSpeed:    55,
			ReferenceDuration: Duration(500 * time.Millisecond),
			StartupDelay:      Duration(100 * time.Millisecond),
			Settle:            Duration(time.Second),
		},
		Navigation: Navigation{
			Tick:      Duration(100 * time.Millisecond),
			Pause:     Duration(500 * time.Millisecond),
			SpinPause: Duration(time.Second),
			Budget:    Duration(30 * time.Second),
			Threshold: 35,
		},
		Calibration: CalibrationFiles{
			Dir:       ".",
			LeftFile:  "leftWheel.calibration",
			RightFile: "rightWheel.calibration",
		},
		Schedule: Schedule{
			Program: Program{
				Mode:      "simple",
				Budget:    Duration(30 * time.Second),
				Threshold: 35,
			},
		},
	}
}

// RawFileConfig is the on-disk JSON document. Missing keys keep their
// defaults.
type RawFileConfig struct {
	Hardware    Hardware         `json:"hardware"`
	Pins        PinMap           `json:"pins"`
	Wheel       Wheel            `json:"wheel"`
	Sensor      Sensor           `json:"sensor"`
	Turn        Turn             `json:"turn"`
	Navigation  Navigation       `json:"navigation"`
	Calibration CalibrationFiles `json:"calibration"`
	Schedule    Schedule         `json:"schedule"`
}

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = pkgerrors.New("invalid config")

// Validate rejects values the hardware loops cannot run with, such as a zero
// sample count that would divide by zero in the middle of a sweep.
func (c *RawFileConfig) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"wheel.period", float64(c.Wheel.Period)},
		{"wheel.speedSamples", float64(c.Wheel.SpeedSamples)},
		{"wheel.togglesPerSample", float64(c.Wheel.TogglesPerSample)},
		{"wheel.maxPollAttempts", float64(c.Wheel.MaxPollAttempts)},
		{"sensor.samples", float64(c.Sensor.Samples)},
		{"sensor.speedOfSound", c.Sensor.SpeedOfSound},
		{"navigation.tick", float64(c.Navigation.Tick)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return pkgerrors.Wrapf(ErrInvalidConfig, "%s must be positive, got %v", p.name, p.value)
		}
	}
	if c.Wheel.Gain < 0 {
		return pkgerrors.Wrapf(ErrInvalidConfig, "wheel.gain must not be negative, got %d", c.Wheel.Gain)
	}
	if c.Wheel.CalibrationStep < 0 {
		return pkgerrors.Wrapf(ErrInvalidConfig, "wheel.calibrationStep must not be negative, got %d", c.Wheel.CalibrationStep)
	}
	if c.Navigation.Threshold < 0 {
		return pkgerrors.Wrapf(ErrInvalidConfig, "navigation.threshold must not be negative, got %v", c.Navigation.Threshold)
	}
	return nil
}

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = Default()
	}

	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// NewRawFileConfigFromConfig snapshots any Config into its JSON form.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	return &RawFileConfig{
		Hardware:    c.Hardware(),
		Pins:        c.Pins(),
		Wheel:       c.Wheel(),
		Sensor:      c.Sensor(),
		Turn:        c.Turn(),
		Navigation:  c.Navigation(),
		Calibration: c.Calibration(),
		Schedule:    c.Schedule(),
	}, nil
}

func (f *File) raw() *RawFileConfig {
	if f.c == nil {
		panic("config is nil")
	}
	return f.c
}

func (f *File) Hardware() Hardware {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.raw().Hardware
}

func (f *File) Pins() PinMap {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.raw().Pins
}

func (f *File) Wheel() Wheel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.raw().Wheel
}

// Sensor returns the sensor section with EchoTimeout resolved.
func (f *File) Sensor() Sensor {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := f.raw().Sensor
	if s.EchoTimeout <= 0 && s.SpeedOfSound > 0 {
		// Round trip of the farthest distance still considered valid.
		s.EchoTimeout = Duration(time.Duration(2 * s.ErrorThreshold / s.SpeedOfSound * float64(time.Second)))
	}
	return s
}

func (f *File) Turn() Turn {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.raw().Turn
}

func (f *File) Navigation() Navigation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.raw().Navigation
}

func (f *File) Calibration() CalibrationFiles {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.raw().Calibration
}

func (f *File) Schedule() Schedule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.raw().Schedule
}

func (f *File) SetNavigation(n Navigation) {
	if n.Threshold < 0 {
		panic("obstacle threshold must not be negative")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw().Navigation = n
}

func (f *File) SetSchedule(s Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw().Schedule = s
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, use the defaults.
			// Do not make f.c a nil.
			f.c = Default()
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	conf := Default()
	if strings.TrimSpace(string(b)) == "" {
		f.c = conf
		return nil
	}

	err = json.Unmarshal(b, conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	if err := conf.Validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config in file %s", f.filepath)
	}
	f.c = conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	nav := f.Navigation()
	wheel := f.Wheel()
	cal := f.Calibration()

	return logrus.Fields{
		"gpioRoot":       f.Hardware().GPIORoot,
		"pwmExportRoot":  f.Hardware().PWMExportRoot,
		"period":         wheel.Period,
		"gain":           wheel.Gain,
		"threshold":      nav.Threshold,
		"budget":         nav.Budget.String(),
		"calibrationDir": cal.Dir,
		"schedule":       f.Schedule().Cron,
	}
}
