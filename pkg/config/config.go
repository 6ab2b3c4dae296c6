package config

import (
	"github.com/sirupsen/logrus"
)

type Config interface {
	Hardware() Hardware
	Pins() PinMap
	Wheel() Wheel
	Sensor() Sensor
	Turn() Turn
	Navigation() Navigation
	Calibration() CalibrationFiles
	Schedule() Schedule

	SetNavigation(Navigation)
	SetSchedule(Schedule)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error

	LogrusFields() logrus.Fields
}

// Hardware locates the control-file namespaces.
type Hardware struct {
	GPIORoot      string   `json:"gpioRoot"`
	PWMExportRoot string   `json:"pwmExportRoot"`
	PWMPinPattern string   `json:"pwmPinPattern"`
	PinSettle     Duration `json:"pinSettle"`
}

// WheelPins are the pins driving one wheel.
type WheelPins struct {
	Forward  int `json:"forward"`
	Backward int `json:"backward"`
	Encoder  int `json:"encoder"`
	PWM      int `json:"pwm"`
}

// PinMap assigns a fixed pin to every role.
type PinMap struct {
	LeftWheel  WheelPins `json:"leftWheel"`
	RightWheel WheelPins `json:"rightWheel"`
	Trigger    int       `json:"trigger"`
	Echo       int       `json:"echo"`
	GreenLED   int       `json:"greenLed"`
	RedLED     int       `json:"redLed"`
}

// Wheel tunes calibration and speed regulation.
type Wheel struct {
	Period            int      `json:"period"`
	CalibrationStep   int      `json:"calibrationStep"`
	SpeedSamples      int      `json:"speedSamples"`
	TogglesPerSample  int      `json:"togglesPerSample"`
	MaxPollAttempts   int      `json:"maxPollAttempts"`
	CalibrationSettle Duration `json:"calibrationSettle"`
	Gain              int      `json:"gain"`
}

// Sensor tunes the ultrasonic rangefinder.
type Sensor struct {
	SpeedOfSound     float64  `json:"speedOfSound"`
	PulseWidth       Duration `json:"pulseWidth"`
	EchoRiseAttempts int      `json:"echoRiseAttempts"`
	ErrorThreshold   float64  `json:"errorThreshold"`
	// EchoTimeout bounds the wait for the echo falling edge. Zero derives it
	// from ErrorThreshold.
	EchoTimeout Duration `json:"echoTimeout"`
	Samples     int      `json:"samples"`
}

// Turn calibrates timed turns: ReferenceDuration turns 90 degrees at
// ReferenceSpeed.
type Turn struct {
	ReferenceSpeed    int      `json:"referenceSpeed"`
	ReferenceDuration Duration `json:"referenceDuration"`
	StartupDelay      Duration `json:"startupDelay"`
	Settle            Duration `json:"settle"`
}

// Navigation holds program defaults.
type Navigation struct {
	Tick      Duration `json:"tick"`
	Pause     Duration `json:"pause"`
	SpinPause Duration `json:"spinPause"`
	Budget    Duration `json:"budget"`
	Threshold float64  `json:"threshold"`
}

// CalibrationFiles locates the persisted wheel tables.
type CalibrationFiles struct {
	Dir       string `json:"dir"`
	LeftFile  string `json:"leftFile"`
	RightFile string `json:"rightFile"`
}

// Program describes one program run. Zero Budget and Threshold fall back to
// the navigation defaults.
type Program struct {
	Mode      string   `json:"mode"`
	Budget    Duration `json:"budget"`
	Threshold float64  `json:"threshold"`
	MaxSpeed  bool     `json:"maxSpeed"`
	Circuit   string   `json:"circuit,omitempty"`
}

// Schedule runs a program periodically from the daemon. An empty Cron
// disables it.
type Schedule struct {
	Cron string `json:"cron"`
	Program
}
