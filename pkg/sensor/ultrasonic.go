// Package sensor reads distances from an ultrasonic rangefinder wired to a
// trigger output line and an echo input line.
package sensor

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/pins"
)

// Invalid is returned when no valid echo was measured: the echo never rose,
// stayed high past the timeout, or the distance exceeded the error threshold.
const Invalid = -1.0

// Trigger is the output line that starts a measurement.
type Trigger interface {
	SetValue(l pins.Level) error
}

// Echo is the input line whose high time encodes the round trip.
type Echo interface {
	Value() (bool, error)
}

// Params tunes the trigger/echo protocol.
type Params struct {
	// SpeedOfSound in centimetres per second.
	SpeedOfSound     float64
	PulseWidth       time.Duration
	EchoRiseAttempts int
	// ErrorThreshold in centimetres. Distances at or above it are invalid.
	ErrorThreshold float64
	// EchoTimeout bounds the wait for the falling edge. Zero waits forever.
	EchoTimeout time.Duration
}

// ParamsFromConfig converts the sensor configuration section.
func ParamsFromConfig(c config.Sensor) Params {
	return Params{
		SpeedOfSound:     c.SpeedOfSound,
		PulseWidth:       c.PulseWidth.D(),
		EchoRiseAttempts: c.EchoRiseAttempts,
		ErrorThreshold:   c.ErrorThreshold,
		EchoTimeout:      c.EchoTimeout.D(),
	}
}

// Ultrasonic is a trigger/echo rangefinder.
type Ultrasonic struct {
	trigger Trigger
	echo    Echo
	clock   clock.Clock
	params  Params
}

func NewUltrasonic(trigger Trigger, echo Echo, clk clock.Clock, params Params) *Ultrasonic {
	return &Ultrasonic{
		trigger: trigger,
		echo:    echo,
		clock:   clk,
		params:  params,
	}
}

// Distance takes one raw sample in centimetres, or Invalid.
func (u *Ultrasonic) Distance() float64 {
	if err := u.pulse(); err != nil {
		logrus.WithError(err).Warn("failed to trigger ultrasonic sensor")
		return Invalid
	}

	rose := false
	for attempt := 0; attempt < u.params.EchoRiseAttempts; attempt++ {
		high, err := u.echo.Value()
		if err == nil && high {
			rose = true
			break
		}
	}
	if !rose {
		logrus.Trace("echo did not rise")
		return Invalid
	}

	start := u.clock.Now()
	for {
		high, err := u.echo.Value()
		if err != nil {
			logrus.WithError(err).Warn("failed to read echo line")
			return Invalid
		}
		if !high {
			break
		}
		if u.params.EchoTimeout > 0 && u.clock.Now().Sub(start) > u.params.EchoTimeout {
			logrus.WithField("timeout", u.params.EchoTimeout).Debug("echo stuck high")
			return Invalid
		}
	}
	elapsed := u.clock.Now().Sub(start)

	distance := elapsed.Seconds() * u.params.SpeedOfSound / 2
	logrus.WithFields(logrus.Fields{
		"elapsed":  elapsed,
		"distance": distance,
	}).Trace("ultrasonic sample")
	if distance >= u.params.ErrorThreshold {
		return Invalid
	}
	return distance
}

func (u *Ultrasonic) pulse() error {
	if err := u.trigger.SetValue(pins.Low); err != nil {
		return err
	}
	u.clock.Sleep(u.params.PulseWidth)
	if err := u.trigger.SetValue(pins.High); err != nil {
		return err
	}
	u.clock.Sleep(u.params.PulseWidth)
	return u.trigger.SetValue(pins.Low)
}
