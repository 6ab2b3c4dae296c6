// Package pins manages exclusive ownership of GPIO and PWM pins exposed as
// control files, and the digital and pulse-width operations built on them.
package pins

import (
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/sysfs"
)

// Direction is the direction of a digital pin.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Level is the logic level of a digital pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Controller opens pins against one GPIO and one PWM namespace.
type Controller struct {
	conn     sysfs.Conn
	registry *Registry
	clock    clock.Clock
	gpio     Namespace
	pwm      Namespace
}

// NewController returns a Controller. A nil registry gets a fresh one.
func NewController(conn sysfs.Conn, registry *Registry, clk clock.Clock, gpio, pwm Namespace) *Controller {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Controller{
		conn:     conn,
		registry: registry,
		clock:    clk,
		gpio:     gpio,
		pwm:      pwm,
	}
}

// Registry returns the ownership registry.
func (c *Controller) Registry() *Registry { return c.registry }

// OpenDigital exports a GPIO and sets its direction.
func (c *Controller) OpenDigital(number int, dir Direction) (*Digital, error) {
	role := RoleDigitalIn
	if dir == Out {
		role = RoleDigitalOut
	}
	res, err := openResource(c.conn, c.registry, c.clock, c.gpio, number, role)
	if err != nil {
		return nil, err
	}

	d := &Digital{res: res}
	if err := d.SetDirection(dir); err != nil {
		_ = res.Close()
		return nil, err
	}
	return d, nil
}

// OpenPulse exports a PWM channel.
func (c *Controller) OpenPulse(number int) (*Pulse, error) {
	res, err := openResource(c.conn, c.registry, c.clock, c.pwm, number, RolePWM)
	if err != nil {
		return nil, err
	}
	return &Pulse{res: res}, nil
}

// Digital is a GPIO line.
type Digital struct {
	res *Resource
}

// Resource returns the underlying pin handle.
func (d *Digital) Resource() *Resource { return d.res }

func (d *Digital) SetDirection(dir Direction) error {
	if err := d.res.Write("direction", string(dir)); err != nil {
		return pkgerrors.Wrapf(err, "failed to set direction of gpio %d", d.res.Number())
	}
	return nil
}

func (d *Digital) SetValue(l Level) error {
	v := "0"
	if l == High {
		v = "1"
	}
	return d.res.Write("value", v)
}

// Value reads the line level.
func (d *Digital) Value() (bool, error) {
	s, err := d.res.Read("value")
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		logrus.WithField("gpio", d.res.Number()).Warnf("unexpected gpio value %q", s)
		return false, pkgerrors.Wrapf(err, "failed to parse value of gpio %d", d.res.Number())
	}
	return n != 0, nil
}

func (d *Digital) Close() error { return d.res.Close() }

// Pulse is a PWM channel. Period and duty cycle are in nanoseconds.
type Pulse struct {
	res *Resource
}

// Resource returns the underlying pin handle.
func (p *Pulse) Resource() *Resource { return p.res }

func (p *Pulse) SetPeriod(ns int) error {
	return p.res.Write("period", strconv.Itoa(ns))
}

func (p *Pulse) Period() (int, error) {
	return p.readInt("period")
}

func (p *Pulse) SetDutyCycle(ns int) error {
	return p.res.Write("duty_cycle", strconv.Itoa(ns))
}

func (p *Pulse) DutyCycle() (int, error) {
	return p.readInt("duty_cycle")
}

func (p *Pulse) SetEnable(enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return p.res.Write("enable", v)
}

func (p *Pulse) Close() error { return p.res.Close() }

func (p *Pulse) readInt(attr string) (int, error) {
	s, err := p.res.Read(attr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse %s of pwm %d", attr, p.res.Number())
	}
	return n, nil
}
