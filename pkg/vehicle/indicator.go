package vehicle

import (
	"io"
	"sync"

	"github.com/robocar-go/robocar/pkg/pins"
)

// Color names a status indicator.
type Color string

const (
	// Green signals a clear path.
	Green Color = "green"
	// Red signals an obstacle.
	Red Color = "red"
)

// Line is a digital output.
type Line interface {
	SetValue(l pins.Level) error
}

// Indicator is a status LED. It starts off.
type Indicator struct {
	color Color
	line  Line

	mu sync.Mutex
	on bool
}

func NewIndicator(color Color, line Line) (*Indicator, error) {
	i := &Indicator{color: color, line: line}
	if err := i.set(false); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *Indicator) Color() Color { return i.color }

func (i *Indicator) On() error  { return i.set(true) }
func (i *Indicator) Off() error { return i.set(false) }

func (i *Indicator) Toggle() error {
	return i.set(!i.IsOn())
}

func (i *Indicator) IsOn() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.on
}

func (i *Indicator) set(on bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.line.SetValue(pins.Level(on)); err != nil {
		return err
	}
	i.on = on
	return nil
}

func (i *Indicator) Close() error {
	_ = i.Off()
	if c, ok := i.line.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
