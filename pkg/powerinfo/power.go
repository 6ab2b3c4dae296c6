// Package powerinfo reads the robot's power pack through the host battery
// interface.
package powerinfo

import (
	"errors"
	"math"

	"github.com/distatus/battery"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrNoBattery = errors.New("no batteries found")

// function seam for tests
var getAll = battery.GetAll

// Get returns the first battery. Boards with a single pack are the only
// supported layout.
func Get() (*PowerPack, error) {
	batteries, err := getAll()
	if err != nil && len(batteries) == 0 {
		return nil, pkgerrors.Wrap(err, "failed to read batteries")
	}
	if len(batteries) == 0 || batteries[0] == nil {
		return nil, ErrNoBattery
	}
	if err != nil {
		logrus.WithError(err).Debug("partial battery information")
	}

	return fromBattery(batteries[0]), nil
}

func fromBattery(bat *battery.Battery) *PowerPack {
	p := &PowerPack{
		State:      Unknown,
		Current:    bat.Current,
		Full:       bat.Full,
		Design:     bat.Design,
		ChargeRate: bat.ChargeRate,
		Voltage:    bat.Voltage,
	}
	switch bat.State {
	case battery.Empty:
		p.State = Empty
	case battery.Charging:
		p.State = Charging
	case battery.Discharging:
		p.State = Discharging
		p.ChargeRate = -bat.ChargeRate
	case battery.Full:
		p.State = Full
	}
	if bat.Full > 0 {
		p.Percent = int(math.Round(bat.Current / bat.Full * 100))
	}
	return p
}
