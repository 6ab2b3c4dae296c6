package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/navigation"
	"github.com/robocar-go/robocar/pkg/sysfs"
	"github.com/robocar-go/robocar/pkg/vehicle"
)

// programFlags are the program selection flags shared by run, start and
// schedule.
type programFlags struct {
	mode     string
	seconds  int
	distance float64
	maxSpeed bool
	circuit  string
}

func (p *programFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&p.mode, "mode", "m", "", "program to run (simple, twister, tornado, circuit)")
	f.IntVarP(&p.seconds, "time", "t", 0, "time budget in seconds (0 uses the configured budget, 30s by default)")
	f.Float64VarP(&p.distance, "distance", "d", 0, "obstacle distance threshold in cm (0 uses the configured threshold, 35cm by default)")
	f.BoolVarP(&p.maxSpeed, "max-speed", "M", false, "cruise at the maximum instead of the minimum speed (simple mode)")
	f.StringVarP(&p.circuit, "circuit", "f", "", "circuit script, one '<l|r> <angle>' maneuver per line (circuit mode)")
}

// program validates the flags. The circuit path is made absolute because the
// daemon does not share our working directory.
func (p *programFlags) program() (config.Program, error) {
	if p.mode == "" {
		return config.Program{}, fmt.Errorf("no mode given: %w", navigation.ErrUnknownMode)
	}
	mode, err := navigation.ParseMode(p.mode)
	if err != nil {
		return config.Program{}, err
	}
	if p.seconds < 0 {
		return config.Program{}, fmt.Errorf("invalid time %d: must not be negative", p.seconds)
	}
	if p.distance < 0 {
		return config.Program{}, fmt.Errorf("invalid distance %v: must not be negative", p.distance)
	}

	circuit := p.circuit
	if mode == navigation.Circuit {
		if circuit == "" {
			return config.Program{}, fmt.Errorf("circuit mode needs a script (--circuit): %w", navigation.ErrScript)
		}
		if circuit, err = filepath.Abs(circuit); err != nil {
			return config.Program{}, fmt.Errorf("invalid circuit path %q: %v", p.circuit, err)
		}
	} else if circuit != "" {
		logrus.WithField("mode", mode).Warn("--circuit is only used in circuit mode, ignoring it")
		circuit = ""
	}

	return config.Program{
		Mode:      string(mode),
		Budget:    config.Duration(time.Duration(p.seconds) * time.Second),
		Threshold: p.distance,
		MaxSpeed:  p.maxSpeed,
		Circuit:   circuit,
	}, nil
}

// programOptions overlays the non-zero fields of p on the navigation
// defaults of conf.
func programOptions(conf config.Config, p config.Program) navigation.Options {
	opts := navigation.OptionsFromConfig(conf.Navigation())
	if p.Budget > 0 {
		opts.Budget = p.Budget.D()
	}
	if p.Threshold > 0 {
		opts.Threshold = p.Threshold
	}
	opts.MaxSpeed = p.MaxSpeed
	return opts
}

// openVehicle acquires every pin of the robot directly, without the daemon.
func openVehicle() (*vehicle.Vehicle, *config.File, error) {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	logrus.WithFields(conf.LogrusFields()).Debug("config loaded")

	v, err := vehicle.Open(sysfs.New(), conf, clock.Real{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open robot: %w", err)
	}
	return v, conf, nil
}

func closeVehicle(v *vehicle.Vehicle) {
	if err := v.Close(); err != nil {
		logrus.WithError(err).Warn("failed to release pins")
	}
}

var (
	dimStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableInStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableOutStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
)

// renderCalibration lays both wheel tables side by side. Speeds outside the
// shared bounds are dimmed.
func renderCalibration(bounds calibration.Bounds, left, right calibration.Table) string {
	n := max(len(left), len(right))
	rows := make([][]string, 0, n)
	cell := func(t calibration.Table, i int) (string, string) {
		if i >= len(t) {
			return "", ""
		}
		return strconv.Itoa(t[i].DutyCycle), strconv.Itoa(t[i].Speed)
	}
	for i := range n {
		ld, ls := cell(left, i)
		rd, rs := cell(right, i)
		rows = append(rows, []string{ld, ls, rd, rs})
	}

	speedIn := func(t calibration.Table, row int) bool {
		return row < len(t) && bounds.Valid() && bounds.Contains(t[row].Speed)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Left duty", "Left speed", "Right duty", "Right speed").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 1:
				if speedIn(left, row) {
					return tableInStyle
				}
				return tableOutStyle
			case 3:
				if speedIn(right, row) {
					return tableInStyle
				}
				return tableOutStyle
			default:
				return tableCellStyle
			}
		})

	return t.Render()
}

// formatEvent renders a daemon event as one line.
func formatEvent(ev events.Event) string {
	switch ev.Name {
	case events.ProgramState:
		e, err := events.DecodeAs[events.ProgramStateEvent](ev)
		if err != nil {
			break
		}
		s := fmt.Sprintf("%s %s", e.Program, e.State)
		if e.Message != "" {
			s += ": " + e.Message
		}
		return s
	case events.Obstacle:
		e, err := events.DecodeAs[events.ObstacleEvent](ev)
		if err != nil {
			break
		}
		if e.Cleared {
			return fmt.Sprintf("%s path clear at %.1fcm", e.Program, e.Distance)
		}
		if e.Distance < 0 {
			return fmt.Sprintf("%s obstacle (no echo)", e.Program)
		}
		return fmt.Sprintf("%s obstacle at %.1fcm", e.Program, e.Distance)
	case events.Maneuver:
		e, err := events.DecodeAs[events.ManeuverEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s turning %s by %d degrees (attempt %d)", e.Program, e.Direction, e.Angle, e.Attempt)
	case events.CalibrationPhase:
		e, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("calibration %s -> %s: %s", e.From, e.To, e.Message)
	case events.ScheduleUpcoming:
		e, err := events.DecodeAs[events.ScheduleUpcomingEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s program scheduled at %s", e.Mode, time.Unix(e.RunAt, 0).Local().Format(time.DateTime))
	}
	return fmt.Sprintf("%s %s", ev.Name, string(ev.Data))
}
