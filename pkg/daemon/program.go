package daemon

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/navigation"
	"github.com/robocar-go/robocar/pkg/wheel"
)

var ErrInvalidProgram = errors.New("invalid program")

const (
	sourceAPI      = "api"
	sourceSchedule = "schedule"
)

// programOptions fills the unset parts of p from the navigation section.
func programOptions(p config.Program) (navigation.Options, error) {
	if p.Budget < 0 {
		return navigation.Options{}, pkgerrors.Wrapf(ErrInvalidProgram, "negative budget %s", p.Budget)
	}
	if p.Threshold < 0 {
		return navigation.Options{}, pkgerrors.Wrapf(ErrInvalidProgram, "negative threshold %v", p.Threshold)
	}

	opts := navigation.OptionsFromConfig(conf.Navigation())
	if p.Budget > 0 {
		opts.Budget = p.Budget.D()
	}
	if p.Threshold > 0 {
		opts.Threshold = p.Threshold
	}
	opts.MaxSpeed = p.MaxSpeed
	opts.Clock = clk
	opts.Events = sseHub
	return opts, nil
}

// startProgram validates p and runs it as a job. A circuit script is parsed
// before the job starts, so a bad script never moves the robot.
func startProgram(p config.Program, source string) error {
	mode, err := navigation.ParseMode(p.Mode)
	if err != nil {
		return err
	}
	opts, err := programOptions(p)
	if err != nil {
		return err
	}

	var script navigation.Script
	if mode == navigation.Circuit {
		script, err = navigation.LoadScript(p.Circuit)
		if err != nil {
			return err
		}
	}

	if !robot.Status().Bounds.Valid() {
		return pkgerrors.Wrap(wheel.ErrNotCalibrated, "calibrate the wheels before running a program")
	}

	return jobs.Start(Job{Kind: KindProgram, Name: string(mode), Source: source}, func(ctx context.Context) error {
		if mode == navigation.Circuit {
			return navigation.RunCircuit(ctx, robot, script, opts)
		}
		return navigation.Run(ctx, robot, mode, "", opts)
	})
}
