package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/navigation"
	"github.com/robocar-go/robocar/pkg/vehicle"
)

var errNoCalibration = errors.New("no usable calibration")

func NewRunCommand() *cobra.Command {
	var (
		pf        programFlags
		calibrate bool
	)

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a program directly on the hardware",
		GroupID: gLocal,
		Long: `Run a program directly on the hardware, without the daemon.

Modes:
  simple   cruise forward and steer around obstacles
  twister  spin clockwise, pause, then spin counter-clockwise (tornado is an alias)
  circuit  cruise and take the next maneuver of a script at every obstacle

The wheel calibration saved by 'robocar calibrate' is required, unless --calibrate
is given. Interrupt with Ctrl-C to stop the robot early.`,
		Example: `  robocar run -m simple -t 60
  robocar run -m simple -d 20 --max-speed
  robocar run -m circuit -f ./square.txt
  robocar run -c -m twister -t 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := pf.program()
			if err != nil {
				return err
			}
			mode := navigation.Mode(p.Mode)

			// A bad script must not move the robot.
			var script navigation.Script
			if mode == navigation.Circuit {
				if script, err = navigation.LoadScript(p.Circuit); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, conf, err := openVehicle()
			if err != nil {
				return err
			}
			defer closeVehicle(v)

			if calibrate {
				if err := calibrateAndSave(ctx, v); err != nil {
					return err
				}
			} else if _, err := v.LoadCalibration(); err != nil {
				return fmt.Errorf("%w: %v", errNoCalibration, err)
			}

			hub := events.NewEventHub()
			done := printEvents(cmd, hub)
			defer done()

			opts := programOptions(conf, p)
			opts.Events = hub
			if mode == navigation.Circuit {
				err = navigation.RunCircuit(ctx, v, script, opts)
			} else {
				err = navigation.Run(ctx, v, mode, "", opts)
			}
			if errors.Is(err, context.Canceled) {
				logrus.Info("interrupted, robot stopped")
				return nil
			}
			return err
		},
	}

	pf.register(cmd)
	cmd.Flags().BoolVarP(&calibrate, "calibrate", "c", false, "calibrate both wheels and save the tables before running")

	return cmd
}

// printEvents writes the events of hub to the command output until the
// returned func is called.
func printEvents(cmd *cobra.Command, hub *events.EventHub) func() {
	sub := hub.Subscribe()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ev := range sub {
			cmd.Println(formatEvent(ev))
		}
	}()
	return func() {
		hub.Unsubscribe(sub)
		<-finished
	}
}

// calibrateAndSave sweeps both wheels and persists the tables.
func calibrateAndSave(ctx context.Context, v *vehicle.Vehicle) error {
	logrus.Info("calibrating wheels, keep them off the ground")
	b, err := v.Calibrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to calibrate: %w", err)
	}
	if err := v.SaveCalibration(); err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"min": b.Min,
		"max": b.Max,
	}).Info("calibration saved")
	return nil
}
