package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
)

func NewCalibrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "calibrate",
		Short:   "Calibrate both wheels directly on the hardware",
		GroupID: gLocal,
		Long: `Calibrate both wheels directly on the hardware, without the daemon.

Each wheel is swept through its duty cycles while its speed is measured. The
resulting tables are saved to the calibration directory of the config file and
are used by every later run. Lift the robot so that the wheels turn freely.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, _, err := openVehicle()
			if err != nil {
				return err
			}
			defer closeVehicle(v)

			if err := calibrateAndSave(ctx, v); err != nil {
				return err
			}

			left, right := v.Tables()
			cmd.Println(bold("Speed range: %d..%d", v.MinSpeed(), v.MaxSpeed()))
			cmd.Println(renderCalibration(v.Bounds(), left, right))
			return nil
		},
	}
}

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"cal"},
		Short:   "Manage the wheel calibration of the daemon",
		GroupID: gAdvanced,
	}

	cmd.AddCommand(
		newCalibrationStartCommand(),
		newCalibrationShowCommand(),
	)

	return cmd
}

func newCalibrationStartCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Calibrate both wheels from the daemon",
		Long: `Calibrate both wheels from the daemon and save the tables.

The daemon runs one job at a time, so this fails while a program is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				sub    <-chan events.Event
				cancel context.CancelFunc = func() {}
			)
			if wait {
				var ctx context.Context
				ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				sub = apiClient.SubscribeEvents(ctx, events.CalibrationPhase)
			}
			defer cancel()

			ret, err := apiClient.StartCalibration()
			if err != nil {
				return fmt.Errorf("failed to start calibration: %w", err)
			}
			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}
			if !wait {
				logrus.Info("follow the progress with 'robocar events'")
				return nil
			}
			return waitCalibration(cmd, sub)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the calibration to finish")

	return cmd
}

// waitCalibration prints calibration phases until the job is done.
func waitCalibration(cmd *cobra.Command, sub <-chan events.Event) error {
	for ev := range sub {
		cmd.Println(formatEvent(ev))
		e, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			continue
		}
		switch e.To {
		case "done":
			return showDaemonCalibration(cmd)
		case "error":
			return errors.New(e.Message)
		}
	}
	return errors.New("event stream ended before calibration finished")
}

func newCalibrationShowCommand() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the calibration tables",
		Long: `Show the calibration tables installed in the daemon, or with --local the
tables saved in the calibration directory of the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if local {
				return showLocalCalibration(cmd)
			}
			return showDaemonCalibration(cmd)
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "read the saved tables instead of asking the daemon")

	return cmd
}

func showDaemonCalibration(cmd *cobra.Command) error {
	c, err := apiClient.GetCalibration()
	if err != nil {
		return err
	}
	printCalibration(cmd, c.Bounds, c.Left, c.Right)
	return nil
}

func showLocalCalibration(cmd *cobra.Command) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return err
	}
	files := conf.Calibration()
	left, err := calibration.Load(filepath.Join(files.Dir, files.LeftFile))
	if err != nil {
		return err
	}
	right, err := calibration.Load(filepath.Join(files.Dir, files.RightFile))
	if err != nil {
		return err
	}
	var b calibration.Bounds
	if left.Bounds().Valid() && right.Bounds().Valid() {
		b = calibration.Intersect(left.Bounds(), right.Bounds())
	}
	printCalibration(cmd, b, left, right)
	return nil
}

func printCalibration(cmd *cobra.Command, b calibration.Bounds, left, right calibration.Table) {
	if !b.Valid() {
		cmd.Println("The wheels are not calibrated.")
		return
	}
	cmd.Println(bold("Speed range: %d..%d", b.Min, b.Max))
	cmd.Println(renderCalibration(b, left, right))
}
