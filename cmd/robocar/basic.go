package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/robocar-go/robocar/pkg/client"
	"github.com/robocar-go/robocar/pkg/sensor"
	"github.com/robocar-go/robocar/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStartCommand() *cobra.Command {
	var pf programFlags

	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a program on the daemon",
		GroupID: gBasic,
		Long: `Start a program on the daemon. It runs in the background until its time
budget is spent or it is stopped with 'robocar stop'.

The circuit script is read by the daemon, so it must be readable by the daemon user.`,
		Example: `  robocar start -m simple -t 120
  robocar start -m circuit -f ./square.txt`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			p, err := pf.program()
			if err != nil {
				return err
			}

			ret, err := apiClient.StartProgram(p)
			if err != nil {
				return fmt.Errorf("failed to start program: %w", err)
			}
			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			return nil
		},
	}

	pf.register(cmd)

	return cmd
}

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the running program or calibration",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := apiClient.StopProgram()
			if err != nil {
				if errors.Is(err, client.ErrNotFound) {
					cmd.Println("Nothing is running.")
					return nil
				}
				return fmt.Errorf("failed to stop: %w", err)
			}

			cmd.Printf("Stopped %s %s after %s.\n",
				res.Kind, bold("%s", res.Name), res.Finished.Sub(res.Started).Round(time.Millisecond))
			return nil
		},
	}
}

func NewDistanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "distance",
		Short:   "Measure the distance to the nearest obstacle",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := apiClient.GetDistance()
			if err != nil {
				return err
			}
			if d == sensor.Invalid {
				cmd.Println("No valid echo, nothing in range or the sensor is blocked.")
				return nil
			}
			cmd.Printf("%s\n", bold("%.1f cm", d))
			return nil
		},
	}
}

func NewEventsCommand() *cobra.Command {
	var names []string

	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"watch"},
		Short:   "Follow the events of the daemon",
		GroupID: gBasic,
		Example: `  robocar events
  robocar events -n program.obstacle -n calibration.phase
  robocar events -n program.   (every program event)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// SubscribeEvents hides connection errors.
			if _, err := apiClient.GetVersion(); err != nil {
				return err
			}

			for ev := range apiClient.SubscribeEvents(ctx, names...) {
				cmd.Printf("%s %s\n", dimStyle.Render(time.Now().Format(time.TimeOnly)), formatEvent(ev))
			}
			if ctx.Err() == nil {
				return errors.New("event stream closed by the daemon")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&names, "name", "n", nil, "only show these events; a trailing '.' selects a family")

	return cmd
}
