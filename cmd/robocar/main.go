package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/client"
	"github.com/robocar-go/robocar/pkg/navigation"
	"github.com/robocar-go/robocar/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/robocar.sock"
	configPath     = "/etc/robocar.json"
)

var (
	gBasic        = "Basic:"
	gLocal        = "Local (no daemon):"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gBasic,
		gLocal,
		gAdvanced,
	}
)

var apiClient = client.NewClient(unixSocketPath)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		})
	}

	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, client.ErrDaemonNotRunning):
		fmt.Fprintln(os.Stderr, "\nError: robocar daemon is not running")
		fmt.Fprintln(os.Stderr, "Start it with 'robocar daemon', or use 'robocar run' to drive without it.")
	case errors.Is(err, client.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or start the daemon with '--always-allow-non-root-access'")
	case errors.Is(err, client.ErrNotCalibrated), errors.Is(err, errNoCalibration), errors.Is(err, calibration.ErrInvalidBounds):
		fmt.Fprintln(os.Stderr, "\nError: the robot has no usable calibration")
		fmt.Fprintln(os.Stderr, "Run 'robocar calibrate' (or 'robocar calibration start' with the daemon) first.")
	case errors.Is(err, navigation.ErrUnknownMode):
		fmt.Fprintln(os.Stderr, "\nError: valid modes are simple, twister, tornado and circuit")
	case errors.Is(err, client.ErrBusy):
		fmt.Fprintln(os.Stderr, "\nError: the daemon is busy, stop the current job with 'robocar stop'")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robocar",
		Short: "robocar drives a two-wheeled GPIO/PWM robot",
		Long: `robocar drives a two-wheeled robot through the sysfs GPIO and PWM interfaces.

Programs can be run directly on the hardware ('robocar run', 'robocar calibrate')
or through the robocar daemon, which also runs them on a schedule.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)

			// Local commands and the daemon itself do not talk to a daemon.
			if cmd.GroupID != gBasic {
				return nil
			}
			if daemonVersion, err := apiClient.GetVersion(); err == nil {
				if daemonVersion != version.Version {
					logrus.WithFields(logrus.Fields{
						"clientVersion": version.Version,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. Restart the daemon after upgrading.")
				}
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "robocar daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewRunCommand(),
		NewCalibrateCommand(),
		NewStatusCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewDistanceCommand(),
		NewEventsCommand(),
		NewCalibrationCommand(),
		NewScheduleCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
