package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	daemonutils "github.com/robocar-go/robocar/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install the robocar daemon as a systemd service",
		GroupID: gAdvanced,
		Long: `Install the robocar daemon as a systemd service.

This makes the daemon run in the background and start on boot, using the
--config and --daemon-socket paths given here. You must run this command as root.

By default, only root is allowed to access the daemon. Use --allow-non-root-access
to let other users drive the robot without sudo.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the robocar daemon.")
			} else {
				logrus.Info("only root user is allowed to access the robocar daemon.")
			}

			err := daemonutils.Install(daemonutils.Options{
				ConfigPath:         configPath,
				SocketPath:         unixSocketPath,
				AllowNonRootAccess: allowNonRootAccess,
			})
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()
			cmd.Printf("systemd will use the current binary (%s), so do not move it. Run 'robocar install' again if you do.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access the robocar daemon.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Remove the robocar systemd service",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := daemonutils.Uninstall(); err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			cmd.Printf("Successfully uninstalled. Your config and calibration are kept, see %s.\n", configPath)
			return nil
		},
	}
}
