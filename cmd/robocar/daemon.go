package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/robocar-go/robocar/pkg/daemon"
	"github.com/robocar-go/robocar/pkg/version"
)

// NewDaemonCommand runs the daemon in the foreground. It is what the
// installed service unit starts.
func NewDaemonCommand() *cobra.Command {
	allowNonRoot := false

	cmd := &cobra.Command{
		Use:     "daemon",
		Hidden:  true,
		Short:   "Run the robocar daemon in the foreground",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
				"config":  configPath,
				"socket":  unixSocketPath,
			})
			// Exporting pins needs write access to /sys/class/gpio and
			// /sys/class/pwm, which usually means root.
			if os.Geteuid() != 0 {
				logger.Warn("not running as root, pin export will likely fail")
			}
			logger.Info("robocar daemon starting")
			return daemon.Run(configPath, unixSocketPath, allowNonRoot)
		},
	}

	cmd.Flags().BoolVar(&allowNonRoot, "always-allow-non-root-access", false,
		"Always allow non-root users to access the daemon.")

	return cmd
}
