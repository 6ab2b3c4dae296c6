// Package daemon installs the robocar daemon as a systemd service.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const unitName = "robocar.service"

var (
	unitDir = "/etc/systemd/system"
	// systemctl is replaced in tests.
	systemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return nil
	}
)

const unitTemplate = `[Unit]
Description=robocar daemon
After=local-fs.target

[Service]
Type=simple
ExecStart={{exe}} daemon --config {{config}} --daemon-socket {{socket}}{{extra}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// Options are passed to the installed daemon.
type Options struct {
	ConfigPath         string
	SocketPath         string
	AllowNonRootAccess bool
}

func unitPath() string {
	return filepath.Join(unitDir, unitName)
}

// Unit renders the service unit for the executable at exePath.
func Unit(exePath string, opts Options) string {
	extra := ""
	if opts.AllowNonRootAccess {
		extra = " --always-allow-non-root-access"
	}
	return strings.NewReplacer(
		"{{exe}}", exePath,
		"{{config}}", opts.ConfigPath,
		"{{socket}}", opts.SocketPath,
		"{{extra}}", extra,
	).Replace(unitTemplate)
}

func Install(opts Options) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	return install(exePath, opts)
}

func install(exePath string, opts Options) error {
	logrus.Infof("writing service unit to %s", unitDir)

	err := os.MkdirAll(unitDir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", unitDir, err)
	}

	// warn if the file already exists
	if _, err := os.Stat(unitPath()); err == nil {
		logrus.Warnf("%s already exists, replacing it", unitPath())
	}

	err = os.WriteFile(unitPath(), []byte(Unit(exePath, opts)), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", unitPath(), err)
	}

	logrus.Infof("starting robocar")

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", unitName)
}
