package pins

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/sysfs"
)

// Role is what a pin is used for.
type Role string

const (
	RoleDigitalIn  Role = "digital-in"
	RoleDigitalOut Role = "digital-out"
	RolePWM        Role = "pwm"
)

// Namespace describes one control-file tree, e.g. /sys/class/gpio.
type Namespace struct {
	// Name prefixes registry keys so that GPIO 1 and PWM channel 1 differ.
	Name string
	// ExportDir holds the export and unexport files.
	ExportDir string
	// PinPattern is a fmt pattern with one %d for the per-pin directory.
	PinPattern string
	// Settle is how long to wait after export for the pin directory to appear.
	Settle time.Duration
}

// GPIO returns the namespace of the legacy sysfs GPIO interface under root.
func GPIO(root string, settle time.Duration) Namespace {
	return Namespace{
		Name:       "gpio",
		ExportDir:  root,
		PinPattern: filepath.Join(root, "gpio%d"),
		Settle:     settle,
	}
}

// PWM returns the namespace of a PWM chip. pinPattern names the per-channel
// directory, which differs between kernels.
func PWM(exportDir, pinPattern string, settle time.Duration) Namespace {
	return Namespace{
		Name:       "pwm",
		ExportDir:  exportDir,
		PinPattern: pinPattern,
		Settle:     settle,
	}
}

// PinDir returns the materialized directory of number.
func (n Namespace) PinDir(number int) string {
	return fmt.Sprintf(n.PinPattern, number)
}

// Key returns the registry key of number.
func (n Namespace) Key(number int) string {
	return n.Name + ":" + strconv.Itoa(number)
}

// Resource is an exclusively owned, exported pin. All attribute access is
// relative to the pin's directory.
type Resource struct {
	number   int
	role     Role
	ns       Namespace
	conn     sysfs.Conn
	registry *Registry
	path     string
	exported bool
}

func openResource(conn sysfs.Conn, registry *Registry, clk clock.Clock, ns Namespace, number int, role Role) (*Resource, error) {
	key := ns.Key(number)
	if err := registry.Claim(key, role); err != nil {
		logrus.WithError(err).WithField("pin", key).Error("refusing duplicate pin claim")
		return nil, err
	}

	r := &Resource{
		number:   number,
		role:     role,
		ns:       ns,
		conn:     conn,
		registry: registry,
		path:     ns.PinDir(number),
	}

	// A previous owner may have died without unexporting. Unexporting a pin
	// that is not exported fails on real hardware, which is fine.
	if err := conn.Write(filepath.Join(ns.ExportDir, "unexport"), strconv.Itoa(number)); err != nil {
		logrus.WithError(err).WithField("pin", key).Debug("unexport before export failed")
	}
	if err := conn.Write(filepath.Join(ns.ExportDir, "export"), strconv.Itoa(number)); err != nil {
		registry.Release(key)
		return nil, pkgerrors.Wrapf(err, "failed to export %s", key)
	}

	clk.Sleep(ns.Settle)
	r.exported = true

	logrus.WithFields(logrus.Fields{
		"pin":  key,
		"role": role,
		"path": r.path,
	}).Debug("pin exported")

	return r, nil
}

// Number returns the pin number.
func (r *Resource) Number() int { return r.number }

// Role returns the role the pin was claimed with.
func (r *Resource) Role() Role { return r.role }

// Path returns the pin's control directory.
func (r *Resource) Path() string { return r.path }

// Exported reports whether the handle is still live.
func (r *Resource) Exported() bool { return r.exported }

// Write writes value to attr under the pin directory.
func (r *Resource) Write(attr, value string) error {
	if !r.exported {
		return pkgerrors.Wrapf(ErrNotExported, "write %s on %s", attr, r.ns.Key(r.number))
	}
	return r.conn.Write(filepath.Join(r.path, attr), value)
}

// Read reads attr under the pin directory.
func (r *Resource) Read(attr string) (string, error) {
	if !r.exported {
		return "", pkgerrors.Wrapf(ErrNotExported, "read %s on %s", attr, r.ns.Key(r.number))
	}
	return r.conn.Read(filepath.Join(r.path, attr))
}

// Close unexports the pin and releases its claim. Closing twice is a no-op.
func (r *Resource) Close() error {
	if !r.exported {
		return nil
	}
	r.exported = false
	key := r.ns.Key(r.number)
	defer r.registry.Release(key)

	if err := r.conn.Write(filepath.Join(r.ns.ExportDir, "unexport"), strconv.Itoa(r.number)); err != nil {
		return pkgerrors.Wrapf(err, "failed to unexport %s", key)
	}

	logrus.WithField("pin", key).Debug("pin unexported")
	return nil
}
