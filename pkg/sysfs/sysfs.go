package sysfs

import (
	"bufio"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Conn reads and writes control-file attributes. Paths are absolute.
type Conn interface {
	Write(path, value string) error
	Read(path string) (string, error)
}

// FS is a Conn backed by the real filesystem, typically rooted under /sys/class.
type FS struct{}

var _ Conn = FS{}

// New returns a Conn for the host filesystem.
func New() FS {
	return FS{}
}

// Write writes value to the attribute at path. Control files already exist,
// so the file is never created.
func (FS) Write(path, value string) error {
	logrus.WithFields(logrus.Fields{
		"path": path,
		"val":  value,
	}).Trace("Trying to write control file")

	fp, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Error("failed to open control file for writing")
		return pkgerrors.Wrapf(err, "failed to open %s", path)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", path)
		}
	}(fp)

	if _, err := fp.WriteString(value); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %q to %s", value, path)
	}

	logrus.WithFields(logrus.Fields{
		"path": path,
		"val":  value,
	}).Trace("Write to control file succeed")

	return nil
}

// Read returns the first line of the attribute at path, without the trailing
// newline.
func (FS) Read(path string) (string, error) {
	logrus.WithFields(logrus.Fields{
		"path": path,
	}).Trace("Trying to read control file")

	fp, err := os.Open(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Error("failed to open control file for reading")
		return "", pkgerrors.Wrapf(err, "failed to open %s", path)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", path)
		}
	}(fp)

	sc := bufio.NewScanner(fp)
	var line string
	if sc.Scan() {
		line = sc.Text()
	}
	if err := sc.Err(); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to read %s", path)
	}
	line = strings.TrimSpace(line)

	logrus.WithFields(logrus.Fields{
		"path": path,
		"val":  line,
	}).Trace("Load from control file succeed")

	return line, nil
}
