package calibration

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Read parses "<dutyCycle> <speed>" lines. It stops at the first line that
// does not start with two integers, or at EOF.
func Read(r io.Reader) (Table, error) {
	var t Table
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			break
		}
		dc, err := strconv.Atoi(fields[0])
		if err != nil {
			break
		}
		speed, err := strconv.Atoi(fields[1])
		if err != nil {
			break
		}
		t = append(t, Sample{DutyCycle: dc, Speed: speed})
	}
	if err := sc.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read calibration")
	}
	return t, nil
}

// Write emits every sample of t in order.
func Write(w io.Writer, t Table) error {
	bw := bufio.NewWriter(w)
	for _, s := range t {
		if _, err := fmt.Fprintf(bw, "%d %d\n", s.DutyCycle, s.Speed); err != nil {
			return pkgerrors.Wrap(err, "failed to write calibration")
		}
	}
	return bw.Flush()
}

// Load reads the table stored at path.
func Load(path string) (Table, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open file %s", path)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", path)
		}
	}(fp)

	t, err := Read(fp)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load %s", path)
	}
	return t, nil
}

// File is a table destined for path.
type File struct {
	Path  string
	Table Table
}

// Save writes a single table, replacing path atomically.
func Save(path string, t Table) error {
	return SaveAll(File{Path: path, Table: t})
}

var rename = os.Rename

// SaveAll writes every table to a temporary file next to its destination and
// only then renames them into place. If any step fails, destinations already
// replaced get their previous content back, so either every file is updated
// or none is.
func SaveAll(files ...File) error {
	tmps := make([]string, 0, len(files))
	cleanup := func() {
		for _, tmp := range tmps {
			_ = os.Remove(tmp)
		}
	}

	// Tables are a few hundred bytes, so the previous content is kept in
	// memory. nil means the destination did not exist.
	previous := make([][]byte, len(files))
	for i, f := range files {
		b, err := os.ReadFile(f.Path)
		switch {
		case err == nil:
			previous[i] = b
		case !os.IsNotExist(err):
			return pkgerrors.Wrapf(err, "failed to read %s", f.Path)
		}
	}

	for _, f := range files {
		tmp, err := writeTemp(f.Path, func(w io.Writer) error { return Write(w, f.Table) })
		if err != nil {
			cleanup()
			return err
		}
		tmps = append(tmps, tmp)
	}

	for i, f := range files {
		if err := rename(tmps[i], f.Path); err != nil {
			restore(files[:i], previous)
			cleanup()
			return pkgerrors.Wrapf(err, "failed to replace %s", f.Path)
		}
	}

	logrus.WithField("files", len(files)).Debug("calibration saved")
	return nil
}

func restore(files []File, previous [][]byte) {
	for i, f := range files {
		logger := logrus.WithField("path", f.Path)
		if previous[i] == nil {
			if err := os.Remove(f.Path); err != nil {
				logger.WithError(err).Error("failed to remove partially saved calibration")
			}
			continue
		}
		tmp, err := writeTemp(f.Path, func(w io.Writer) error {
			_, err := w.Write(previous[i])
			return err
		})
		if err == nil {
			err = rename(tmp, f.Path)
		}
		if err != nil {
			_ = os.Remove(tmp)
			logger.WithError(err).Error("failed to restore previous calibration")
			continue
		}
		logger.Warn("restored previous calibration")
	}
}

func writeTemp(path string, write func(io.Writer) error) (string, error) {
	fp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to create temporary file for %s", path)
	}
	name := fp.Name()

	if err := write(fp); err != nil {
		_ = fp.Close()
		_ = os.Remove(name)
		return "", pkgerrors.Wrapf(err, "failed to write %s", path)
	}
	if err := fp.Close(); err != nil {
		_ = os.Remove(name)
		return "", pkgerrors.Wrapf(err, "failed to close %s", name)
	}
	return name, nil
}
