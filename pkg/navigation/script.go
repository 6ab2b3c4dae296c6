package navigation

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrScript is returned for a missing, empty or malformed circuit script.
var ErrScript = errors.New("invalid circuit script")

// Turn is the direction of a circuit maneuver.
type Turn string

const (
	Left  Turn = "left"
	Right Turn = "right"
)

// Maneuver is one turn of a circuit.
type Maneuver struct {
	Turn  Turn `json:"turn"`
	Angle int  `json:"angle"`
}

// Script is the cyclic list of maneuvers of a circuit.
type Script []Maneuver

// ParseScript reads "<direction> <angle>" lines where direction is one of
// l, L, r, R and angle is an integer in [0, 360]. Blank lines are skipped.
// Any other line, or a script without maneuvers, is rejected.
func ParseScript(r io.Reader) (Script, error) {
	var s Script
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, pkgerrors.Wrapf(ErrScript, "line %d: want <direction> <angle>, got %q", line, sc.Text())
		}

		var turn Turn
		switch fields[0] {
		case "l", "L":
			turn = Left
		case "r", "R":
			turn = Right
		default:
			return nil, pkgerrors.Wrapf(ErrScript, "line %d: invalid direction %q", line, fields[0])
		}

		angle, err := strconv.Atoi(fields[1])
		if err != nil || angle < 0 || angle > 360 {
			return nil, pkgerrors.Wrapf(ErrScript, "line %d: invalid angle %q", line, fields[1])
		}
		s = append(s, Maneuver{Turn: turn, Angle: angle})
	}
	if err := sc.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read circuit script")
	}
	if len(s) == 0 {
		return nil, pkgerrors.Wrap(ErrScript, "script is empty")
	}
	return s, nil
}

// LoadScript parses the script stored at path.
func LoadScript(path string) (Script, error) {
	if path == "" {
		return nil, pkgerrors.Wrap(ErrScript, "no circuit script given")
	}
	fp, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(ErrScript, "failed to open %s: %v", path, err)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", path)
		}
	}(fp)

	s, err := ParseScript(fp)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "circuit %s", path)
	}
	return s, nil
}
