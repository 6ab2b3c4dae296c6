package config

import (
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Duration is a time.Duration stored in JSON as a string such as "250ms".
// Plain numbers are accepted as nanoseconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return pkgerrors.Wrapf(err, "invalid duration %q", value)
		}
		*d = Duration(parsed)
	default:
		return pkgerrors.Errorf("invalid duration %s", string(b))
	}
	return nil
}
