package client

import (
	"encoding/json"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/powerinfo"
	"github.com/robocar-go/robocar/pkg/vehicle"
)

type Job struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Source  string    `json:"source"`
	Started time.Time `json:"started"`
}

type JobResult struct {
	Job
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

type JobStatus struct {
	Running *Job       `json:"running,omitempty"`
	Last    *JobResult `json:"last,omitempty"`
}

type ScheduleStatus struct {
	Cron     string      `json:"cron"`
	Mode     string      `json:"mode,omitempty"`
	Enabled  bool        `json:"enabled"`
	NextRuns []time.Time `json:"nextRuns,omitempty"`
}

type Status struct {
	Vehicle  vehicle.Status       `json:"vehicle"`
	Job      JobStatus            `json:"job"`
	Schedule ScheduleStatus       `json:"schedule"`
	Power    *powerinfo.PowerPack `json:"power,omitempty"`
}

type Calibration struct {
	Bounds calibration.Bounds `json:"bounds"`
	Left   calibration.Table  `json:"left"`
	Right  calibration.Table  `json:"right"`
}

func getJSON[T any](c *Client, path, what string) (*T, error) {
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", what)
	}
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func (c *Client) GetStatus() (*Status, error) {
	return getJSON[Status](c, "/status", "status")
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetCalibration() (*Calibration, error) {
	return getJSON[Calibration](c, "/calibration", "calibration")
}

func (c *Client) GetPower() (*powerinfo.PowerPack, error) {
	return getJSON[powerinfo.PowerPack](c, "/power", "power pack")
}

func (c *Client) GetDistance() (float64, error) {
	ret, err := c.Get("/distance")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to measure distance")
	}
	d, err := strconv.ParseFloat(ret, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse distance %q", ret)
	}
	return d, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}

// StartCalibration starts a calibration job. Progress is reported on the
// event stream.
func (c *Client) StartCalibration() (string, error) {
	ret, err := c.Post("/calibration", "")
	return unquote(ret), err
}

// StartProgram starts a program job.
func (c *Client) StartProgram(p config.Program) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	ret, err := c.Put("/program", string(payload))
	return unquote(ret), err
}

// StopProgram cancels the running job and returns its result.
func (c *Client) StopProgram() (*JobResult, error) {
	ret, err := c.Delete("/program")
	if err != nil {
		return nil, err
	}
	var res JobResult
	if err := json.Unmarshal([]byte(ret), &res); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal job result")
	}
	return &res, nil
}

// SetSchedule replaces the program schedule and returns the next runs. An
// empty Cron disables it.
func (c *Client) SetSchedule(s config.Schedule) ([]time.Time, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, err
	}
	var runs []time.Time
	if err := json.Unmarshal([]byte(ret), &runs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal next runs")
	}
	return runs, nil
}

func (c *Client) PostponeSchedule(d time.Duration) (time.Time, error) {
	payload, err := json.Marshal(config.Duration(d))
	if err != nil {
		return time.Time{}, err
	}
	return c.nextRun(c.Post("/schedule/postpone", string(payload)))
}

func (c *Client) SkipSchedule() (time.Time, error) {
	return c.nextRun(c.Post("/schedule/skip", ""))
}

func (c *Client) nextRun(ret string, err error) (time.Time, error) {
	if err != nil {
		return time.Time{}, err
	}
	var next time.Time
	if err := json.Unmarshal([]byte(ret), &next); err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to unmarshal next run")
	}
	return next, nil
}
