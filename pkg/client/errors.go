package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = errors.New("404 not found")

	// ErrBusy is returned when another job owns the robot
	ErrBusy = errors.New("robot is busy")

	// ErrNotCalibrated is returned when a program is started before calibration
	ErrNotCalibrated = errors.New("robot is not calibrated")
)

// StatusError is a non-2xx response. Message is the daemon's error text.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("got %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrBusy:
		return e.Code == http.StatusConflict
	case ErrNotCalibrated:
		return e.Code == http.StatusPreconditionFailed
	}
	return false
}
