package daemon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/powerinfo"
	"github.com/robocar-go/robocar/pkg/vehicle"
)

// fakeRobot records commands. Calibrate defaults to returning calibrated.
type fakeRobot struct {
	mu        sync.Mutex
	log       []string
	bounds    calibration.Bounds
	speed     int
	distance  float64
	saved     int
	calibrate func(ctx context.Context) (calibration.Bounds, error)
	// measuring, when set, runs inside Distance before it returns.
	measuring func()
	left      calibration.Table
	right     calibration.Table
}

var _ Robot = &fakeRobot{}

func (r *fakeRobot) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, fmt.Sprintf(format, args...))
}

func (r *fakeRobot) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *fakeRobot) GoForward() error   { r.record("forward"); return nil }
func (r *fakeRobot) GoBackward() error  { r.record("backward"); return nil }
func (r *fakeRobot) RotateRight() error { r.record("rotateRight"); return nil }
func (r *fakeRobot) RotateLeft() error  { r.record("rotateLeft"); return nil }
func (r *fakeRobot) RotateRightBy(_ context.Context, angle int) error {
	r.record("rotateRight %d", angle)
	return nil
}
func (r *fakeRobot) RotateLeftBy(_ context.Context, angle int) error {
	r.record("rotateLeft %d", angle)
	return nil
}
func (r *fakeRobot) Stop() error { r.record("stop"); return nil }
func (r *fakeRobot) setSpeed(name string, s int) error {
	r.record("%s speed", name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speed = s
	return nil
}
func (r *fakeRobot) SetMaxSpeed() error  { return r.setSpeed("max", r.Status().Bounds.Max) }
func (r *fakeRobot) SetMinSpeed() error  { return r.setSpeed("min", r.Status().Bounds.Min) }
func (r *fakeRobot) SetMeanSpeed() error { return r.setSpeed("mean", r.Status().Bounds.Mean()) }
func (r *fakeRobot) Speed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speed
}
func (r *fakeRobot) UpdateSpeed() error { r.record("update"); return nil }
func (r *fakeRobot) Distance() float64 {
	r.record("distance")
	r.mu.Lock()
	hook := r.measuring
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.distance
}
func (r *fakeRobot) Signal(c vehicle.Color) { r.record("signal %s", c) }
func (r *fakeRobot) ClearIndicators()       { r.record("clear") }

func (r *fakeRobot) Status() vehicle.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return vehicle.Status{Motion: vehicle.Stopped, Speed: r.speed, Bounds: r.bounds}
}

func (r *fakeRobot) Calibrate(ctx context.Context) (calibration.Bounds, error) {
	r.record("calibrate")
	b, err := r.calibrate(ctx)
	if err == nil {
		r.mu.Lock()
		r.bounds = b
		r.mu.Unlock()
	}
	return b, err
}

func (r *fakeRobot) SaveCalibration() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved++
	return nil
}

func (r *fakeRobot) LoadCalibration() (calibration.Bounds, error) {
	return r.Status().Bounds, nil
}

func (r *fakeRobot) Tables() (calibration.Table, calibration.Table) {
	return r.left, r.right
}

func (r *fakeRobot) Close() error { r.record("close"); return nil }

// setupTest installs fresh daemon globals backed by a fakeRobot and returns
// the router.
func setupTest(t *testing.T) (*fakeRobot, *gin.Engine) {
	t.Helper()

	conf = config.NewFileFromConfig(nil, filepath.Join(t.TempDir(), "config.json"))
	r := &fakeRobot{
		bounds:   calibration.Bounds{Min: 10, Max: 70},
		distance: 100,
		calibrate: func(context.Context) (calibration.Bounds, error) {
			return calibration.Bounds{Min: 12, Max: 60}, nil
		},
	}
	robot = r
	sseHub = events.NewEventHub()
	jobs = &jobRunner{}
	clk = clock.NewFake(time.Unix(0, 0), 0)
	scheduler = newProgramScheduler()

	origPower := readPower
	readPower = func() (*powerinfo.PowerPack, error) { return nil, powerinfo.ErrNoBattery }

	t.Cleanup(func() {
		scheduler.Stop()
		if done, ok := jobs.Cancel(); ok {
			<-done
		}
		readPower = origPower
		clk = clock.Real{}
	})
	return r, setupRoutes()
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
