// Package daemon serves the robot over a local HTTP API on a unix socket. It
// runs navigation programs and calibration as exclusive jobs and can start
// programs on a cron schedule.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/clock"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/navigation"
	"github.com/robocar-go/robocar/pkg/sysfs"
	"github.com/robocar-go/robocar/pkg/vehicle"
)

// Robot is what the daemon drives. *vehicle.Vehicle implements it.
type Robot interface {
	navigation.Car
	Status() vehicle.Status
	Calibrate(ctx context.Context) (calibration.Bounds, error)
	SaveCalibration() error
	LoadCalibration() (calibration.Bounds, error)
	Tables() (left, right calibration.Table)
	Close() error
}

var _ Robot = &vehicle.Vehicle{}

var (
	conf      config.Config
	robot     Robot
	sseHub    *events.EventHub
	scheduler *Scheduler
)

var jobs = &jobRunner{}

// clk times program runs.
var clk clock.Clock = clock.Real{}

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", getStatus)
	router.GET("/config", getConfig)
	router.GET("/distance", getDistance)
	router.GET("/calibration", getCalibration)
	router.POST("/calibration", postCalibration)
	router.PUT("/program", putProgram)
	router.DELETE("/program", deleteProgram)
	router.GET("/power", getPower)
	router.PUT("/schedule", putSchedule)
	router.POST("/schedule/postpone", postPostpone)
	router.POST("/schedule/skip", postSkip)
	router.GET("/events", getEvents)
	router.GET("/version", getVersion)

	return router
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to parse config during startup")
	}
	logrus.WithFields(conf.LogrusFields()).Info("config loaded")

	v, err := vehicle.Open(sysfs.New(), conf, clk)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open robot")
	}
	robot = v
	if b, err := robot.LoadCalibration(); err != nil {
		logrus.WithError(err).Warn("no usable calibration, calibrate before running programs")
	} else {
		logrus.WithFields(logrus.Fields{"min": b.Min, "max": b.Max}).Info("calibration loaded")
	}

	sseHub = events.NewEventHub()
	scheduler = newProgramScheduler()
	if err := scheduleFromConfig(); err != nil {
		logrus.WithError(err).Error("failed to start scheduler")
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			if err := scheduleFromConfig(); err != nil {
				logrus.WithError(err).Error("failed to reschedule")
			}
			logrus.WithFields(conf.LogrusFields()).Info("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler:           setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// A socket left behind by a crashed daemon would make Listen fail.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("failed to remove stale socket")
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		_ = robot.Close()
		return pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}

	if allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			logrus.WithError(err).Error("failed to change socket permissions")
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	scheduler.Stop()

	if done, ok := jobs.Cancel(); ok {
		logrus.Info("waiting for the running job to stop")
		<-done
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("releasing pins")
	if err := robot.Close(); err != nil {
		logrus.Errorf("failed to release pins: %v", err)
	}

	logrus.Info("exiting")
	return nil
}
