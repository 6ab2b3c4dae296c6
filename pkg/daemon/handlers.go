package daemon

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/powerinfo"
	"github.com/robocar-go/robocar/pkg/vehicle"
	"github.com/robocar-go/robocar/pkg/version"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Vehicle  vehicle.Status       `json:"vehicle"`
	Job      JobStatus            `json:"job"`
	Schedule ScheduleStatus       `json:"schedule"`
	Power    *powerinfo.PowerPack `json:"power,omitempty"`
}

func getStatus(c *gin.Context) {
	resp := StatusResponse{
		Vehicle:  robot.Status(),
		Job:      jobs.Status(),
		Schedule: scheduleStatus(),
	}
	if p, err := readPower(); err == nil {
		resp.Power = p
	} else {
		logrus.WithError(err).Debug("power pack unavailable")
	}
	c.IndentedJSON(http.StatusOK, resp)
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

// getDistance measures while holding the job slot, so no program can start
// and share the rangefinder until the reading is done.
func getDistance(c *gin.Context) {
	var d float64
	err := jobs.Run(Job{Kind: KindMeasurement, Name: "distance", Source: sourceAPI}, func() {
		d = robot.Distance()
	})
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, d)
}

func getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, calibrationSnapshot())
}

func postCalibration(c *gin.Context) {
	if err := startCalibration(sourceAPI); err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusAccepted, "calibration started")
}

func putProgram(c *gin.Context) {
	var p config.Program
	if err := c.BindJSON(&p); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := startProgram(p, sourceAPI); err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusAccepted, "program "+p.Mode+" started")
}

func deleteProgram(c *gin.Context) {
	done, ok := jobs.Cancel()
	if !ok {
		abortWithError(c, http.StatusNotFound, errors.New("no job running"))
		return
	}
	<-done
	c.IndentedJSON(http.StatusOK, jobs.Status().Last)
}

func getPower(c *gin.Context) {
	p, err := readPower()
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, p)
}

func putSchedule(c *gin.Context) {
	var s config.Schedule
	if err := c.BindJSON(&s); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	runs, err := applySchedule(s)
	if err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, runs)
}

func postPostpone(c *gin.Context) {
	var d config.Duration
	if err := c.BindJSON(&d); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := scheduler.Postpone(d.D()); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	next, _ := scheduler.Status()
	logrus.WithField("nextRun", next.Format(time.DateTime)).Info("scheduled program postponed")
	c.IndentedJSON(http.StatusCreated, next)
}

func postSkip(c *gin.Context) {
	if err := scheduler.Skip(); err != nil {
		abortWithError(c, statusFor(err), err)
		return
	}
	next, _ := scheduler.Status()
	logrus.WithField("nextRun", next.Format(time.DateTime)).Info("scheduled program skipped")
	c.IndentedJSON(http.StatusCreated, next)
}

// getEvents streams hub events as server-sent events until the client goes
// away. Repeated name query parameters narrow the stream, e.g.
// ?name=calibration.phase or ?name=program.
func getEvents(c *gin.Context) {
	ch := sseHub.Subscribe(c.QueryArray("name")...)
	defer sseHub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
