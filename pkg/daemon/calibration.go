package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/events"
)

type calibrationPhase string

const (
	phaseIdle     calibrationPhase = "idle"
	phaseSweeping calibrationPhase = "sweeping"
	phaseSaving   calibrationPhase = "saving"
	phaseDone     calibrationPhase = "done"
	phaseError    calibrationPhase = "error"
)

func publishPhase(from, to calibrationPhase, msg string) {
	logrus.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info(msg)
	sseHub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(from),
		To:      string(to),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

// startCalibration sweeps both wheels and saves the tables as a job.
func startCalibration(source string) error {
	return jobs.Start(Job{Kind: KindCalibration, Name: "wheels", Source: source}, func(ctx context.Context) error {
		publishPhase(phaseIdle, phaseSweeping, "calibrating wheels")
		b, err := robot.Calibrate(ctx)
		if err != nil {
			publishPhase(phaseSweeping, phaseError, fmt.Sprintf("calibration failed: %v", err))
			return err
		}

		publishPhase(phaseSweeping, phaseSaving, fmt.Sprintf("speed range %d..%d", b.Min, b.Max))
		if err := robot.SaveCalibration(); err != nil {
			publishPhase(phaseSaving, phaseError, fmt.Sprintf("failed to save calibration: %v", err))
			return err
		}

		publishPhase(phaseSaving, phaseDone, "calibration saved")
		return nil
	})
}

// calibrationResponse is returned by GET /calibration.
type calibrationResponse struct {
	Bounds calibration.Bounds `json:"bounds"`
	Left   calibration.Table  `json:"left"`
	Right  calibration.Table  `json:"right"`
}

func calibrationSnapshot() calibrationResponse {
	left, right := robot.Tables()
	return calibrationResponse{
		Bounds: robot.Status().Bounds,
		Left:   left,
		Right:  right,
	}
}
