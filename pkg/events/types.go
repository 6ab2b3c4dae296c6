package events

import "encoding/json"

// Event name constants
const (
	ProgramState     = "program.state"
	Obstacle         = "program.obstacle"
	Maneuver         = "program.maneuver"
	CalibrationPhase = "calibration.phase"
	ScheduleUpcoming = "schedule.upcoming"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// ProgramStateEvent is the typed payload for program.state.
type ProgramStateEvent struct {
	Program string `json:"program"`
	State   string `json:"state"` // started, finished, failed, cancelled
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// ObstacleEvent is the typed payload for program.obstacle. Distance is -1
// when no valid echo was measured.
type ObstacleEvent struct {
	Program  string  `json:"program"`
	Distance float64 `json:"distance"`
	Cleared  bool    `json:"cleared"`
	Ts       int64   `json:"ts"`
}

// ManeuverEvent is the typed payload for program.maneuver.
type ManeuverEvent struct {
	Program   string `json:"program"`
	Direction string `json:"direction"`
	Angle     int    `json:"angle"`
	Attempt   int    `json:"attempt"`
	Ts        int64  `json:"ts"`
}

// CalibrationPhaseEvent is the typed payload for calibration.phase.
type CalibrationPhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.ObstacleEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Distance)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// ScheduleUpcomingEvent is the typed payload for schedule.upcoming.
type ScheduleUpcomingEvent struct {
	Mode  string `json:"mode"`
	RunAt int64  `json:"runAt"`
	Ts    int64  `json:"ts"`
}
