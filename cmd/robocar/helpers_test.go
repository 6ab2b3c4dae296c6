package main

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/navigation"
)

func TestProgramFlags(t *testing.T) {
	abs, err := filepath.Abs("square.txt")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		flags   programFlags
		want    config.Program
		wantErr error
	}{
		{
			name:  "simple",
			flags: programFlags{mode: "simple", seconds: 60, distance: 20, maxSpeed: true},
			want:  config.Program{Mode: "simple", Budget: config.Duration(time.Minute), Threshold: 20, MaxSpeed: true},
		},
		{
			name:  "defaults",
			flags: programFlags{mode: "tornado"},
			want:  config.Program{Mode: "tornado"},
		},
		{
			name:  "circuit path is absolute",
			flags: programFlags{mode: "circuit", circuit: "square.txt"},
			want:  config.Program{Mode: "circuit", Circuit: abs},
		},
		{
			name:  "circuit ignored outside circuit mode",
			flags: programFlags{mode: "twister", circuit: "square.txt"},
			want:  config.Program{Mode: "twister"},
		},
		{name: "missing mode", flags: programFlags{}, wantErr: navigation.ErrUnknownMode},
		{name: "unknown mode", flags: programFlags{mode: "zigzag"}, wantErr: navigation.ErrUnknownMode},
		{name: "circuit without script", flags: programFlags{mode: "circuit"}, wantErr: navigation.ErrScript},
		{name: "negative time", flags: programFlags{mode: "simple", seconds: -1}, wantErr: errAny},
		{name: "negative distance", flags: programFlags{mode: "simple", distance: -5}, wantErr: errAny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.program()
			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("program() = %+v, want error", got)
				}
				if tt.wantErr != errAny && !errors.Is(err, tt.wantErr) {
					t.Errorf("program() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("program() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("program() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestProgramOptions(t *testing.T) {
	conf := config.NewFileFromConfig(nil, "")
	defaults := conf.Navigation()

	opts := programOptions(conf, config.Program{Mode: "simple"})
	if opts.Budget != defaults.Budget.D() || opts.Threshold != defaults.Threshold {
		t.Errorf("zero program should keep the defaults, got budget %v threshold %v", opts.Budget, opts.Threshold)
	}

	opts = programOptions(conf, config.Program{Mode: "simple", Budget: config.Duration(5 * time.Second), Threshold: 12, MaxSpeed: true})
	if opts.Budget != 5*time.Second || opts.Threshold != 12 || !opts.MaxSpeed {
		t.Errorf("overrides not applied: %+v", opts)
	}
	if opts.Tick != defaults.Tick.D() {
		t.Errorf("tick = %v, want %v", opts.Tick, defaults.Tick.D())
	}
}

func event(t *testing.T, name string, payload any) events.Event {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return events.Event{Name: name, Data: b}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		ev   events.Event
		want string
	}{
		{event(t, events.ProgramState, events.ProgramStateEvent{Program: "simple", State: "started"}), "simple started"},
		{event(t, events.ProgramState, events.ProgramStateEvent{Program: "circuit", State: "failed", Message: "boom"}), "circuit failed: boom"},
		{event(t, events.Obstacle, events.ObstacleEvent{Program: "simple", Distance: 12.5}), "simple obstacle at 12.5cm"},
		{event(t, events.Obstacle, events.ObstacleEvent{Program: "simple", Distance: -1}), "simple obstacle (no echo)"},
		{event(t, events.Obstacle, events.ObstacleEvent{Program: "simple", Distance: 80, Cleared: true}), "simple path clear at 80.0cm"},
		{event(t, events.Maneuver, events.ManeuverEvent{Program: "simple", Direction: "right", Angle: 90, Attempt: 0}), "simple turning right by 90 degrees (attempt 0)"},
		{event(t, events.CalibrationPhase, events.CalibrationPhaseEvent{From: "idle", To: "sweeping", Message: "calibrating wheels"}), "calibration idle -> sweeping: calibrating wheels"},
		{events.Event{Name: "other", Data: []byte(`{"x":1}`)}, `other {"x":1}`},
	}
	for _, tt := range tests {
		if got := formatEvent(tt.ev); got != tt.want {
			t.Errorf("formatEvent(%s) = %q, want %q", tt.ev.Name, got, tt.want)
		}
	}
}

func TestRenderCalibration(t *testing.T) {
	left := calibration.Table{{DutyCycle: 300000, Speed: 8}, {DutyCycle: 400000, Speed: 20}, {DutyCycle: 500000, Speed: 31}}
	right := calibration.Table{{DutyCycle: 400000, Speed: 18}, {DutyCycle: 500000, Speed: 29}}

	out := renderCalibration(calibration.Bounds{Min: 18, Max: 29}, left, right)
	for _, want := range []string{"Left duty", "Right speed", "300000", "31", "29"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered table misses %q:\n%s", want, out)
		}
	}
	// header, three rows, top and bottom border, header separator
	if lines := strings.Count(out, "\n") + 1; lines != 7 {
		t.Errorf("rendered %d lines, want 7:\n%s", lines, out)
	}
}
