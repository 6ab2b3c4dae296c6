package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robocar-go/robocar/pkg/calibration"
	"github.com/robocar-go/robocar/pkg/config"
	"github.com/robocar-go/robocar/pkg/events"
	"github.com/robocar-go/robocar/pkg/navigation"
	"github.com/robocar-go/robocar/pkg/pins"
	"github.com/robocar-go/robocar/pkg/powerinfo"
	"github.com/robocar-go/robocar/pkg/version"
	"github.com/robocar-go/robocar/pkg/wheel"
)

func TestGetStatus(t *testing.T) {
	_, router := setupTest(t)

	w := do(router, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /status = %d: %s", w.Code, w.Body)
	}
	var st StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if st.Vehicle.Bounds != (calibration.Bounds{Min: 10, Max: 70}) {
		t.Errorf("bounds = %v", st.Vehicle.Bounds)
	}
	if st.Job.Running != nil || st.Power != nil || st.Schedule.Enabled {
		t.Errorf("unexpected status %+v", st)
	}

	readPower = func() (*powerinfo.PowerPack, error) {
		return &powerinfo.PowerPack{State: powerinfo.Discharging, Percent: 80}, nil
	}
	w = do(router, http.MethodGet, "/status", "")
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if st.Power == nil || st.Power.Percent != 80 {
		t.Errorf("power = %+v", st.Power)
	}
}

func TestGetConfigAndVersion(t *testing.T) {
	_, router := setupTest(t)

	w := do(router, http.MethodGet, "/config", "")
	var raw config.RawFileConfig
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode config: %v", err)
	}
	if raw.Navigation.Threshold != 35 || raw.Pins.Trigger != 234 {
		t.Errorf("config = %+v", raw)
	}

	w = do(router, http.MethodGet, "/version", "")
	if w.Body.String() != `"`+version.Version+`"` {
		t.Errorf("GET /version = %s", w.Body)
	}
}

func TestPutProgram(t *testing.T) {
	r, router := setupTest(t)

	w := do(router, http.MethodPut, "/program", `{"mode":"simple","budget":"1s"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("PUT /program = %d: %s", w.Code, w.Body)
	}
	jobs.Wait()

	last := jobs.Status().Last
	if last == nil || last.Name != "simple" || last.Source != sourceAPI || last.Error != "" {
		t.Fatalf("last job = %+v", last)
	}
	log := r.Log()
	if log[0] != "min speed" || log[1] != "forward" {
		t.Errorf("program did not start with min speed and forward: %q", log)
	}
	if tail := log[len(log)-2:]; tail[0] != "stop" || tail[1] != "clear" {
		t.Errorf("program should end with stop and clear, got %q", tail)
	}
}

func TestPutProgramRejected(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(bad, []byte("x 90\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		body         string
		uncalibrated bool
		want         int
	}{
		{"unknown mode", `{"mode":"zigzag"}`, false, http.StatusBadRequest},
		{"no mode", `{}`, false, http.StatusBadRequest},
		{"missing script", `{"mode":"circuit"}`, false, http.StatusBadRequest},
		{"bad script", `{"mode":"circuit","circuit":"` + bad + `"}`, false, http.StatusBadRequest},
		{"negative threshold", `{"mode":"simple","threshold":-1}`, false, http.StatusBadRequest},
		{"malformed", `{"mode":`, false, http.StatusBadRequest},
		{"uncalibrated", `{"mode":"twister"}`, true, http.StatusPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, router := setupTest(t)
			if tt.uncalibrated {
				r.bounds = calibration.Bounds{}
			}

			w := do(router, http.MethodPut, "/program", tt.body)
			if w.Code != tt.want {
				t.Errorf("PUT /program = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
			if jobs.Running() || jobs.Status().Last != nil {
				t.Errorf("a job was started")
			}
			if log := r.Log(); len(log) != 0 {
				t.Errorf("commands issued: %q", log)
			}
		})
	}
}

func TestJobsAreExclusive(t *testing.T) {
	r, router := setupTest(t)
	r.calibrate = func(ctx context.Context) (calibration.Bounds, error) {
		<-ctx.Done()
		return calibration.Bounds{}, ctx.Err()
	}

	if w := do(router, http.MethodPost, "/calibration", ""); w.Code != http.StatusAccepted {
		t.Fatalf("POST /calibration = %d: %s", w.Code, w.Body)
	}
	for _, req := range []struct{ method, path, body string }{
		{http.MethodPut, "/program", `{"mode":"simple"}`},
		{http.MethodPost, "/calibration", ""},
		{http.MethodGet, "/distance", ""},
	} {
		if w := do(router, req.method, req.path, req.body); w.Code != http.StatusConflict {
			t.Errorf("%s %s = %d, want 409", req.method, req.path, w.Code)
		}
	}

	w := do(router, http.MethodDelete, "/program", "")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE /program = %d: %s", w.Code, w.Body)
	}
	var last JobResult
	if err := json.Unmarshal(w.Body.Bytes(), &last); err != nil {
		t.Fatalf("failed to decode job result: %v", err)
	}
	if last.Kind != KindCalibration || last.Error != context.Canceled.Error() {
		t.Errorf("cancelled job = %+v", last)
	}
	if r.saved != 0 {
		t.Errorf("cancelled calibration was saved")
	}

	if w := do(router, http.MethodDelete, "/program", ""); w.Code != http.StatusNotFound {
		t.Errorf("DELETE /program without a job = %d, want 404", w.Code)
	}
	if w := do(router, http.MethodGet, "/distance", ""); w.Code != http.StatusOK || w.Body.String() != "100" {
		t.Errorf("GET /distance = %d %s", w.Code, w.Body)
	}
}

func TestProgramRejectedDuringDistance(t *testing.T) {
	r, router := setupTest(t)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	r.measuring = func() {
		close(inFlight)
		<-release
	}

	measured := make(chan *httptest.ResponseRecorder, 1)
	go func() { measured <- do(router, http.MethodGet, "/distance", "") }()
	<-inFlight

	if w := do(router, http.MethodPut, "/program", `{"mode":"simple","budget":"1s"}`); w.Code != http.StatusConflict {
		t.Errorf("PUT /program during a measurement = %d, want 409", w.Code)
	}
	if st := jobs.Status(); st.Running == nil || st.Running.Kind != KindMeasurement {
		t.Errorf("running job = %+v, want the measurement", st.Running)
	}
	if log := r.Log(); len(log) != 1 || log[0] != "distance" {
		t.Errorf("robot commands during measurement: %q", log)
	}

	r.mu.Lock()
	r.measuring = nil
	r.mu.Unlock()
	close(release)
	if w := <-measured; w.Code != http.StatusOK || w.Body.String() != "100" {
		t.Fatalf("GET /distance = %d %s", w.Code, w.Body)
	}
	if st := jobs.Status(); st.Running != nil || st.Last != nil {
		t.Errorf("measurement left job state behind: %+v", st)
	}

	if w := do(router, http.MethodPut, "/program", `{"mode":"simple","budget":"1s"}`); w.Code != http.StatusAccepted {
		t.Fatalf("PUT /program after the measurement = %d: %s", w.Code, w.Body)
	}
	jobs.Wait()
}

func phases(t *testing.T, sub chan events.Event) []string {
	t.Helper()
	var got []string
	for len(sub) > 0 {
		ev := <-sub
		if ev.Name != events.CalibrationPhase {
			continue
		}
		p, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		got = append(got, p.From+">"+p.To)
	}
	return got
}

func TestCalibrationJob(t *testing.T) {
	r, router := setupTest(t)
	sub := sseHub.Subscribe()

	if w := do(router, http.MethodPost, "/calibration", ""); w.Code != http.StatusAccepted {
		t.Fatalf("POST /calibration = %d: %s", w.Code, w.Body)
	}
	jobs.Wait()

	if r.saved != 1 {
		t.Errorf("saved %d times, want 1", r.saved)
	}
	want := "idle>sweeping,sweeping>saving,saving>done"
	if got := strings.Join(phases(t, sub), ","); got != want {
		t.Errorf("phases = %s, want %s", got, want)
	}
	if b := robot.Status().Bounds; b != (calibration.Bounds{Min: 12, Max: 60}) {
		t.Errorf("bounds after calibration = %v", b)
	}
}

func TestCalibrationJobFailure(t *testing.T) {
	r, router := setupTest(t)
	r.calibrate = func(context.Context) (calibration.Bounds, error) {
		return calibration.Bounds{}, wheel.ErrDutyCycleOutOfRange
	}
	sub := sseHub.Subscribe()

	do(router, http.MethodPost, "/calibration", "")
	jobs.Wait()

	if r.saved != 0 {
		t.Errorf("failed calibration was saved")
	}
	if got := strings.Join(phases(t, sub), ","); got != "idle>sweeping,sweeping>error" {
		t.Errorf("phases = %s", got)
	}
	if last := jobs.Status().Last; last == nil || last.Error == "" {
		t.Errorf("last job = %+v, want an error", last)
	}
}

func TestGetCalibration(t *testing.T) {
	r, router := setupTest(t)
	r.left = calibration.Table{{DutyCycle: 1000, Speed: 10}, {DutyCycle: 4000, Speed: 70}}
	r.right = calibration.Table{{DutyCycle: 1000, Speed: 12}}

	w := do(router, http.MethodGet, "/calibration", "")
	var got calibrationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode calibration: %v", err)
	}
	if len(got.Left) != 2 || len(got.Right) != 1 || got.Left[1].Speed != 70 || got.Bounds.Max != 70 {
		t.Errorf("GET /calibration = %+v", got)
	}
}

func TestPutSchedule(t *testing.T) {
	_, router := setupTest(t)

	w := do(router, http.MethodPut, "/schedule", `{"cron":"@every 1h","mode":"twister","budget":"10s"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT /schedule = %d: %s", w.Code, w.Body)
	}
	var runs []time.Time
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatalf("failed to decode runs: %v", err)
	}
	if len(runs) != 3 || runs[1].Sub(runs[0]) != time.Hour {
		t.Errorf("next runs = %v", runs)
	}
	if st := scheduleStatus(); !st.Enabled || st.Mode != "twister" {
		t.Errorf("schedule status = %+v", st)
	}

	if err := conf.Load(); err != nil {
		t.Fatalf("failed to reload config: %v", err)
	}
	if s := conf.Schedule(); s.Cron != "@every 1h" || s.Budget.D() != 10*time.Second {
		t.Errorf("persisted schedule = %+v", s)
	}

	if w := do(router, http.MethodPost, "/schedule/skip", ""); w.Code != http.StatusCreated {
		t.Errorf("POST /schedule/skip = %d: %s", w.Code, w.Body)
	}
	if w := do(router, http.MethodPost, "/schedule/postpone", `"2h"`); w.Code != http.StatusBadRequest {
		t.Errorf("postponing past the following run = %d, want 400", w.Code)
	}

	if w := do(router, http.MethodPut, "/schedule", `{"cron":""}`); w.Code != http.StatusCreated {
		t.Fatalf("disabling schedule = %d: %s", w.Code, w.Body)
	}
	if st := scheduleStatus(); st.Enabled || len(st.NextRuns) != 0 {
		t.Errorf("schedule still enabled: %+v", st)
	}
	if w := do(router, http.MethodPost, "/schedule/skip", ""); w.Code != http.StatusBadRequest {
		t.Errorf("skip without schedule = %d, want 400", w.Code)
	}
}

func TestPutScheduleRejected(t *testing.T) {
	for _, body := range []string{
		`{"cron":"every hour","mode":"simple"}`,
		`{"cron":"@every 1h","mode":"zigzag"}`,
		`{"cron":"@every 1h","mode":"simple","budget":"-1s"}`,
	} {
		_, router := setupTest(t)
		if w := do(router, http.MethodPut, "/schedule", body); w.Code != http.StatusBadRequest {
			t.Errorf("PUT /schedule %s = %d, want 400", body, w.Code)
		}
		if conf.Schedule().Cron != "" {
			t.Errorf("rejected schedule was applied: %s", body)
		}
	}
}

func TestSchedulePreCheck(t *testing.T) {
	r, _ := setupTest(t)

	if err := schedulePreCheck(); err != nil {
		t.Errorf("unreadable power should not block: %v", err)
	}

	readPower = func() (*powerinfo.PowerPack, error) {
		return &powerinfo.PowerPack{State: powerinfo.Discharging, Percent: 5}, nil
	}
	if err := schedulePreCheck(); !errors.Is(err, errLowPower) {
		t.Errorf("precheck = %v, want errLowPower", err)
	}

	readPower = func() (*powerinfo.PowerPack, error) {
		return &powerinfo.PowerPack{State: powerinfo.Charging, Percent: 5}, nil
	}
	r.calibrate = func(ctx context.Context) (calibration.Bounds, error) {
		<-ctx.Done()
		return calibration.Bounds{}, ctx.Err()
	}
	if err := startCalibration(sourceAPI); err != nil {
		t.Fatal(err)
	}
	if err := schedulePreCheck(); !errors.Is(err, ErrBusy) {
		t.Errorf("precheck = %v, want ErrBusy", err)
	}
}

func TestScheduledProgramUsesScheduleConfig(t *testing.T) {
	r, _ := setupTest(t)
	conf.SetSchedule(config.Schedule{
		Cron:    "@every 1h",
		Program: config.Program{Mode: "simple", Budget: config.Duration(time.Second), MaxSpeed: true},
	})

	if err := runScheduledProgram(); err != nil {
		t.Fatalf("runScheduledProgram failed: %v", err)
	}
	jobs.Wait()
	if last := jobs.Status().Last; last.Source != sourceSchedule || last.Name != string(navigation.Simple) {
		t.Errorf("last job = %+v", last)
	}
	if log := r.Log(); log[0] != "max speed" {
		t.Errorf("scheduled program did not use max speed: %q", log)
	}
}

func TestEventsStream(t *testing.T) {
	_, router := setupTest(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sseHub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sseHub.Publish(events.ProgramState, events.ProgramStateEvent{Program: "simple", State: "started"})

	sc := bufio.NewScanner(resp.Body)
	var name, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if data != "" {
			break
		}
	}
	if name != events.ProgramState {
		t.Errorf("event name = %q", name)
	}
	got, err := events.DecodeAs[events.ProgramStateEvent](events.Event{Name: name, Data: json.RawMessage(data)})
	if err != nil || got.Program != "simple" || got.State != "started" {
		t.Errorf("event data = %q (%v)", data, err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrBusy, http.StatusConflict},
		{wheel.ErrCalibrating, http.StatusConflict},
		{pins.ErrPinBusy, http.StatusConflict},
		{navigation.ErrScript, http.StatusBadRequest},
		{navigation.ErrUnknownMode, http.StatusBadRequest},
		{wheel.ErrNotCalibrated, http.StatusPreconditionFailed},
		{powerinfo.ErrNoBattery, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
