package daemon

import (
	"context"
	"errors"
	"testing"
)

func TestJobRunner(t *testing.T) {
	r := &jobRunner{}
	if _, ok := r.Cancel(); ok {
		t.Fatal("Cancel without a job reported true")
	}
	r.Wait() // no job yet

	release := make(chan struct{})
	err := r.Start(Job{Kind: KindProgram, Name: "simple", Source: sourceAPI}, func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !r.Running() || r.Status().Running.Name != "simple" {
		t.Fatalf("status = %+v", r.Status())
	}

	err = r.Start(Job{Kind: KindCalibration, Name: "wheels"}, func(context.Context) error { return nil })
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}

	close(release)
	r.Wait()
	st := r.Status()
	if st.Running != nil || st.Last == nil || st.Last.Error != "" || st.Last.Finished.Before(st.Last.Started) {
		t.Fatalf("status after finish = %+v", st)
	}

	if err := r.Start(Job{Kind: KindCalibration, Name: "wheels"}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Start after finish failed: %v", err)
	}
	done, ok := r.Cancel()
	if !ok {
		t.Fatal("Cancel reported no job")
	}
	<-done
	if last := r.Status().Last; last.Kind != KindCalibration || last.Error != context.Canceled.Error() {
		t.Errorf("cancelled job = %+v", last)
	}
}

func TestJobRunnerRun(t *testing.T) {
	r := &jobRunner{}

	ran := false
	err := r.Run(Job{Kind: KindMeasurement, Name: "distance"}, func() {
		ran = true
		if err := r.Start(Job{Kind: KindProgram, Name: "simple"}, func(context.Context) error { return nil }); !errors.Is(err, ErrBusy) {
			t.Errorf("Start during Run = %v, want ErrBusy", err)
		}
		if _, ok := r.Cancel(); ok {
			t.Error("a measurement should not be cancellable")
		}
	})
	if err != nil || !ran {
		t.Fatalf("Run = %v, ran = %v", err, ran)
	}
	if st := r.Status(); st.Running != nil || st.Last != nil {
		t.Errorf("status after Run = %+v", st)
	}

	release := make(chan struct{})
	_ = r.Start(Job{Kind: KindProgram, Name: "simple"}, func(context.Context) error {
		<-release
		return nil
	})
	if err := r.Run(Job{Kind: KindMeasurement, Name: "distance"}, func() { t.Error("ran while busy") }); !errors.Is(err, ErrBusy) {
		t.Errorf("Run during a program = %v, want ErrBusy", err)
	}
	close(release)
	r.Wait()
}
