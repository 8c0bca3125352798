package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func intervalJob(id string, ms int64, run func(ctx context.Context) error) *Job {
	return &Job{
		ID:       id,
		Schedule: Schedule{Kind: "interval", IntervalMs: ms},
		Run:      run,
	}
}

func TestJobValidate(t *testing.T) {
	noop := func(ctx context.Context) error { return nil }

	tests := []struct {
		name    string
		job     *Job
		wantErr bool
	}{
		{"valid interval", intervalJob("a", 100, noop), false},
		{"valid cron", &Job{ID: "b", Schedule: Schedule{Kind: "cron", Expr: "*/5 * * * *"}, Run: noop}, false},
		{"missing id", intervalJob("", 100, noop), true},
		{"missing run", &Job{ID: "c", Schedule: Schedule{Kind: "interval", IntervalMs: 100}}, true},
		{"zero interval", intervalJob("d", 0, noop), true},
		{"empty cron expr", &Job{ID: "e", Schedule: Schedule{Kind: "cron"}, Run: noop}, true},
		{"bad cron expr", &Job{ID: "f", Schedule: Schedule{Kind: "cron", Expr: "not cron"}, Run: noop}, true},
		{"unknown kind", &Job{ID: "g", Schedule: Schedule{Kind: "hourly"}, Run: noop}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleFor(t *testing.T) {
	s, err := ScheduleFor("@every 5m")
	if err != nil {
		t.Fatalf("ScheduleFor(@every): %v", err)
	}
	if s.Kind != "interval" || s.IntervalMs != 5*60*1000 {
		t.Errorf("schedule = %+v, want 5m interval", s)
	}

	s, err = ScheduleFor("0 3 * * *")
	if err != nil {
		t.Fatalf("ScheduleFor(cron): %v", err)
	}
	if s.Kind != "cron" || s.Expr != "0 3 * * *" {
		t.Errorf("schedule = %+v, want cron", s)
	}

	if _, err := ScheduleFor("@every soon"); err == nil {
		t.Error("bad @every duration must error")
	}
	if _, err := ScheduleFor("whenever"); err == nil {
		t.Error("unparseable schedule must error")
	}
}

func TestNextRunInterval(t *testing.T) {
	job := intervalJob("a", 1500, func(ctx context.Context) error { return nil })
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := job.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := from.Add(1500 * time.Millisecond); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestAddJobRejectsDuplicates(t *testing.T) {
	s := NewScheduler(nil)
	noop := func(ctx context.Context) error { return nil }

	if err := s.AddJob(intervalJob("persist", 100, noop)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob(intervalJob("persist", 100, noop)); err == nil {
		t.Error("duplicate job id must error")
	}
	if err := s.AddJob(intervalJob("", 100, noop)); err == nil {
		t.Error("invalid job must be rejected")
	}
}

func TestSchedulerRunsIntervalJob(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int32
	err := s.AddJob(intervalJob("tick", 20, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runs.Load(); got < 2 {
		t.Fatalf("job ran %d times, want at least 2", got)
	}

	states := s.JobStates()
	state, ok := states["tick"]
	if !ok {
		t.Fatal("no state recorded for job")
	}
	if state.RunCount < 2 {
		t.Errorf("runCount = %d, want at least 2", state.RunCount)
	}
	if state.ErrorCount != 0 {
		t.Errorf("errorCount = %d, want 0", state.ErrorCount)
	}
	if state.LastRunAt.IsZero() {
		t.Error("lastRunAt not recorded")
	}
}

func TestSchedulerRecordsErrors(t *testing.T) {
	s := NewScheduler(nil)
	boom := errors.New("disk full")
	err := s.AddJob(intervalJob("flaky", 20, func(ctx context.Context) error {
		return boom
	}))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.JobStates()["flaky"].ErrorCount == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	state := s.JobStates()["flaky"]
	if state.ErrorCount == 0 {
		t.Fatal("error never recorded")
	}
	if state.LastError != "disk full" {
		t.Errorf("lastError = %q, want disk full", state.LastError)
	}
}

func TestSchedulerStopHaltsJobs(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int32
	err := s.AddJob(intervalJob("tick", 10, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	before := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if after := runs.Load(); after != before {
		t.Errorf("job still running after Stop: %d -> %d", before, after)
	}
}
