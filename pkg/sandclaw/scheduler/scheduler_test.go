package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/dispatch"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// fakeRunner records dispatched triggers and returns a canned result.
type fakeRunner struct {
	triggers []dispatch.Trigger
	result   *dispatch.RunResult
	err      error
}

func (f *fakeRunner) Dispatch(ctx context.Context, t dispatch.Trigger) (*dispatch.RunResult, error) {
	f.triggers = append(f.triggers, t)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testScheduler(t *testing.T, st *store.Store, runner Runner) *Scheduler {
	t.Helper()
	s := New(st, runner, Options{PollInterval: time.Hour}, slog.Default())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s
}

func TestCreateValidatesBeforePersisting(t *testing.T) {
	st := testStore(t)
	s := testScheduler(t, st, &fakeRunner{})

	tests := []struct {
		name string
		key  string
		spec dispatch.TaskSpec
	}{
		{"missing group", "", dispatch.TaskSpec{Prompt: "p", ScheduleType: "interval", ScheduleValue: "1000"}},
		{"missing prompt", "g", dispatch.TaskSpec{ScheduleType: "interval", ScheduleValue: "1000"}},
		{"bad cron", "g", dispatch.TaskSpec{Prompt: "p", ScheduleType: "cron", ScheduleValue: "bogus"}},
		{"bad interval", "g", dispatch.TaskSpec{Prompt: "p", ScheduleType: "interval", ScheduleValue: "0"}},
		{"bad context mode", "g", dispatch.TaskSpec{Prompt: "p", ScheduleType: "interval", ScheduleValue: "1000", ContextMode: "shared"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Create(tt.key, tt.spec); err == nil {
				t.Error("Create accepted invalid input")
			}
		})
	}

	tasks, err := st.ListTasks("")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("rejected creates persisted %d tasks", len(tasks))
	}
}

func TestCreateSetsInitialNextRun(t *testing.T) {
	st := testStore(t)
	s := testScheduler(t, st, &fakeRunner{})

	before := time.Now()
	task, err := s.Create("home", dispatch.TaskSpec{
		ChatID:        "chat-1",
		Prompt:        "water the plants",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if task.Status != store.StatusActive {
		t.Errorf("status = %q, want active", task.Status)
	}
	if task.ContextMode != store.ContextGroup {
		t.Errorf("context mode = %q, want group default", task.ContextMode)
	}
	if task.NextRun == nil {
		t.Fatal("next run not set")
	}
	if got := task.NextRun.Sub(before); got < 59*time.Second || got > 62*time.Second {
		t.Errorf("next run %s from creation, want ~1m", got)
	}

	stored, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Prompt != "water the plants" {
		t.Errorf("stored prompt = %q", stored.Prompt)
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	st := testStore(t)
	s := testScheduler(t, st, &fakeRunner{})

	task, err := s.Create("home", dispatch.TaskSpec{
		Prompt:        "check the door",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Pause(task.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused, _ := st.GetTask(task.ID)
	if paused.Status != store.StatusPaused {
		t.Errorf("status after pause = %q", paused.Status)
	}

	// A paused task is never due.
	due, err := st.DueTasks(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("paused task reported due")
	}

	if err := s.Resume(task.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed, _ := st.GetTask(task.ID)
	if resumed.Status != store.StatusActive {
		t.Errorf("status after resume = %q", resumed.Status)
	}
	if resumed.NextRun == nil {
		t.Error("resume left next run unset")
	}

	// Resuming an active task is an error, as is pausing a completed one.
	if err := s.Resume(task.ID); err == nil {
		t.Error("Resume accepted an active task")
	}
}

func TestRunOneRecurringSuccess(t *testing.T) {
	st := testStore(t)
	runner := &fakeRunner{result: &dispatch.RunResult{Output: "done", ExitCode: 0}}
	s := testScheduler(t, st, runner)

	task, err := s.Create("home", dispatch.TaskSpec{
		ChatID:        "chat-1",
		Prompt:        "morning briefing",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.runOne(task)

	if len(runner.triggers) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(runner.triggers))
	}
	trig := runner.triggers[0]
	if trig.Source != dispatch.SourceScheduledTask {
		t.Errorf("trigger source = %q", trig.Source)
	}
	if trig.GroupKey != "home" || trig.Prompt != "morning briefing" {
		t.Errorf("trigger = %+v", trig)
	}

	updated, _ := st.GetTask(task.ID)
	if updated.Status != store.StatusActive {
		t.Errorf("status = %q, want active", updated.Status)
	}
	if updated.NextRun == nil || updated.LastRun == nil {
		t.Fatal("next_run/last_run not updated")
	}
	if !updated.NextRun.After(*updated.LastRun) {
		t.Error("next run not after completion")
	}
	if updated.LastResult != "ok" {
		t.Errorf("last result = %q", updated.LastResult)
	}

	logs, err := st.ListRunLogs(task.ID, 10)
	if err != nil {
		t.Fatalf("ListRunLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != store.RunSuccess {
		t.Errorf("run logs = %+v", logs)
	}
}

func TestRunOneOnceCompletesEvenOnFailure(t *testing.T) {
	st := testStore(t)
	runner := &fakeRunner{err: errors.New("sandbox exploded")}
	s := testScheduler(t, st, runner)

	task, err := s.Create("home", dispatch.TaskSpec{
		Prompt:        "one shot",
		ScheduleType:  store.ScheduleOnce,
		ScheduleValue: "1h",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.runOne(task)

	updated, _ := st.GetTask(task.ID)
	if updated.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", updated.Status)
	}
	if updated.NextRun != nil {
		t.Errorf("completed task kept next run %v", updated.NextRun)
	}

	logs, _ := st.ListRunLogs(task.ID, 10)
	if len(logs) != 1 || logs[0].Status != store.RunFailure {
		t.Fatalf("run logs = %+v", logs)
	}
	if logs[0].Error == "" {
		t.Error("failure log missing error text")
	}
}

func TestRunOneRecurringFailureKeepsCadence(t *testing.T) {
	st := testStore(t)
	runner := &fakeRunner{result: &dispatch.RunResult{ExitCode: 1, Failure: dispatch.FailTimeout}}
	s := testScheduler(t, st, runner)

	task, err := s.Create("home", dispatch.TaskSpec{
		Prompt:        "flaky job",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.runOne(task)

	updated, _ := st.GetTask(task.ID)
	if updated.Status != store.StatusActive {
		t.Errorf("recurring failure changed status to %q", updated.Status)
	}
	if updated.NextRun == nil {
		t.Fatal("recurring failure cleared next run")
	}

	logs, _ := st.ListRunLogs(task.ID, 10)
	if len(logs) != 1 || logs[0].Status != store.RunFailure {
		t.Fatalf("run logs = %+v", logs)
	}
	if logs[0].Error != dispatch.FailTimeout {
		t.Errorf("failure detail = %q, want %q", logs[0].Error, dispatch.FailTimeout)
	}
}

func TestTickSkipsInFlightTask(t *testing.T) {
	st := testStore(t)
	runner := &fakeRunner{result: &dispatch.RunResult{ExitCode: 0}}
	s := testScheduler(t, st, runner)

	task, err := s.Create("home", dispatch.TaskSpec{
		Prompt:        "slow job",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.mu.Lock()
	s.running[task.ID] = true
	s.mu.Unlock()

	s.tick(time.Now().Add(time.Minute))
	s.wg.Wait()

	if len(runner.triggers) != 0 {
		t.Errorf("in-flight task dispatched again %d times", len(runner.triggers))
	}
}

func TestCancelRemovesTask(t *testing.T) {
	st := testStore(t)
	s := testScheduler(t, st, &fakeRunner{})

	task, err := s.Create("home", dispatch.TaskSpec{
		Prompt:        "to be cancelled",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := st.GetTask(task.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("GetTask after cancel = %v, want ErrTaskNotFound", err)
	}
	if err := s.Cancel(task.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("second Cancel = %v, want ErrTaskNotFound", err)
	}
}
