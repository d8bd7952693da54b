package host

import (
	"testing"
	"time"

	"github.com/fae-run/fae-core/pkg/types"
)

func TestPayloadToTask_Interval(t *testing.T) {
	p := TaskPayload{
		ID:   "t1",
		Name: "check mail",
		Schedule: SchedulePayload{
			Type:     string(types.ScheduleInterval),
			Interval: "15m",
		},
		Enabled: true,
	}

	task, err := payloadToTask(p)
	if err != nil {
		t.Fatalf("payloadToTask: %v", err)
	}
	if task.Schedule.Interval != 15*time.Minute {
		t.Errorf("Interval: got %v, want 15m", task.Schedule.Interval)
	}

	back := taskToPayload(task)
	if back.Schedule.Interval != "15m0s" {
		t.Errorf("round-trip Interval: got %q, want 15m0s", back.Schedule.Interval)
	}
}

func TestPayloadToTask_RejectsUnknownScheduleType(t *testing.T) {
	_, err := payloadToTask(TaskPayload{ID: "t2", Schedule: SchedulePayload{Type: "fortnightly"}})
	if err == nil {
		t.Fatal("expected error for unknown schedule type")
	}
}

func TestPayloadToTask_RequiresID(t *testing.T) {
	_, err := payloadToTask(TaskPayload{Schedule: SchedulePayload{Type: string(types.ScheduleDaily)}})
	if err == nil {
		t.Fatal("expected error for missing task id")
	}
}

func TestTaskToPayload_LastRun(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := types.ScheduledTask{
		ID:       "t3",
		Schedule: types.Schedule{Kind: types.ScheduleDaily, Hour: 9},
		LastRun:  &at,
	}
	p := taskToPayload(task)
	if p.LastRun == nil || *p.LastRun != "2026-01-02T03:04:05Z" {
		t.Errorf("LastRun: got %v, want 2026-01-02T03:04:05Z", p.LastRun)
	}
}
