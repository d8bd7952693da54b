package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/types"
)

func newTestScheduler(t *testing.T, exec Executor, bus *eventbus.Bus) (*Scheduler, *TaskRegistry) {
	t.Helper()
	dir := t.TempDir()
	lease := NewLeaseManager(filepath.Join(dir, "lease"), "test-instance")
	ledger := NewLedger(filepath.Join(dir, "ledger.json"))
	tasks := NewTaskRegistry(filepath.Join(dir, "scheduler.json"))
	startedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(lease, ledger, tasks, exec, bus, startedAt), tasks
}

func TestScheduler_FireExecutesExactlyOncePerRunKey(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	exec := func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		runs.Add(1)
		return types.OutcomeSuccess, "ok", nil
	}
	s, tasks := newTestScheduler(t, exec, nil)

	task := types.ScheduledTask{
		ID:       "backup",
		Name:     "backup",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: time.Hour},
		Enabled:  true,
	}
	require.NoError(t, tasks.Upsert(task))

	scheduledAt := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	s.fire(context.Background(), task, scheduledAt)
	s.fire(context.Background(), task, scheduledAt)

	require.Equal(t, int32(1), runs.Load(), "same run key must execute once")

	// The run updated LastRun.
	listed, err := tasks.List()
	require.NoError(t, err)
	require.NotNil(t, listed[0].LastRun)
	require.True(t, listed[0].LastRun.Equal(scheduledAt))
}

func TestScheduler_FirePublishesOutcome(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(16)
	defer sub.Close()

	exec := func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		return types.OutcomeNeedsUserAction, "update ready: apply or dismiss?", nil
	}
	s, tasks := newTestScheduler(t, exec, bus)

	task := types.ScheduledTask{
		ID:       "update-check",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: time.Hour},
		Enabled:  true,
	}
	require.NoError(t, tasks.Upsert(task))

	s.fire(context.Background(), task, time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC))

	var gotResult, gotPrompt bool
	timeout := time.After(2 * time.Second)
	for !(gotResult && gotPrompt) {
		select {
		case ev := <-sub.Events():
			switch e := ev.(type) {
			case events.SchedulerTaskResultEvent:
				require.Equal(t, "update-check", e.TaskID)
				require.Equal(t, types.OutcomeNeedsUserAction, e.Outcome)
				gotResult = true
			case events.SchedulerNeedsUserActionEvent:
				require.Equal(t, "update ready: apply or dismiss?", e.Prompt)
				gotPrompt = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events (result=%v prompt=%v)", gotResult, gotPrompt)
		}
	}
}

func TestScheduler_ExecutorPanicBecomesError(t *testing.T) {
	t.Parallel()

	exec := func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		panic("executor blew up")
	}
	s, _ := newTestScheduler(t, exec, nil)

	outcome, detail := s.execute(context.Background(), types.ScheduledTask{ID: "boom"})
	require.Equal(t, types.OutcomeError, outcome)
	require.Contains(t, detail, "executor blew up")
}

func TestScheduler_ExecutorErrorBecomesError(t *testing.T) {
	t.Parallel()

	exec := func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		return types.OutcomeSuccess, "", errors.New("disk full")
	}
	s, _ := newTestScheduler(t, exec, nil)

	outcome, detail := s.execute(context.Background(), types.ScheduledTask{ID: "backup"})
	require.Equal(t, types.OutcomeError, outcome)
	require.Equal(t, "disk full", detail)
}

func TestScheduler_TriggerNowRequiresLeadership(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		return types.OutcomeSuccess, "", nil
	}, nil)

	err := s.TriggerNow(context.Background(), "backup")
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestScheduler_TriggerNow(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	exec := func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		runs.Add(1)
		return types.OutcomeSuccess, "", nil
	}
	s, tasks := newTestScheduler(t, exec, nil)

	acquired, err := s.lease.TryAcquire(context.Background(), time.Now())
	require.NoError(t, err)
	require.True(t, acquired)

	require.ErrorIs(t, s.TriggerNow(context.Background(), "ghost"), ErrTaskNotFound)

	require.NoError(t, tasks.Upsert(types.ScheduledTask{
		ID:       "backup",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: time.Hour},
		Enabled:  true,
	}))
	require.NoError(t, s.TriggerNow(context.Background(), "backup"))
	require.Equal(t, int32(1), runs.Load())
}

func TestScheduler_NextWakeClampsToTickCadence(t *testing.T) {
	t.Parallel()

	s, tasks := newTestScheduler(t, func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		return types.OutcomeSuccess, "", nil
	}, nil)

	// No tasks: sleep the full cadence.
	require.Equal(t, TickCadence, s.nextWake(time.Now()))

	// A near-due task shortens the sleep; an overdue one floors it.
	now := s.startedAt.Add(30 * time.Minute)
	require.NoError(t, tasks.Upsert(types.ScheduledTask{
		ID:       "soon",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: 31 * time.Minute},
		Enabled:  true,
	}))
	wake := s.nextWake(now)
	require.LessOrEqual(t, wake, time.Minute)
	require.Greater(t, wake, time.Duration(0))

	require.NoError(t, tasks.Upsert(types.ScheduledTask{
		ID:       "overdue",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: time.Minute},
		Enabled:  true,
	}))
	require.Equal(t, 50*time.Millisecond, s.nextWake(now))
}
