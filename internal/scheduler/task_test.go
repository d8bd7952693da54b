package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fae-run/fae-core/pkg/types"
)

func TestNextDue_Interval(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := types.ScheduledTask{
		ID:       "backup",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: time.Hour},
	}

	// First fire anchors on startedAt.
	require.Equal(t, startedAt.Add(time.Hour), NextDue(task, startedAt, startedAt))

	lastRun := startedAt.Add(3 * time.Hour)
	task.LastRun = &lastRun
	require.Equal(t, lastRun.Add(time.Hour), NextDue(task, startedAt, lastRun))
}

func TestNextDue_Daily(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := types.ScheduledTask{
		ID:       "digest",
		Schedule: types.Schedule{Kind: types.ScheduleDaily, Hour: 9, Minute: 30},
	}

	// 09:30 has already passed today, so the next occurrence is tomorrow.
	due := NextDue(task, startedAt, startedAt)
	require.Equal(t, time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC), due)

	// A last run just before 09:30 schedules the same day.
	lastRun := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	task.LastRun = &lastRun
	require.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), NextDue(task, startedAt, lastRun))

	// A last run exactly at 09:30 must be strictly after, so next day.
	lastRun = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC), NextDue(task, startedAt, lastRun))
}

func TestNextDue_Weekly(t *testing.T) {
	t.Parallel()

	// 2025-03-01 is a Saturday.
	startedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := types.ScheduledTask{
		ID:       "cleanup",
		Schedule: types.Schedule{Kind: types.ScheduleWeekly, Weekday: time.Monday, Hour: 7, Minute: 0},
	}

	due := NextDue(task, startedAt, startedAt)
	require.Equal(t, time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC), due)
	require.Equal(t, time.Monday, due.Weekday())
}

func TestTaskRegistry_UpsertBumpsGenerationOnScheduleChange(t *testing.T) {
	t.Parallel()

	reg := NewTaskRegistry(filepath.Join(t.TempDir(), "scheduler.json"))
	task := types.ScheduledTask{
		ID:       "backup",
		Name:     "nightly backup",
		Schedule: types.Schedule{Kind: types.ScheduleDaily, Hour: 2, Minute: 0},
		Enabled:  true,
	}
	require.NoError(t, reg.Upsert(task))

	tasks, err := reg.List()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, uint64(0), tasks[0].Generation)

	// Same schedule keeps the generation.
	task.Name = "nightly backup (renamed)"
	require.NoError(t, reg.Upsert(task))
	tasks, err = reg.List()
	require.NoError(t, err)
	require.Equal(t, uint64(0), tasks[0].Generation)

	// A schedule change bumps it.
	task.Schedule = types.Schedule{Kind: types.ScheduleDaily, Hour: 3, Minute: 0}
	require.NoError(t, reg.Upsert(task))
	tasks, err = reg.List()
	require.NoError(t, err)
	require.Equal(t, uint64(1), tasks[0].Generation)
}

func TestTaskRegistry_PersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	reg := NewTaskRegistry(path)

	lastRun := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Upsert(types.ScheduledTask{
		ID:       "rotate",
		Name:     "rotate backups",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: 6 * time.Hour},
		Enabled:  true,
	}))
	require.NoError(t, reg.MarkRun("rotate", lastRun))

	// A fresh registry over the same file sees the same state.
	reloaded, err := NewTaskRegistry(path).List()
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	require.Equal(t, "rotate", reloaded[0].ID)
	require.Equal(t, 6*time.Hour, reloaded[0].Schedule.Interval)
	require.NotNil(t, reloaded[0].LastRun)
	require.True(t, reloaded[0].LastRun.Equal(lastRun))
}

func TestTaskRegistry_Delete(t *testing.T) {
	t.Parallel()

	reg := NewTaskRegistry(filepath.Join(t.TempDir(), "scheduler.json"))
	require.NoError(t, reg.Upsert(types.ScheduledTask{
		ID:       "tmp",
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Interval: time.Minute},
	}))

	removed, err := reg.Delete("tmp")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = reg.Delete("tmp")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestTaskRegistry_MarkRunUnknownTask(t *testing.T) {
	t.Parallel()

	reg := NewTaskRegistry(filepath.Join(t.TempDir(), "scheduler.json"))
	require.Error(t, reg.MarkRun("ghost", time.Now()))
}

func TestScheduleState_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, sch := range []types.Schedule{
		{Kind: types.ScheduleInterval, Interval: 90 * time.Second},
		{Kind: types.ScheduleDaily, Hour: 23, Minute: 59},
		{Kind: types.ScheduleWeekly, Weekday: time.Friday, Hour: 17, Minute: 0},
	} {
		got, err := fromSchedule(sch).toSchedule()
		require.NoError(t, err)
		require.Equal(t, sch, got)
	}
}
