package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fae-run/fae-core/pkg/types"
)

// NextDue computes the next instant task is due to fire given now, as a
// pure function of task.Schedule and task.LastRun.
func NextDue(task types.ScheduledTask, startedAt, now time.Time) time.Time {
	switch task.Schedule.Kind {
	case types.ScheduleInterval:
		if task.LastRun == nil {
			return startedAt.Add(task.Schedule.Interval)
		}
		return task.LastRun.Add(task.Schedule.Interval)
	case types.ScheduleDaily:
		return nextDailyOccurrence(task.Schedule.Hour, task.Schedule.Minute, lastRunOrStart(task, startedAt))
	case types.ScheduleWeekly:
		return nextWeeklyOccurrence(task.Schedule.Weekday, task.Schedule.Hour, task.Schedule.Minute, lastRunOrStart(task, startedAt))
	default:
		return time.Time{}
	}
}

func lastRunOrStart(task types.ScheduledTask, startedAt time.Time) time.Time {
	if task.LastRun != nil {
		return *task.LastRun
	}
	return startedAt
}

// nextDailyOccurrence returns the next local-time occurrence of hour:minute
// strictly after after.
func nextDailyOccurrence(hour, minute int, after time.Time) time.Time {
	loc := after.Location()
	candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// nextWeeklyOccurrence returns the next local-time occurrence of
// weekday/hour/minute strictly after after.
func nextWeeklyOccurrence(weekday time.Weekday, hour, minute int, after time.Time) time.Time {
	candidate := nextDailyOccurrence(hour, minute, after)
	for candidate.Weekday() != weekday {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// TaskState is the persisted (scheduler.json) representation of one
// ScheduledTask.
type TaskState struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   ScheduleState `json:"schedule"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	Enabled    bool          `json:"enabled"`
	Generation uint64        `json:"generation"`
}

// ScheduleState is the wire form of types.Schedule.
type ScheduleState struct {
	Type     string `json:"type"` // "interval" | "daily" | "weekly"
	Interval string `json:"interval,omitempty"`
	Hour     int    `json:"hour,omitempty"`
	Minute   int    `json:"minute,omitempty"`
	Weekday  int    `json:"weekday,omitempty"`
}

func (s ScheduleState) toSchedule() (types.Schedule, error) {
	switch s.Type {
	case "interval":
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return types.Schedule{}, fmt.Errorf("scheduler: invalid interval %q: %w", s.Interval, err)
		}
		return types.Schedule{Kind: types.ScheduleInterval, Interval: d}, nil
	case "daily":
		return types.Schedule{Kind: types.ScheduleDaily, Hour: s.Hour, Minute: s.Minute}, nil
	case "weekly":
		return types.Schedule{Kind: types.ScheduleWeekly, Hour: s.Hour, Minute: s.Minute, Weekday: time.Weekday(s.Weekday)}, nil
	default:
		return types.Schedule{}, fmt.Errorf("scheduler: unknown schedule type %q", s.Type)
	}
}

func fromSchedule(sch types.Schedule) ScheduleState {
	switch sch.Kind {
	case types.ScheduleInterval:
		return ScheduleState{Type: "interval", Interval: sch.Interval.String()}
	case types.ScheduleDaily:
		return ScheduleState{Type: "daily", Hour: sch.Hour, Minute: sch.Minute}
	case types.ScheduleWeekly:
		return ScheduleState{Type: "weekly", Hour: sch.Hour, Minute: sch.Minute, Weekday: int(sch.Weekday)}
	default:
		return ScheduleState{}
	}
}

func (t TaskState) toTask() (types.ScheduledTask, error) {
	sch, err := t.Schedule.toSchedule()
	if err != nil {
		return types.ScheduledTask{}, err
	}
	return types.ScheduledTask{
		ID: t.ID, Name: t.Name, Schedule: sch, LastRun: t.LastRun,
		Enabled: t.Enabled, Generation: t.Generation,
	}, nil
}

func fromTask(task types.ScheduledTask) TaskState {
	return TaskState{
		ID: task.ID, Name: task.Name, Schedule: fromSchedule(task.Schedule),
		LastRun: task.LastRun, Enabled: task.Enabled, Generation: task.Generation,
	}
}

// taskStore is the persisted list of tasks (scheduler.json).
type taskStore struct {
	Tasks []TaskState `json:"tasks"`
}

// TaskRegistry loads and persists ScheduledTask definitions from the
// scheduler's state file, and exposes CRUD for the host boundary's
// scheduler.list/create/update/delete commands.
type TaskRegistry struct {
	path string
}

// NewTaskRegistry returns a TaskRegistry backed by the file at path.
func NewTaskRegistry(path string) *TaskRegistry {
	return &TaskRegistry{path: path}
}

// List returns every persisted task.
func (r *TaskRegistry) List() ([]types.ScheduledTask, error) {
	store, err := r.read()
	if err != nil {
		return nil, err
	}
	tasks := make([]types.ScheduledTask, 0, len(store.Tasks))
	for _, ts := range store.Tasks {
		task, err := ts.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Upsert creates task if its ID is new, or replaces the existing definition
// and bumps Generation if the schedule changed.
func (r *TaskRegistry) Upsert(task types.ScheduledTask) error {
	store, err := r.read()
	if err != nil {
		return err
	}
	for i, ts := range store.Tasks {
		if ts.ID == task.ID {
			existing, err := ts.toTask()
			if err != nil {
				return err
			}
			if existing.Schedule != task.Schedule {
				task.Generation = existing.Generation + 1
			} else {
				task.Generation = existing.Generation
			}
			store.Tasks[i] = fromTask(task)
			return r.write(store)
		}
	}
	store.Tasks = append(store.Tasks, fromTask(task))
	return r.write(store)
}

// Delete removes the task with the given ID. Returns false if it did not
// exist.
func (r *TaskRegistry) Delete(id string) (bool, error) {
	store, err := r.read()
	if err != nil {
		return false, err
	}
	for i, ts := range store.Tasks {
		if ts.ID == id {
			store.Tasks = append(store.Tasks[:i], store.Tasks[i+1:]...)
			return true, r.write(store)
		}
	}
	return false, nil
}

// MarkRun updates the given task's LastRun and persists it.
func (r *TaskRegistry) MarkRun(id string, at time.Time) error {
	store, err := r.read()
	if err != nil {
		return err
	}
	for i, ts := range store.Tasks {
		if ts.ID == id {
			t := at
			store.Tasks[i].LastRun = &t
			return r.write(store)
		}
	}
	return fmt.Errorf("scheduler: unknown task %q", id)
}

func (r *TaskRegistry) read() (taskStore, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return taskStore{}, nil
		}
		return taskStore{}, fmt.Errorf("scheduler: read task state: %w", err)
	}
	var store taskStore
	if err := json.Unmarshal(data, &store); err != nil {
		return taskStore{}, fmt.Errorf("scheduler: corrupt task state: %w", err)
	}
	return store, nil
}

func (r *TaskRegistry) write(store taskStore) error {
	return atomicWriteJSON(r.path, store)
}
