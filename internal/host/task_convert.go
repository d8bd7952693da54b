package host

import (
	"fmt"
	"time"

	"github.com/fae-run/fae-core/pkg/types"
)

// taskToPayload and payloadToTask translate between types.ScheduledTask and
// its wire shape. TaskRegistry's equivalent conversion
// (scheduler.TaskState.toTask and scheduler.fromTask) is unexported, so the Host Boundary
// keeps its own copy rather than reaching into that package's internals.
func taskToPayload(t types.ScheduledTask) TaskPayload {
	p := TaskPayload{
		ID:      t.ID,
		Name:    t.Name,
		Enabled: t.Enabled,
		Schedule: SchedulePayload{
			Type:    string(t.Schedule.Kind),
			Hour:    t.Schedule.Hour,
			Minute:  t.Schedule.Minute,
			Weekday: int(t.Schedule.Weekday),
		},
	}
	if t.Schedule.Kind == types.ScheduleInterval {
		p.Schedule.Interval = t.Schedule.Interval.String()
	}
	if t.LastRun != nil {
		s := t.LastRun.UTC().Format(time.RFC3339)
		p.LastRun = &s
	}
	return p
}

func payloadToTask(p TaskPayload) (types.ScheduledTask, error) {
	if p.ID == "" {
		return types.ScheduledTask{}, fmt.Errorf("task id is required")
	}

	kind := types.ScheduleKind(p.Schedule.Type)
	switch kind {
	case types.ScheduleInterval, types.ScheduleDaily, types.ScheduleWeekly:
	default:
		return types.ScheduledTask{}, fmt.Errorf("unknown schedule type %q", p.Schedule.Type)
	}

	sched := types.Schedule{
		Kind:    kind,
		Hour:    p.Schedule.Hour,
		Minute:  p.Schedule.Minute,
		Weekday: time.Weekday(p.Schedule.Weekday),
	}
	if kind == types.ScheduleInterval {
		d, err := time.ParseDuration(p.Schedule.Interval)
		if err != nil {
			return types.ScheduledTask{}, fmt.Errorf("invalid interval %q: %w", p.Schedule.Interval, err)
		}
		sched.Interval = d
	}

	task := types.ScheduledTask{
		ID:       p.ID,
		Name:     p.Name,
		Schedule: sched,
		Enabled:  p.Enabled,
	}
	if p.LastRun != nil {
		t, err := time.Parse(time.RFC3339, *p.LastRun)
		if err != nil {
			return types.ScheduledTask{}, fmt.Errorf("invalid last_run %q: %w", *p.LastRun, err)
		}
		task.LastRun = &t
	}
	return task, nil
}
