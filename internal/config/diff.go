package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ToolModeChanged bool
	NewToolMode     ToolMode

	SchedulerTasksChanged bool
	SchedulerTaskChanges  []SchedulerTaskDiff
}

// SchedulerTaskDiff describes an enable/disable change for one task ID
// between two configs' SchedulerConfig.Tasks overrides.
type SchedulerTaskDiff struct {
	TaskID  string
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: the Pipeline
// Coordinator's log level and tool mode, and the Scheduler's per-task
// enable overrides. Provider and memory substrate changes require a
// restart and are intentionally not tracked here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.LLM.ToolMode != new.LLM.ToolMode {
		d.ToolModeChanged = true
		d.NewToolMode = new.LLM.ToolMode
	}

	for id, oldOverride := range old.Scheduler.Tasks {
		newOverride, exists := new.Scheduler.Tasks[id]
		if !exists {
			d.SchedulerTaskChanges = append(d.SchedulerTaskChanges, SchedulerTaskDiff{TaskID: id, Removed: true})
			d.SchedulerTasksChanged = true
			continue
		}
		if !boolPtrEqual(oldOverride.Enabled, newOverride.Enabled) {
			d.SchedulerTaskChanges = append(d.SchedulerTaskChanges, SchedulerTaskDiff{TaskID: id})
			d.SchedulerTasksChanged = true
		}
	}
	for id := range new.Scheduler.Tasks {
		if _, exists := old.Scheduler.Tasks[id]; !exists {
			d.SchedulerTaskChanges = append(d.SchedulerTaskChanges, SchedulerTaskDiff{TaskID: id, Added: true})
			d.SchedulerTasksChanged = true
		}
	}

	return d
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
