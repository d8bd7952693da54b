package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fae-run/fae-core/internal/observe"
	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/types"
)

// TickCadence is the scheduler loop's maximum wake interval; a due task
// fires as soon as it becomes due, but the loop never sleeps longer than
// this even with nothing due, so newly created tasks and config changes are
// observed promptly.
const TickCadence = 60 * time.Second

// Executor runs one scheduled task to completion. Implementations must not
// panic; Scheduler recovers a panicking Executor and reports it as
// types.OutcomeError.
type Executor func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error)

// Scheduler is the Scheduler Authority: it holds leadership via LeaseManager,
// dedupes executions via Ledger, and fires due tasks from TaskRegistry
// through Executor, publishing outcomes onto the Event Bus.
type Scheduler struct {
	lease     *LeaseManager
	ledger    *Ledger
	tasks     *TaskRegistry
	exec      Executor
	bus       *eventbus.Bus
	metrics   *observe.Metrics
	startedAt time.Time
}

// SetMetrics attaches observability instruments. Must be called before Run.
func (s *Scheduler) SetMetrics(m *observe.Metrics) {
	s.metrics = m
}

// New returns a Scheduler wired to the given lease/ledger/task files and
// executor. startedAt anchors Interval schedules' first fire.
func New(lease *LeaseManager, ledger *Ledger, tasks *TaskRegistry, exec Executor, bus *eventbus.Bus, startedAt time.Time) *Scheduler {
	return &Scheduler{lease: lease, ledger: ledger, tasks: tasks, exec: exec, bus: bus, startedAt: startedAt}
}

// Run blocks until ctx is cancelled, alternating between attempting
// leadership (as a Follower/Candidate) and, once Leader, heartbeating every
// HeartbeatInterval and firing due tasks. The tick timer sleeps until the
// earliest enabled task comes due, never longer than TickCadence, so a due
// task fires promptly instead of waiting out a fixed-period tick.
func (s *Scheduler) Run(ctx context.Context) error {
	hb := time.NewTicker(HeartbeatInterval)
	defer hb.Stop()

	wake := time.NewTimer(0)
	defer wake.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.lease.State() == StateLeader {
				_ = s.lease.Release(context.Background())
			}
			return ctx.Err()
		case <-hb.C:
			s.maintainLease(ctx, time.Now())
		case <-wake.C:
			if err := s.tick(ctx); err != nil {
				slog.Warn("scheduler: tick failed", "error", err)
			}
			wake.Reset(s.nextWake(time.Now()))
		}
	}
}

// maintainLease acquires or renews leadership. Fresh leadership reconciles
// any ledger entries a dead predecessor left in_progress.
func (s *Scheduler) maintainLease(ctx context.Context, now time.Time) {
	if s.lease.State() == StateLeader {
		if err := s.lease.Heartbeat(ctx, now); err != nil {
			slog.Warn("scheduler: heartbeat failed, may lose leadership", "error", err)
		}
		return
	}

	acquired, err := s.lease.TryAcquire(ctx, now)
	if err != nil {
		slog.Warn("scheduler: acquire lease failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	if n, err := s.ledger.ReconcileStaleInProgress(now.Add(-LeaseTTL)); err != nil {
		slog.Warn("scheduler: reconcile stale ledger entries failed", "error", err)
	} else if n > 0 {
		slog.Info("scheduler: reconciled stale in_progress entries from a prior leader", "count", n)
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	now := time.Now()
	s.maintainLease(ctx, now)
	if s.lease.State() != StateLeader {
		return nil
	}

	tasks, err := s.tasks.List()
	if err != nil {
		return fmt.Errorf("scheduler: list tasks: %w", err)
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		due := NextDue(task, s.startedAt, now)
		if due.After(now) {
			continue
		}
		s.fire(ctx, task, due)
	}
	return nil
}

// nextWake returns how long the loop may sleep before the earliest enabled
// task comes due, clamped to at most TickCadence (so new tasks and config
// changes are observed) and at least 50ms (so an overdue task cannot spin
// the loop).
func (s *Scheduler) nextWake(now time.Time) time.Duration {
	const minWake = 50 * time.Millisecond

	next := TickCadence
	tasks, err := s.tasks.List()
	if err != nil {
		return next
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		due := NextDue(task, s.startedAt, now)
		if due.IsZero() {
			continue
		}
		if d := due.Sub(now); d < next {
			next = d
		}
	}
	if next < minWake {
		next = minWake
	}
	return next
}

// ErrNotLeader is returned by TriggerNow when this instance does not
// currently hold the scheduler leader lease, so it must not run tasks to
// avoid a duplicate concurrent execution by whichever instance does.
var ErrNotLeader = errors.New("scheduler: not the leader")

// ErrTaskNotFound is returned by TriggerNow when no registered task matches
// taskID.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// TriggerNow runs taskID immediately, bypassing its schedule, in response to
// a host-issued manual trigger. It reuses fire's ordinary ledger-dedupe and
// result-publishing path, so a manual trigger racing the tick loop's own due
// check for the same task cannot run it twice: the ledger.Begin call inside
// fire is the single source of truth either path honors.
func (s *Scheduler) TriggerNow(ctx context.Context, taskID string) error {
	if s.lease.State() != StateLeader {
		return ErrNotLeader
	}
	tasks, err := s.tasks.List()
	if err != nil {
		return fmt.Errorf("scheduler: list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.ID == taskID {
			s.fire(ctx, task, time.Now())
			return nil
		}
	}
	return ErrTaskNotFound
}

func (s *Scheduler) fire(ctx context.Context, task types.ScheduledTask, scheduledAt time.Time) {
	runKey := types.RunKey{TaskID: task.ID, ScheduledAt: scheduledAt, Generation: task.Generation}

	if s.metrics != nil {
		if jitter := time.Since(scheduledAt); jitter > 0 {
			s.metrics.SchedulerJitter.Record(ctx, jitter.Seconds())
		}
	}

	alreadyRun, err := s.ledger.Begin(runKey)
	if err != nil {
		slog.Warn("scheduler: ledger begin failed, skipping fire", "task_id", task.ID, "error", err)
		return
	}
	if alreadyRun {
		return
	}

	outcome, detail := s.execute(ctx, task)

	if err := s.tasks.MarkRun(task.ID, scheduledAt); err != nil {
		slog.Warn("scheduler: mark run failed", "task_id", task.ID, "error", err)
	}

	status := RunSuccess
	switch outcome {
	case types.OutcomeNeedsUserAction:
		status = RunNeedsUser
	case types.OutcomeError:
		status = RunError
	}
	if err := s.ledger.Complete(runKey, status, detail); err != nil {
		slog.Warn("scheduler: ledger complete failed", "task_id", task.ID, "error", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.SchedulerTaskResultEvent{TaskID: task.ID, Outcome: outcome})
		if outcome == types.OutcomeNeedsUserAction {
			s.bus.Publish(events.SchedulerNeedsUserActionEvent{Prompt: detail})
		}
	}
}

// execute runs the task's executor, converting a panic into
// types.OutcomeError per the "a task that panics is reported as Error"
// failure semantics.
func (s *Scheduler) execute(ctx context.Context, task types.ScheduledTask) (outcome types.TaskOutcome, detail string) {
	defer func() {
		if r := recover(); r != nil {
			outcome = types.OutcomeError
			detail = fmt.Sprintf("panic: %v", r)
		}
	}()

	o, msg, err := s.exec(ctx, task)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return types.OutcomeError, "cancelled: " + err.Error()
		}
		return types.OutcomeError, err.Error()
	}
	return o, msg
}
