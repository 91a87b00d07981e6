package power

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"oakci/internal/logging"
	"oakci/internal/store"
	"oakci/internal/types"
)

// cronParser accepts standard five-field expressions plus @-descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns scheduled task state. It never executes tasks itself; due
// tasks are dispatched to the runner callback and only their scheduling
// state (next_run_at, last_run_at) lives here.
type Scheduler struct {
	store  *store.Store
	runner func(task *types.ScheduledTask)
}

// NewScheduler creates a scheduler dispatching due tasks to runner.
func NewScheduler(st *store.Store, runner func(task *types.ScheduledTask)) *Scheduler {
	return &Scheduler{store: st, runner: runner}
}

// ValidateExpr checks a cron expression.
func ValidateExpr(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextRun computes the next fire time after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Schedule validates and persists a task, computing its first next_run_at.
func (s *Scheduler) Schedule(task *types.ScheduledTask) error {
	next, err := NextRun(task.CronExpr, time.Now())
	if err != nil {
		return err
	}
	if task.NextRunAt == nil {
		task.NextRunAt = &next
	}
	return s.store.UpsertTask(task)
}

// Tick dispatches every enabled task whose next_run_at has passed and
// advances its schedule. Returns the number of tasks dispatched.
func (s *Scheduler) Tick(now time.Time) int {
	due, err := s.store.DueTasks(now)
	if err != nil {
		logging.Get(logging.CategoryPower).Warn("Failed to load due tasks: %v", err)
		return 0
	}

	dispatched := 0
	for _, task := range due {
		next, err := NextRun(task.CronExpr, now)
		if err != nil {
			logging.Get(logging.CategoryPower).Warn("Task %s has invalid expression %q: %v", task.ID, task.CronExpr, err)
			continue
		}
		if err := s.store.MarkTaskRun(task.ID, now, next); err != nil {
			logging.Get(logging.CategoryPower).Warn("Failed to advance task %s: %v", task.ID, err)
			continue
		}
		if s.runner != nil {
			s.runner(task)
		}
		logging.PowerDebug("Dispatched task %s (%s), next run %s", task.Name, task.ID, next.Format(time.RFC3339))
		dispatched++
	}
	return dispatched
}
