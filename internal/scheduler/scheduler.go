// Package scheduler runs the janitor: cron-scheduled sweeps that remove what
// a killed process may have leaked (job directories, containers carrying
// the runbox name prefix) and prune execution history past retention.
//
// Every task is idempotent. A task still running when its next tick fires
// is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc performs one sweep and returns how many items it removed.
type TaskFunc func(ctx context.Context) (int, error)

// Task is a named sweep bound to a cron schedule.
type Task struct {
	Name     string
	Schedule string
	Run      TaskFunc
}

// Janitor schedules cleanup tasks.
type Janitor struct {
	mu      sync.Mutex
	tasks   []Task
	metrics *Metrics
	logger  *slog.Logger
	parser  cron.Parser
}

// New creates a Janitor.
func New(metrics *Metrics, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Janitor{
		metrics: metrics,
		logger:  logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a task. The schedule is validated immediately.
func (j *Janitor) Add(name, schedule string, fn TaskFunc) error {
	if _, err := j.parser.Parse(schedule); err != nil {
		return fmt.Errorf("task %s: invalid cron expression %q: %w", name, schedule, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, Task{Name: name, Schedule: schedule, Run: fn})
	return nil
}

// Tasks returns the registered tasks sorted by name.
func (j *Janitor) Tasks() []Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := append([]Task(nil), j.tasks...)
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start runs every task on its schedule until ctx is done or the returned
// stop function is called. Stop waits for running tasks to finish.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(j.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{j.logger}), cron.SkipIfStillRunning(cronLogger{j.logger})),
	)
	for _, t := range j.Tasks() {
		t := t
		// Add validated the schedule already.
		_, _ = c.AddFunc(t.Schedule, func() { j.run(ctx, t) })
	}
	c.Start()

	j.logger.InfoContext(ctx, "janitor started", slog.Int("tasks", len(c.Entries())))

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-c.Stop().Done()
			j.logger.Info("janitor stopped")
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop
}

// RunAll runs every task once, in name order, and returns the first error.
// All tasks run even when one fails.
func (j *Janitor) RunAll(ctx context.Context) (map[string]int, error) {
	removed := make(map[string]int)
	var firstErr error
	for _, t := range j.Tasks() {
		n, err := j.run(ctx, t)
		removed[t.Name] = n
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", t.Name, err)
		}
	}
	return removed, firstErr
}

func (j *Janitor) run(ctx context.Context, t Task) (int, error) {
	start := time.Now()
	n, err := t.Run(ctx)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		j.logger.ErrorContext(ctx, "janitor task failed",
			slog.String("task", t.Name),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		j.logger.InfoContext(ctx, "janitor task removed items",
			slog.String("task", t.Name),
			slog.Int("removed", n),
			slog.Duration("duration", elapsed),
		)
	}
	if j.metrics != nil {
		j.metrics.RunsTotal.WithLabelValues(t.Name, outcome).Inc()
		j.metrics.RemovedTotal.WithLabelValues(t.Name).Add(float64(n))
		j.metrics.TaskDuration.WithLabelValues(t.Name).Observe(elapsed.Seconds())
	}
	return n, err
}

// NextRun returns the next run time of a schedule after from.
func NextRun(schedule string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return sched.Next(from), nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
