package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/events"
	"github.com/jkaninda/runbox/internal/secrets"
	"github.com/jkaninda/runbox/internal/storage"
)

// Runner executes one request. *engine.Engine satisfies it.
type Runner interface {
	Execute(ctx context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error)
}

// Worker consumes the queue, runs each execution, stores the outcome,
// publishes lifecycle events and acknowledges the entry.
type Worker struct {
	queue    Queue
	runner   Runner
	store    storage.Store
	bus      events.Bus
	secrets  secrets.Provider
	workers  int
	metrics  *Metrics
	logger   *slog.Logger
	finished func(*domain.ExecutionResult, error)
}

// NewWorker creates a worker pool of the given size. bus and provider may be
// nil; without a provider, messages carrying env references fail.
func NewWorker(q Queue, runner Runner, store storage.Store, bus events.Bus, provider secrets.Provider, workers int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if workers <= 0 {
		workers = 1
	}
	return &Worker{
		queue:   q,
		runner:  runner,
		store:   store,
		bus:     bus,
		secrets: provider,
		workers: workers,
		logger:  logger,
	}
}

// WithMetrics attaches queue metrics.
func (w *Worker) WithMetrics(m *Metrics) *Worker {
	w.metrics = m
	return w
}

// OnFinished registers a callback invoked after every processed message,
// e.g. to feed anomaly detection.
func (w *Worker) OnFinished(fn func(*domain.ExecutionResult, error)) *Worker {
	w.finished = fn
	return w
}

// Run processes deliveries until ctx is done, then waits for in-flight
// executions to finish.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	w.logger.Info("worker started", slog.Int("concurrency", w.workers))

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				// In-flight executions finish even when shutdown starts.
				w.Process(context.WithoutCancel(ctx), d)
			}
		}()
	}
	wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// Process handles one delivery. The entry is acknowledged once the outcome
// is stored; a failure to store leaves it pending for reclaim.
func (w *Worker) Process(ctx context.Context, d Delivery) {
	log := w.logger.With(
		slog.String("execution_id", d.ID.String()),
		slog.String("stream_id", d.StreamID),
	)
	if w.metrics != nil {
		w.metrics.InFlight.Inc()
		defer w.metrics.InFlight.Dec()
		if !d.EnqueuedAt.IsZero() {
			w.metrics.WaitSeconds.Observe(time.Since(d.EnqueuedAt).Seconds())
		}
	}
	if d.Reclaimed {
		log.Warn("processing reclaimed execution")
	}

	exec, err := w.load(ctx, d)
	if err != nil {
		log.Error("loading execution failed", slog.String("error", err.Error()))
		w.count("store_error")
		return
	}
	if exec.Status.Terminal() {
		// Already stored by a consumer that died before acking.
		w.ack(ctx, log, d)
		w.count("duplicate")
		return
	}

	if err := w.store.SetStatus(ctx, exec.ID, storage.StatusRunning); err != nil {
		log.Warn("marking execution running failed", slog.String("error", err.Error()))
	}
	w.publish(ctx, log, events.New(exec.ID, events.Running))

	res, runErr := w.execute(ctx, d)
	outcome := "completed"
	var evt events.Event
	if runErr != nil {
		outcome = "rejected"
		exec.Fail(runErr.Error())
		evt = events.Rejected(exec.ID, runErr.Error())
		log.Warn("execution rejected", slog.String("error", runErr.Error()))
	} else {
		exec.Complete(res)
		evt = events.Finished(exec.ID, res)
		log.Info("execution finished",
			slog.Bool("success", res.Success),
			slog.Int("tests", res.Summary.Total),
			slog.Int64("duration_ms", res.DurationMs),
		)
	}

	if err := w.store.Finish(ctx, exec); err != nil {
		log.Error("storing execution failed", slog.String("error", err.Error()))
		w.count("store_error")
		return
	}
	w.publish(ctx, log, evt)
	w.ack(ctx, log, d)
	w.count(outcome)

	if w.finished != nil {
		w.finished(res, runErr)
	}
}

// load returns the stored record, creating it when the producer could not.
func (w *Worker) load(ctx context.Context, d Delivery) (*storage.Execution, error) {
	exec, err := w.store.Get(ctx, d.ID)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	exec = storage.NewExecution(d.ID, storage.OriginAsync, d.ClientID, &d.Request)
	if err := w.store.Create(ctx, exec); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return nil, err
	}
	return exec, nil
}

// execute resolves the env references and runs the request. Resolved values
// live only in the request copy handed to the runner.
func (w *Worker) execute(ctx context.Context, d Delivery) (*domain.ExecutionResult, error) {
	req := d.Request
	if len(d.EnvRefs) > 0 {
		if w.secrets == nil {
			return nil, errors.New("env references require a secrets provider")
		}
		env, err := secrets.ResolveAll(ctx, w.secrets, d.EnvRefs)
		if err != nil {
			return nil, err
		}
		req.EnvVars = env
	}
	return w.runner.Execute(ctx, &req)
}

func (w *Worker) publish(ctx context.Context, log *slog.Logger, evt events.Event) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, evt); err != nil {
		log.Warn("publishing event failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) ack(ctx context.Context, log *slog.Logger, d Delivery) {
	if err := w.queue.Ack(ctx, d.StreamID); err != nil {
		log.Error("ack failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) count(outcome string) {
	if w.metrics != nil {
		w.metrics.ProcessedTotal.WithLabelValues(outcome).Inc()
	}
}
