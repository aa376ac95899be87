package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const instrumentation = "github.com/quantforge/eam/pkg/orchestrator"

// Worker sweeps the job root, advancing each job at most one blocked-or-
// terminal pass per sweep. Sweeps are paced by a rate limiter rather than a
// bare sleep so burst advancement after idle periods stays bounded.
type Worker struct {
	Orch    *Orchestrator
	Log     *slog.Logger
	Limiter *rate.Limiter

	tracer   trace.Tracer
	advanced metric.Int64Counter
	stops    metric.Int64Counter
}

// NewWorker builds a worker sweeping at the given interval.
func NewWorker(orch *Orchestrator, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	meter := otel.Meter(instrumentation)
	advanced, _ := meter.Int64Counter("eam.worker.jobs_advanced",
		metric.WithDescription("Jobs moved forward by a worker sweep."))
	stops, _ := meter.Int64Counter("eam.worker.budget_stops",
		metric.WithDescription("Jobs terminated by a budget stop."))
	return &Worker{
		Orch:     orch,
		Log:      orch.Log,
		Limiter:  rate.NewLimiter(rate.Every(interval), 1),
		tracer:   otel.Tracer(instrumentation),
		advanced: advanced,
		stops:    stops,
	}
}

// Sweep advances all jobs once and reports the per-job results.
func (w *Worker) Sweep(ctx context.Context) ([]Result, error) {
	ctx, span := w.tracer.Start(ctx, "worker.sweep")
	defer span.End()

	results, err := w.Orch.AdvanceAll()
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
		switch r.Status {
		case "advanced":
			w.advanced.Add(ctx, 1)
		case "stopped":
			w.stops.Add(ctx, 1)
		}
	}
	span.SetAttributes(
		attribute.Int("jobs.total", len(results)),
		attribute.Int("jobs.advanced", counts["advanced"]),
		attribute.Int("jobs.blocked", counts["blocked"]),
	)
	w.Log.Info("worker sweep",
		"total", len(results),
		"advanced", counts["advanced"],
		"blocked", counts["blocked"],
		"stopped", counts["stopped"],
		"errors", counts["error"])
	return results, nil
}

// Run sweeps until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.Limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := w.Sweep(ctx); err != nil {
			w.Log.Error("sweep failed", "err", err)
		}
	}
}
