package reconcile

import (
	"context"
	"net/http"

	"emporia-collector/internal/logging"
	"emporia-collector/internal/mq"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// windowReconciler lets tests substitute the engine
type windowReconciler interface {
	Reconcile(ctx context.Context, daysBack int) WindowResult
}

// EventPublisher publishes window reconciliation events after a run
type EventPublisher interface {
	PublishWindowEvent(ctx context.Context, event mq.WindowEvent) error
}

// Report aggregates a whole run
type Report struct {
	RunID        string
	Status       int
	TotalRecords int
	TotalDeleted int
	TotalErrors  int
	Windows      []WindowResult
}

// Failed reports whether any window in the run failed
func (r Report) Failed() bool {
	return r.Status != http.StatusOK
}

// Coordinator runs the reconciliation engine once per target day and
// aggregates a run report
type Coordinator struct {
	engine    windowReconciler
	publisher EventPublisher
	logger    *zap.Logger
}

// NewCoordinator creates a run coordinator
func NewCoordinator(engine *Engine, publisher EventPublisher, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		engine:    engine,
		publisher: publisher,
		logger:    logger,
	}
}

// Run reconciles yesterday then today, in that order: stale-day correction
// first, then the necessarily incomplete current day. Failed windows are
// reported, not retried; the next scheduled run self-heals them. No error
// escapes; every failure resolves into the report.
func (c *Coordinator) Run(ctx context.Context) Report {
	runID := uuid.NewString()
	log := logging.WithRunID(c.logger, runID)
	report := Report{RunID: runID, Status: http.StatusOK}

	log.Info("starting collection run")
	for _, daysBack := range []int{1, 0} {
		result := c.engine.Reconcile(ctx, daysBack)
		report.Windows = append(report.Windows, result)
		if result.Status > report.Status {
			report.Status = result.Status
		}
		report.TotalRecords += result.Inserted
		report.TotalDeleted += result.Deleted
		report.TotalErrors += result.Errors
	}

	c.publishEvents(ctx, log, report)

	log.Info("collection run finished",
		zap.Int("status", report.Status),
		zap.Int("total_records", report.TotalRecords),
		zap.Int("total_deleted", report.TotalDeleted),
		zap.Int("total_errors", report.TotalErrors))
	return report
}

// publishEvents emits one event per window; publish failures are logged,
// never fatal to the run
func (c *Coordinator) publishEvents(ctx context.Context, log *zap.Logger, report Report) {
	for _, window := range report.Windows {
		event := mq.WindowEvent{
			RunID:   report.RunID,
			Instant: window.Instant.UTC().Format("2006-01-02T15:04:05.000Z"),
			Status:  window.Status,
			Records: window.Inserted,
			Deleted: window.Deleted,
			Errors:  window.Errors,
		}
		if err := c.publisher.PublishWindowEvent(ctx, event); err != nil {
			log.Error("failed to publish window event",
				zap.String("instant", event.Instant),
				zap.Error(err))
		}
	}
}
