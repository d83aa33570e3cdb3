package reconcile

import (
	"context"
	"errors"
	"net/http"
	"time"

	"emporia-collector/internal/emporia"
	"emporia-collector/internal/store"
	"go.uber.org/zap"
)

// UsageSource fetches remote usage for a single day window
type UsageSource interface {
	DailyUsage(ctx context.Context, daysBack int) ([]emporia.UsageRecord, error)
}

// UsageStore is the local store the windows are reconciled into
type UsageStore interface {
	Search(ctx context.Context, start time.Time) ([]store.Record, error)
	Delete(ctx context.Context, id int64) error
	Insert(ctx context.Context, record emporia.UsageRecord) error
}

// WindowResult holds the per-window counts and status of one reconciliation
type WindowResult struct {
	Status   int
	Instant  time.Time
	Fetched  int
	Inserted int
	Deleted  int
	Errors   int
}

// Failed reports whether the window ended in an aborting failure
func (r WindowResult) Failed() bool {
	return r.Status != http.StatusOK
}

// Engine reconciles single day windows with a delete-then-reinsert pass,
// making repeated loads of the same window convergent
type Engine struct {
	source UsageSource
	store  UsageStore
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a reconciliation engine
func NewEngine(source UsageSource, usageStore UsageStore, logger *zap.Logger) *Engine {
	return &Engine{
		source: source,
		store:  usageStore,
		logger: logger,
		now:    time.Now,
	}
}

// Reconcile reloads the window daysBack days before now. Remote fetch and
// local search failures abort the window before any local mutation; delete
// and insert failures are tallied per record and never stop the phase.
// Every failure resolves into the result, never an error.
func (e *Engine) Reconcile(ctx context.Context, daysBack int) WindowResult {
	instant := e.now().UTC().AddDate(0, 0, -daysBack)
	result := WindowResult{Status: http.StatusOK, Instant: instant}
	log := e.logger.With(zap.Int("days_back", daysBack), zap.Time("instant", instant))

	records, err := e.source.DailyUsage(ctx, daysBack)
	if err != nil {
		result.Status = statusFromError(err)
		log.Error("remote usage fetch failed, window left untouched",
			zap.Error(err), zap.Int("status", result.Status))
		return result
	}
	result.Fetched = len(records)
	log.Info("fetched remote usage", zap.Int("records", result.Fetched))

	if len(records) == 0 {
		return result
	}

	existing, err := e.store.Search(ctx, instant)
	if err != nil {
		result.Status = statusFromError(err)
		log.Error("local search failed, aborting before deletion",
			zap.Error(err), zap.Int("status", result.Status))
		return result
	}

	for _, record := range existing {
		if err := e.store.Delete(ctx, record.ID); err != nil {
			result.Errors++
			log.Error("failed to delete local record",
				zap.Int64("id", record.ID), zap.Error(err))
			continue
		}
		result.Deleted++
	}

	for _, record := range records {
		if err := e.store.Insert(ctx, record); err != nil {
			result.Errors++
			log.Error("failed to insert usage record",
				zap.String("name", record.Name),
				zap.Int64("device_gid", record.DeviceGid),
				zap.Error(err))
			continue
		}
		result.Inserted++
	}

	log.Info("window reconciled",
		zap.Int("deleted", result.Deleted),
		zap.Int("inserted", result.Inserted),
		zap.Int("errors", result.Errors))
	return result
}

// statusFromError maps an aborting failure onto a window status. Upstream
// 5xx codes pass through; everything else (4xx, auth, transport) reports
// as 500.
func statusFromError(err error) int {
	var apiErr *emporia.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= http.StatusInternalServerError {
		return apiErr.StatusCode
	}
	var reqErr *store.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode >= http.StatusInternalServerError {
		return reqErr.StatusCode
	}
	return http.StatusInternalServerError
}
