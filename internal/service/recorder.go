package service

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/metrics"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the retry state of a record identity after an outcome was applied
type State string

const (
	StateCached      State = "cached"
	StateFailing     State = "failing"
	StateBlacklisted State = "blacklisted"
)

// StateOf classifies a stored record.
func StateOf(rec db.Record) State {
	switch {
	case rec.Blacklist:
		return StateBlacklisted
	case rec.FailCount > 0:
		return StateFailing
	default:
		return StateCached
	}
}

// Outcome is a value successfully fetched for one date or interval
type Outcome struct {
	UsagePointID  string
	Series        db.Series
	Date          time.Time
	Value         int64
	Interval      int
	MeasureType   db.MeasureType
	MonthlyCharge decimal.NullDecimal
}

// Result is the stored record after a transition
type Result struct {
	Record db.Record
	State  State
}

// Recorder applies fetch outcomes to the record store.
// Callers serialize writes per usage point.
type Recorder struct {
	repo         *repository.Repository
	maxImportTry int
	logger       *zap.Logger
}

// NewRecorder creates a recorder that blacklists an identity after
// maxImportTry consecutive failures
func NewRecorder(repo *repository.Repository, maxImportTry int, logger *zap.Logger) *Recorder {
	if maxImportTry < 1 {
		maxImportTry = 1
	}
	return &Recorder{
		repo:         repo,
		maxImportTry: maxImportTry,
		logger:       logger,
	}
}

// ReportSuccess stores the fetched value and clears any failure state.
func (r *Recorder) ReportSuccess(ctx context.Context, o Outcome) (Result, error) {
	store, err := r.repo.Records(o.Series)
	if err != nil {
		return Result{}, err
	}

	rec := db.Record{
		UsagePointID: o.UsagePointID,
		Date:         o.Date,
		Value:        o.Value,
		Blacklist:    false,
		FailCount:    0,
	}
	if o.Series.Resolution == db.Detail {
		rec.Interval = o.Interval
		rec.MeasureType = o.MeasureType
	} else {
		rec.MonthlyCharge = o.MonthlyCharge
	}

	stored, err := store.Upsert(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("failed to cache %s value: %w", o.Series, err)
	}

	return r.done(o.Series, stored), nil
}

// ReportFailure zeroes the value of an identity and increments its failure
// counter, creating the record when absent. Reaching maxImportTry
// blacklists the identity and resets the counter. A blacklisted identity is
// left as is.
func (r *Recorder) ReportFailure(ctx context.Context, usagePointID string, series db.Series, at time.Time) (Result, error) {
	store, err := r.repo.Records(series)
	if err != nil {
		return Result{}, err
	}

	rec, found, err := store.Get(ctx, usagePointID, at)
	if err != nil {
		return Result{}, err
	}
	if found && rec.Blacklist {
		return Result{Record: rec, State: StateBlacklisted}, nil
	}
	if !found {
		rec = db.Record{UsagePointID: usagePointID, Date: at}
	}

	// a failed fetch invalidates whatever was cached for the identity
	rec.Value = 0
	if series.Resolution == db.Detail {
		rec.Interval = 0
		rec.MeasureType = db.Peak
	}

	rec.FailCount++
	if rec.FailCount >= r.maxImportTry {
		rec.Blacklist = true
		rec.FailCount = 0
		r.logger.Warn("record blacklisted after repeated failures",
			zap.String("usage_point_id", usagePointID),
			zap.String("series", series.String()),
			zap.Time("date", at),
			zap.Int("max_import_try", r.maxImportTry),
		)
	}

	stored, err := store.Upsert(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("failed to record %s failure: %w", series, err)
	}

	return r.done(series, stored), nil
}

// Blacklist marks an identity as never to be fetched again.
func (r *Recorder) Blacklist(ctx context.Context, usagePointID string, series db.Series, at time.Time) error {
	return r.setBlacklist(ctx, usagePointID, series, at, true)
}

// Unblacklist clears the blacklist flag so the reconciler reports the
// identity again.
func (r *Recorder) Unblacklist(ctx context.Context, usagePointID string, series db.Series, at time.Time) error {
	return r.setBlacklist(ctx, usagePointID, series, at, false)
}

func (r *Recorder) setBlacklist(ctx context.Context, usagePointID string, series db.Series, at time.Time, flag bool) error {
	store, err := r.repo.Records(series)
	if err != nil {
		return err
	}
	if err := store.SetBlacklist(ctx, usagePointID, at, flag); err != nil {
		return err
	}

	r.logger.Info("blacklist updated",
		zap.String("usage_point_id", usagePointID),
		zap.String("series", series.String()),
		zap.Time("date", at),
		zap.Bool("blacklist", flag),
	)
	return nil
}

func (r *Recorder) done(series db.Series, rec db.Record) Result {
	state := StateOf(rec)
	metrics.RecordTransitionsTotal.WithLabelValues(series.String(), string(state)).Inc()
	return Result{Record: rec, State: state}
}
