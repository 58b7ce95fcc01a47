package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/energy-metering-cache/internal/anomaly"
	"github.com/septivank/energy-metering-cache/internal/config"
	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/septivank/energy-metering-cache/internal/ledger"
	"github.com/septivank/energy-metering-cache/internal/logging"
	"github.com/septivank/energy-metering-cache/internal/metrics"
	"github.com/septivank/energy-metering-cache/internal/mq"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/septivank/energy-metering-cache/internal/validator"
	"go.uber.org/zap"
)

// OutcomeMessage is one provider call reported by the fetch collaborator
type OutcomeMessage struct {
	RequestID         string     `json:"request_id"`
	UsagePointID      string     `json:"usage_point_id"`
	Resolution        string     `json:"resolution"`
	Direction         string     `json:"direction"`
	FetchedAt         time.Time  `json:"fetched_at"`
	QuotaResetAt      *time.Time `json:"quota_reset_at,omitempty"`
	QuotaLimit        *int       `json:"quota_limit,omitempty"`
	ConsentExpiration *time.Time `json:"consent_expiration,omitempty"`
	Readings          []Reading  `json:"readings"`
}

// Reading is the outcome of one date or interval. A non-empty Error
// reports that the provider returned nothing usable for it.
type Reading struct {
	Date           string `json:"date"`
	Value          string `json:"value"`
	IntervalLength string `json:"interval_length,omitempty"`
	MeasureType    string `json:"measure_type,omitempty"`
	MonthlyCharge  string `json:"monthly_charge,omitempty"`
	Error          string `json:"error,omitempty"`
}

// EventPublisher publishes cache events
type EventPublisher interface {
	PublishCacheEvent(ctx context.Context, event mq.CacheEvent) error
}

// ProcessorService turns fetch outcome messages into record transitions
type ProcessorService struct {
	repo      *repository.Repository
	recorder  *Recorder
	ledger    *ledger.Ledger
	publisher EventPublisher
	detector  *anomaly.Detector
	validator *validator.Validator
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	repo *repository.Repository,
	recorder *Recorder,
	ledger *ledger.Ledger,
	publisher EventPublisher,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		repo:      repo,
		recorder:  recorder,
		ledger:    ledger,
		publisher: publisher,
		detector:  detector,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessMessage applies an outcome message. Messages that can never be
// applied are reported with mq.ErrMalformedMessage. Progress is
// checkpointed per request id so a redelivery after a partial failure
// resumes instead of counting calls and failures twice.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg OutcomeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		metrics.FetchOutcomesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: failed to unmarshal message: %v", mq.ErrMalformedMessage, err)
	}

	if err := identity.ValidateUsagePointID(msg.UsagePointID); err != nil {
		metrics.FetchOutcomesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %v", mq.ErrMalformedMessage, err)
	}
	series, err := db.ParseSeries(msg.Resolution, msg.Direction)
	if err != nil {
		metrics.FetchOutcomesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %v", mq.ErrMalformedMessage, err)
	}
	if msg.FetchedAt.IsZero() {
		msg.FetchedAt = s.now()
	}
	msg.FetchedAt = msg.FetchedAt.UTC()

	reqLogger := logging.WithUsagePoint(logging.WithRequestID(s.logger, msg.RequestID), msg.UsagePointID)
	reqLogger.Info("processing fetch outcome",
		zap.String("series", series.String()),
		zap.Int("readings_count", len(msg.Readings)),
	)

	// steps: 1 ledger call, 2..n+1 readings, n+2 progress counter
	applied, err := s.ledger.OutcomeProgress(ctx, msg.RequestID)
	if err != nil {
		return err
	}
	if applied > 0 {
		reqLogger.Info("resuming redelivered outcome", zap.Int("applied_steps", applied))
	}

	if applied < 1 {
		if err := s.recordCall(ctx, msg); err != nil {
			reqLogger.Error("failed to update ledger", zap.Error(err))
			return err
		}
		if err := s.ledger.SaveOutcomeProgress(ctx, msg.RequestID, 1); err != nil {
			return err
		}
	}

	var events []mq.CacheEvent
	for i, r := range msg.Readings {
		step := i + 2

		var event *mq.CacheEvent
		if step <= applied {
			event, err = s.replayReading(ctx, msg, series, r)
		} else {
			event, err = s.processReading(ctx, msg, series, r, reqLogger)
			if err == nil {
				err = s.ledger.SaveOutcomeProgress(ctx, msg.RequestID, step)
			}
		}
		if err != nil {
			reqLogger.Error("failed to process reading", zap.Error(err), zap.String("date", r.Date))
			return fmt.Errorf("failed to process reading: %w", err)
		}
		if event != nil {
			events = append(events, *event)
		}
	}

	if last := len(msg.Readings) + 2; applied < last {
		if _, err := s.ledger.AddProgress(ctx, msg.UsagePointID, len(events), series.String()); err != nil {
			return err
		}
		if err := s.ledger.SaveOutcomeProgress(ctx, msg.RequestID, last); err != nil {
			return err
		}
	}
	if err := s.ledger.MarkUpdated(ctx, s.now()); err != nil {
		return err
	}
	if err := s.ledger.ClearOutcomeProgress(ctx, msg.RequestID); err != nil {
		reqLogger.Warn("failed to clear outcome checkpoint", zap.Error(err))
	}

	// Publish events after every record is stored
	if s.publisher != nil {
		for _, event := range events {
			if err := s.publisher.PublishCacheEvent(ctx, event); err != nil {
				// Log error but don't fail the entire message processing
				reqLogger.Error("failed to publish event",
					zap.Error(err),
					zap.String("date", event.Date),
					zap.String("state", event.State),
				)
			}
		}
	}

	reqLogger.Info("fetch outcome processed", zap.Int("records_count", len(events)))
	return nil
}

func (s *ProcessorService) recordCall(ctx context.Context, msg OutcomeMessage) error {
	if err := s.ledger.RecordCall(ctx, msg.UsagePointID, msg.FetchedAt); err != nil {
		return err
	}
	if _, _, err := s.ledger.ConsumeCall(ctx, msg.FetchedAt); err != nil {
		return err
	}
	if msg.QuotaLimit != nil {
		if err := s.ledger.SetQuotaLimit(ctx, msg.UsagePointID, *msg.QuotaLimit); err != nil {
			return err
		}
	}
	if msg.QuotaResetAt != nil {
		if err := s.ledger.RecordQuotaExhausted(ctx, msg.UsagePointID, *msg.QuotaResetAt); err != nil {
			return err
		}
	}
	if msg.ConsentExpiration != nil {
		if err := s.ledger.UpdateConsent(ctx, msg.UsagePointID, *msg.ConsentExpiration); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProcessorService) processReading(
	ctx context.Context,
	msg OutcomeMessage,
	series db.Series,
	r Reading,
	logger *zap.Logger,
) (*mq.CacheEvent, error) {
	reading, result := s.validator.ValidateReading(validator.ReadingData{
		Date:           r.Date,
		Value:          r.Value,
		IntervalLength: r.IntervalLength,
		MeasureType:    r.MeasureType,
		MonthlyCharge:  r.MonthlyCharge,
	}, series.Resolution, msg.FetchedAt)

	// without a date there is no identity to record the failure on
	if reading.Date.IsZero() {
		metrics.FetchOutcomesTotal.WithLabelValues("rejected").Inc()
		logger.Warn("reading skipped", zap.String("date", r.Date), zap.String("reason", result.AnomalyReason))
		return nil, nil
	}

	var (
		res           Result
		err           error
		isAnomaly     bool
		anomalyReason string
	)
	switch {
	case r.Error != "":
		metrics.FetchOutcomesTotal.WithLabelValues("failure").Inc()
		logger.Debug("provider returned no data", zap.Time("date", reading.Date), zap.String("error", r.Error))
		res, err = s.recorder.ReportFailure(ctx, msg.UsagePointID, series, reading.Date)

	case !result.IsValid:
		metrics.FetchOutcomesTotal.WithLabelValues("failure").Inc()
		logger.Warn("invalid reading recorded as failure",
			zap.Time("date", reading.Date),
			zap.String("reason", result.AnomalyReason),
		)
		res, err = s.recorder.ReportFailure(ctx, msg.UsagePointID, series, reading.Date)

	default:
		metrics.FetchOutcomesTotal.WithLabelValues("success").Inc()
		if series.Resolution == db.Daily {
			isAnomaly, anomalyReason = s.detectSpike(ctx, msg.UsagePointID, series, reading, logger)
		}
		res, err = s.recorder.ReportSuccess(ctx, Outcome{
			UsagePointID:  msg.UsagePointID,
			Series:        series,
			Date:          reading.Date,
			Value:         reading.Value,
			Interval:      reading.Interval,
			MeasureType:   reading.MeasureType,
			MonthlyCharge: reading.MonthlyCharge,
		})
		if err == nil {
			err = s.ledger.ExtendMaxDate(ctx, msg.UsagePointID, series, res.Record.Date)
		}
	}
	if err != nil {
		return nil, err
	}

	return s.cacheEvent(msg, series, res, isAnomaly, anomalyReason), nil
}

// replayReading rebuilds the event of a reading applied by an earlier
// delivery of the same message without touching the record again.
func (s *ProcessorService) replayReading(ctx context.Context, msg OutcomeMessage, series db.Series, r Reading) (*mq.CacheEvent, error) {
	reading, _ := s.validator.ValidateReading(validator.ReadingData{
		Date:           r.Date,
		Value:          r.Value,
		IntervalLength: r.IntervalLength,
		MeasureType:    r.MeasureType,
		MonthlyCharge:  r.MonthlyCharge,
	}, series.Resolution, msg.FetchedAt)
	if reading.Date.IsZero() {
		return nil, nil
	}

	store, err := s.repo.Records(series)
	if err != nil {
		return nil, err
	}
	rec, found, err := store.Get(ctx, msg.UsagePointID, reading.Date)
	if err != nil || !found {
		return nil, err
	}
	return s.cacheEvent(msg, series, Result{Record: rec, State: StateOf(rec)}, false, ""), nil
}

func (s *ProcessorService) cacheEvent(msg OutcomeMessage, series db.Series, res Result, isAnomaly bool, anomalyReason string) *mq.CacheEvent {
	return &mq.CacheEvent{
		EventID:       uuid.NewString(),
		RequestID:     msg.RequestID,
		UsagePointID:  msg.UsagePointID,
		Series:        series.String(),
		Date:          res.Record.Date.Format(time.RFC3339),
		Value:         res.Record.Value,
		State:         string(res.State),
		FailCount:     res.Record.FailCount,
		Anomaly:       isAnomaly,
		AnomalyReason: anomalyReason,
		OccurredAt:    s.now().UTC().Format(time.RFC3339),
	}
}

// detectSpike compares a daily value with the days preceding it.
// Spikes are flagged, never rejected.
func (s *ProcessorService) detectSpike(ctx context.Context, usagePointID string, series db.Series, reading validator.Reading, logger *zap.Logger) (bool, string) {
	store, err := s.repo.Records(series)
	if err != nil {
		return false, ""
	}

	day := identity.Day(reading.Date)
	recent, err := store.GetRange(ctx, usagePointID, day.AddDate(0, 0, -s.cfg.Cache.AnomalySampleSize), day.AddDate(0, 0, -1))
	if err != nil {
		logger.Warn("failed to get recent values for anomaly detection", zap.Error(err))
		return false, ""
	}

	values := make([]int64, 0, len(recent))
	for _, rec := range recent {
		values = append(values, rec.Value)
	}

	isAnomaly, reason := s.detector.DetectAnomaly(reading.Value, values)
	if isAnomaly {
		metrics.AnomaliesTotal.Inc()
		logger.Info("anomaly detected",
			zap.Time("date", reading.Date),
			zap.Int64("value", reading.Value),
			zap.String("reason", reason),
		)
	}
	return isAnomaly, reason
}
