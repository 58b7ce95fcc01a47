package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/energy-metering-cache/internal/config"
	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/logging"
	"github.com/septivank/energy-metering-cache/internal/metrics"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reasons a usage point may not be fetched
const (
	ReasonDisabled       = "disabled"
	ReasonBanned         = "banned"
	ReasonConsentExpired = "consent expired"
	ReasonQuotaReached   = "quota reached"
)

// Eligibility tells the fetch step whether a usage point may be queried
type Eligibility struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Ledger tracks the operational state of each usage point: quotas,
// consent, bans and fetch progress.
type Ledger struct {
	repo          *repository.Repository
	maxCallPerDay int
	logger        *zap.Logger
}

// New creates a ledger
func New(repo *repository.Repository, maxCallPerDay int, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:          repo,
		maxCallPerDay: maxCallPerDay,
		logger:        logger,
	}
}

// DefaultMeteringPoint returns a newly configured usage point.
func DefaultMeteringPoint(id string) db.MeteringPoint {
	return db.MeteringPoint{
		ID:                   id,
		Enable:               true,
		Cache:                true,
		Consumption:          true,
		ConsumptionDetail:    true,
		Plan:                 "BASE",
		ConsumptionPriceBase: decimal.Zero,
		ConsumptionPriceHC:   decimal.Zero,
		ConsumptionPriceHP:   decimal.Zero,
		ProductionPrice:      decimal.Zero,
	}
}

func apply(mp *db.MeteringPoint, c config.MeteringPointConfig) error {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setPrice := func(dst *decimal.Decimal, src *decimal.Decimal) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&mp.Name, c.Name)
	setBool(&mp.Enable, c.Enable)
	setBool(&mp.Cache, c.Cache)
	setBool(&mp.Consumption, c.Consumption)
	setBool(&mp.ConsumptionDetail, c.ConsumptionDetail)
	setBool(&mp.Production, c.Production)
	setBool(&mp.ProductionDetail, c.ProductionDetail)
	setString(&mp.Plan, c.Plan)
	setPrice(&mp.ConsumptionPriceBase, c.ConsumptionPriceBase)
	setPrice(&mp.ConsumptionPriceHC, c.ConsumptionPriceHC)
	setPrice(&mp.ConsumptionPriceHP, c.ConsumptionPriceHP)
	setPrice(&mp.ProductionPrice, c.ProductionPrice)
	for i, h := range c.OffpeakHours() {
		setString(&mp.OffpeakHours[i], h)
	}

	maxDates, err := c.MaxDates()
	if err != nil {
		return err
	}
	for series, at := range maxDates {
		mp.SetMaxDate(series, at)
	}
	return nil
}

// Sync creates the usage point from its configuration, or applies the set
// fields of the configuration to the stored row.
func (l *Ledger) Sync(ctx context.Context, c config.MeteringPointConfig) (db.MeteringPoint, error) {
	logger := logging.WithUsagePoint(l.logger, c.ID)

	_, found, err := l.repo.UsagePoints.Get(ctx, c.ID)
	if err != nil {
		return db.MeteringPoint{}, err
	}

	if !found {
		mp := DefaultMeteringPoint(c.ID)
		if err := apply(&mp, c); err != nil {
			return db.MeteringPoint{}, err
		}
		if err := l.repo.UsagePoints.Save(ctx, mp); err != nil {
			return db.MeteringPoint{}, err
		}
		logger.Info("usage point created")
		return mp, nil
	}

	mp, err := l.repo.UsagePoints.Update(ctx, c.ID, func(mp *db.MeteringPoint) error {
		return apply(mp, c)
	})
	if err != nil {
		return db.MeteringPoint{}, err
	}
	logger.Debug("usage point updated")
	return mp, nil
}

// Get returns the ledger row of a usage point.
func (l *Ledger) Get(ctx context.Context, usagePointID string) (db.MeteringPoint, error) {
	mp, found, err := l.repo.UsagePoints.Get(ctx, usagePointID)
	if err != nil {
		return db.MeteringPoint{}, err
	}
	if !found {
		return db.MeteringPoint{}, fmt.Errorf("%w: %s", repository.ErrUsagePointNotFound, usagePointID)
	}
	return mp, nil
}

// List returns every usage point.
func (l *Ledger) List(ctx context.Context) ([]db.MeteringPoint, error) {
	return l.repo.UsagePoints.List(ctx)
}

func (l *Ledger) update(ctx context.Context, usagePointID string, fn func(mp *db.MeteringPoint)) (db.MeteringPoint, error) {
	return l.repo.UsagePoints.Update(ctx, usagePointID, func(mp *db.MeteringPoint) error {
		fn(mp)
		return nil
	})
}

// RecordCall counts a provider call and stamps it as the last call.
func (l *Ledger) RecordCall(ctx context.Context, usagePointID string, now time.Time) error {
	now = now.UTC()
	_, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		mp.CallNumber++
		mp.LastCall = &now
	})
	if err != nil {
		return err
	}
	metrics.ProviderCallsTotal.Inc()
	return nil
}

// RecordQuotaExhausted marks the provider quota of the point as reached
// until resetAt.
func (l *Ledger) RecordQuotaExhausted(ctx context.Context, usagePointID string, resetAt time.Time) error {
	resetAt = resetAt.UTC()
	_, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		mp.QuotaReached = true
		mp.QuotaResetAt = &resetAt
	})
	if err != nil {
		return err
	}
	logging.WithUsagePoint(l.logger, usagePointID).Warn("provider quota reached", zap.Time("reset_at", resetAt))
	return nil
}

// SetQuotaLimit records the quota announced by the provider.
func (l *Ledger) SetQuotaLimit(ctx context.Context, usagePointID string, limit int) error {
	_, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		mp.QuotaLimit = limit
	})
	return err
}

// QuotaReached reports whether the point is over quota at now. An elapsed
// reset time clears the flag and the call counter.
func (l *Ledger) QuotaReached(ctx context.Context, usagePointID string, now time.Time) (bool, error) {
	mp, err := l.Get(ctx, usagePointID)
	if err != nil {
		return false, err
	}
	return l.quotaReached(ctx, mp, now)
}

func (l *Ledger) quotaReached(ctx context.Context, mp db.MeteringPoint, now time.Time) (bool, error) {
	if !mp.QuotaReached {
		return false, nil
	}
	if mp.QuotaResetAt == nil || now.Before(*mp.QuotaResetAt) {
		return true, nil
	}

	_, err := l.update(ctx, mp.ID, func(mp *db.MeteringPoint) {
		mp.QuotaReached = false
		mp.QuotaResetAt = nil
		mp.CallNumber = 0
	})
	if err != nil {
		return false, err
	}
	logging.WithUsagePoint(l.logger, mp.ID).Info("provider quota reset")
	return false, nil
}

// UpdateConsent records the expiry of the customer consent.
func (l *Ledger) UpdateConsent(ctx context.Context, usagePointID string, expiry time.Time) error {
	expiry = expiry.UTC()
	_, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		mp.ConsentExpiration = &expiry
	})
	return err
}

// SetBan bans or unbans a usage point.
func (l *Ledger) SetBan(ctx context.Context, usagePointID string, ban bool) error {
	_, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		mp.Ban = ban
	})
	return err
}

// AddProgress advances the progress counter. An empty status keeps the
// previous one.
func (l *Ledger) AddProgress(ctx context.Context, usagePointID string, increment int, status string) (int, error) {
	mp, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		mp.Progress += increment
		if status != "" {
			mp.ProgressStatus = status
		}
	})
	if err != nil {
		return 0, err
	}
	return mp.Progress, nil
}

// SetMaxDate overwrites the farthest-fetched marker of a series. nil clears it.
func (l *Ledger) SetMaxDate(ctx context.Context, usagePointID string, series db.Series, at *time.Time) error {
	if err := series.Validate(); err != nil {
		return err
	}
	if at != nil {
		utc := at.UTC()
		at = &utc
	}
	_, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		mp.SetMaxDate(series, at)
	})
	return err
}

// ExtendMaxDate moves the farthest-fetched marker back to at when at is
// older than the current marker.
func (l *Ledger) ExtendMaxDate(ctx context.Context, usagePointID string, series db.Series, at time.Time) error {
	if err := series.Validate(); err != nil {
		return err
	}
	at = at.UTC()
	_, err := l.update(ctx, usagePointID, func(mp *db.MeteringPoint) {
		if current := mp.MaxDate(series); current == nil || at.Before(*current) {
			mp.SetMaxDate(series, &at)
		}
	})
	return err
}

// Eligible decides whether the external fetch step may query the point.
// An elapsed quota reset is applied on the way.
func (l *Ledger) Eligible(ctx context.Context, usagePointID string, now time.Time) (Eligibility, error) {
	mp, err := l.Get(ctx, usagePointID)
	if err != nil {
		return Eligibility{}, err
	}

	switch {
	case !mp.Enable:
		return Eligibility{Reason: ReasonDisabled}, nil
	case mp.Ban:
		return Eligibility{Reason: ReasonBanned}, nil
	case mp.ConsentExpiration != nil && !now.Before(*mp.ConsentExpiration):
		return Eligibility{Reason: ReasonConsentExpired}, nil
	}

	reached, err := l.quotaReached(ctx, mp, now)
	if err != nil {
		return Eligibility{}, err
	}
	if reached {
		return Eligibility{Reason: ReasonQuotaReached}, nil
	}
	return Eligibility{Allowed: true}, nil
}
