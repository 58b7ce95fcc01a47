package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/shopspring/decimal"
)

const usagePointColumns = `usage_point_id, name, enable, cache, consumption, consumption_detail,
	production, production_detail, plan, consumption_price_base, consumption_price_hc,
	consumption_price_hp, production_price, offpeak_hours_0, offpeak_hours_1, offpeak_hours_2,
	offpeak_hours_3, offpeak_hours_4, offpeak_hours_5, offpeak_hours_6, call_number, quota_limit,
	quota_reached, quota_reset_at, last_call, consentement_expiration, ban, progress,
	progress_status, consumption_max_date, consumption_detail_max_date, production_max_date,
	production_detail_max_date`

// UsagePointStore persists the per metering point ledger
type UsagePointStore struct {
	d database
}

func scanUsagePoint(r row) (db.MeteringPoint, error) {
	var (
		mp                          db.MeteringPoint
		priceBase, priceHC, priceHP string
		productionPrice             string
	)
	err := r.Scan(
		&mp.ID, &mp.Name, &mp.Enable, &mp.Cache, &mp.Consumption, &mp.ConsumptionDetail,
		&mp.Production, &mp.ProductionDetail, &mp.Plan, &priceBase, &priceHC,
		&priceHP, &productionPrice,
		&mp.OffpeakHours[0], &mp.OffpeakHours[1], &mp.OffpeakHours[2], &mp.OffpeakHours[3],
		&mp.OffpeakHours[4], &mp.OffpeakHours[5], &mp.OffpeakHours[6],
		&mp.CallNumber, &mp.QuotaLimit, &mp.QuotaReached, &mp.QuotaResetAt, &mp.LastCall,
		&mp.ConsentExpiration, &mp.Ban, &mp.Progress, &mp.ProgressStatus,
		&mp.ConsumptionMaxDate, &mp.ConsumptionDetailMaxDate, &mp.ProductionMaxDate,
		&mp.ProductionDetailMaxDate,
	)
	if err != nil {
		return db.MeteringPoint{}, err
	}

	prices := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{priceBase, &mp.ConsumptionPriceBase},
		{priceHC, &mp.ConsumptionPriceHC},
		{priceHP, &mp.ConsumptionPriceHP},
		{productionPrice, &mp.ProductionPrice},
	}
	for _, p := range prices {
		d, err := decimal.NewFromString(p.raw)
		if err != nil {
			return db.MeteringPoint{}, fmt.Errorf("%w: invalid price %q for %s", ErrStoreCorruption, p.raw, mp.ID)
		}
		*p.dst = d
	}

	for _, t := range []**time.Time{
		&mp.QuotaResetAt, &mp.LastCall, &mp.ConsentExpiration,
		&mp.ConsumptionMaxDate, &mp.ConsumptionDetailMaxDate,
		&mp.ProductionMaxDate, &mp.ProductionDetailMaxDate,
	} {
		if *t != nil {
			utc := (*t).UTC()
			*t = &utc
		}
	}
	return mp, nil
}

// Get returns the ledger row of a usage point.
func (s *UsagePointStore) Get(ctx context.Context, usagePointID string) (db.MeteringPoint, bool, error) {
	return s.get(ctx, s.d, usagePointID)
}

func (s *UsagePointStore) get(ctx context.Context, q querier, usagePointID string) (db.MeteringPoint, bool, error) {
	query := "SELECT " + usagePointColumns + " FROM usage_points WHERE usage_point_id = ?"
	mp, err := scanUsagePoint(q.queryRow(ctx, query, usagePointID))
	if errors.Is(err, errNoRows) {
		return db.MeteringPoint{}, false, nil
	}
	if err != nil {
		return db.MeteringPoint{}, false, fmt.Errorf("failed to query usage point: %w", err)
	}
	return mp, true, nil
}

// List returns every usage point ordered by id.
func (s *UsagePointStore) List(ctx context.Context) ([]db.MeteringPoint, error) {
	r, err := s.d.query(ctx, "SELECT "+usagePointColumns+" FROM usage_points ORDER BY usage_point_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query usage points: %w", err)
	}
	defer r.Close()

	var points []db.MeteringPoint
	for r.Next() {
		mp, err := scanUsagePoint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage point: %w", err)
		}
		points = append(points, mp)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return points, nil
}

// Save inserts or fully overwrites the ledger row.
func (s *UsagePointStore) Save(ctx context.Context, mp db.MeteringPoint) error {
	return s.d.inTx(ctx, func(q querier) error {
		return s.save(ctx, q, mp)
	})
}

func (s *UsagePointStore) save(ctx context.Context, q querier, mp db.MeteringPoint) error {
	cols := strings.Split(usagePointColumns, ",")
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		c = strings.TrimSpace(c)
		updates = append(updates, c+" = excluded."+c)
	}
	query := fmt.Sprintf(
		"INSERT INTO usage_points (%s) VALUES (%s) ON CONFLICT (usage_point_id) DO UPDATE SET %s",
		usagePointColumns,
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "),
	)

	_, err := q.exec(ctx, query,
		mp.ID, mp.Name, mp.Enable, mp.Cache, mp.Consumption, mp.ConsumptionDetail,
		mp.Production, mp.ProductionDetail, mp.Plan, mp.ConsumptionPriceBase.String(),
		mp.ConsumptionPriceHC.String(), mp.ConsumptionPriceHP.String(), mp.ProductionPrice.String(),
		mp.OffpeakHours[0], mp.OffpeakHours[1], mp.OffpeakHours[2], mp.OffpeakHours[3],
		mp.OffpeakHours[4], mp.OffpeakHours[5], mp.OffpeakHours[6],
		mp.CallNumber, mp.QuotaLimit, mp.QuotaReached, mp.QuotaResetAt, mp.LastCall,
		mp.ConsentExpiration, mp.Ban, mp.Progress, mp.ProgressStatus,
		mp.ConsumptionMaxDate, mp.ConsumptionDetailMaxDate, mp.ProductionMaxDate,
		mp.ProductionDetailMaxDate,
	)
	if err != nil {
		return fmt.Errorf("failed to save usage point %s: %w", mp.ID, err)
	}
	return nil
}

// Update applies fn to the stored row and writes the result back in one
// transaction. It returns ErrUsagePointNotFound for unknown points.
func (s *UsagePointStore) Update(ctx context.Context, usagePointID string, fn func(mp *db.MeteringPoint) error) (db.MeteringPoint, error) {
	var updated db.MeteringPoint
	err := s.d.inTx(ctx, func(q querier) error {
		mp, found, err := s.get(ctx, q, usagePointID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUsagePointNotFound, usagePointID)
		}
		if err := fn(&mp); err != nil {
			return err
		}
		if err := s.save(ctx, q, mp); err != nil {
			return err
		}
		updated = mp
		return nil
	})
	return updated, err
}
