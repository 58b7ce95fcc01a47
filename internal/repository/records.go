package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/shopspring/decimal"
)

// RecordStore persists the records of one series.
// Lookups that find nothing return found == false and a nil error.
type RecordStore interface {
	Series() db.Series

	// Get looks a record up by its derived identity.
	Get(ctx context.Context, usagePointID string, at time.Time) (db.Record, bool, error)
	// GetAll returns every record of the point, ascending by date.
	GetAll(ctx context.Context, usagePointID string) ([]db.Record, error)
	// GetRange returns the records with begin <= date <= end, ascending.
	GetRange(ctx context.Context, usagePointID string, begin, end time.Time) ([]db.Record, error)
	// Oldest returns the date of the oldest cached record.
	Oldest(ctx context.Context, usagePointID string) (time.Time, bool, error)
	// Newest returns the date of the most recent cached record.
	Newest(ctx context.Context, usagePointID string) (time.Time, bool, error)
	// LastNonZero returns the most recent record holding a non-zero value.
	LastNonZero(ctx context.Context, usagePointID string) (db.Record, bool, error)

	// Upsert inserts rec or overwrites every mutable field of the existing row.
	Upsert(ctx context.Context, rec db.Record) (db.Record, error)
	// Delete removes one record, or every record of the point when at is nil.
	Delete(ctx context.Context, usagePointID string, at *time.Time) (int64, error)
	// SetBlacklist toggles the flag, creating a zero-value placeholder if needed.
	SetBlacklist(ctx context.Context, usagePointID string, at time.Time, flag bool) error
}

type recordStore struct {
	d       database
	series  db.Series
	columns string
}

func newRecordStore(d database, s db.Series) *recordStore {
	columns := "id, usage_point_id, date, value, blacklist, fail_count, monthly_charge"
	if s.Resolution == db.Detail {
		columns = `id, usage_point_id, date, value, blacklist, fail_count, "interval", measure_type`
	}
	return &recordStore{d: d, series: s, columns: columns}
}

func (s *recordStore) Series() db.Series { return s.series }

func (s *recordStore) table() string { return s.series.Table() }

func (s *recordStore) isDaily() bool { return s.series.Resolution == db.Daily }

// normalize truncates daily timestamps to the day and derives the identity
func (s *recordStore) normalize(usagePointID string, at time.Time) (time.Time, string) {
	at = at.UTC()
	if s.isDaily() {
		at = identity.Day(at)
	}
	return at, identity.RecordID(usagePointID, at)
}

func (s *recordStore) scan(r row) (db.Record, error) {
	var (
		rec    db.Record
		charge *string
		mtype  string
	)
	dest := []any{&rec.ID, &rec.UsagePointID, &rec.Date, &rec.Value, &rec.Blacklist, &rec.FailCount}
	if s.isDaily() {
		dest = append(dest, &charge)
	} else {
		dest = append(dest, &rec.Interval, &mtype)
	}
	if err := r.Scan(dest...); err != nil {
		return db.Record{}, err
	}

	rec.Date = rec.Date.UTC()
	rec.MeasureType = db.MeasureType(mtype)
	if charge != nil && *charge != "" {
		d, err := decimal.NewFromString(*charge)
		if err != nil {
			return db.Record{}, fmt.Errorf("%w: invalid monthly_charge %q in %s", ErrStoreCorruption, *charge, s.table())
		}
		rec.MonthlyCharge = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return rec, nil
}

func (s *recordStore) getByID(ctx context.Context, q querier, id string) (db.Record, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", s.columns, s.table())
	rec, err := s.scan(q.queryRow(ctx, query, id))
	if errors.Is(err, errNoRows) {
		return db.Record{}, false, nil
	}
	if err != nil {
		return db.Record{}, false, fmt.Errorf("failed to query %s: %w", s.table(), err)
	}
	return rec, true, nil
}

func (s *recordStore) Get(ctx context.Context, usagePointID string, at time.Time) (db.Record, bool, error) {
	_, id := s.normalize(usagePointID, at)
	return s.getByID(ctx, s.d, id)
}

func (s *recordStore) list(ctx context.Context, query string, args ...any) ([]db.Record, error) {
	r, err := s.d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table(), err)
	}
	defer r.Close()

	var records []db.Record
	for r.Next() {
		rec, err := s.scan(r)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.table(), err)
		}
		records = append(records, rec)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}

func (s *recordStore) GetAll(ctx context.Context, usagePointID string) ([]db.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE usage_point_id = ? ORDER BY date ASC", s.columns, s.table())
	return s.list(ctx, query, usagePointID)
}

func (s *recordStore) GetRange(ctx context.Context, usagePointID string, begin, end time.Time) ([]db.Record, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE usage_point_id = ? AND date >= ? AND date <= ? ORDER BY date ASC",
		s.columns, s.table())
	return s.list(ctx, query, usagePointID, begin.UTC(), end.UTC())
}

func (s *recordStore) edge(ctx context.Context, usagePointID, order string) (time.Time, bool, error) {
	query := fmt.Sprintf("SELECT date FROM %s WHERE usage_point_id = ? ORDER BY date %s LIMIT 1", s.table(), order)

	var at time.Time
	err := s.d.queryRow(ctx, query, usagePointID).Scan(&at)
	if errors.Is(err, errNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query %s edge: %w", s.table(), err)
	}
	return at.UTC(), true, nil
}

func (s *recordStore) Oldest(ctx context.Context, usagePointID string) (time.Time, bool, error) {
	return s.edge(ctx, usagePointID, "ASC")
}

func (s *recordStore) Newest(ctx context.Context, usagePointID string) (time.Time, bool, error) {
	return s.edge(ctx, usagePointID, "DESC")
}

func (s *recordStore) LastNonZero(ctx context.Context, usagePointID string) (db.Record, bool, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE usage_point_id = ? AND value <> 0 ORDER BY date DESC LIMIT 1",
		s.columns, s.table())
	rec, err := s.scan(s.d.queryRow(ctx, query, usagePointID))
	if errors.Is(err, errNoRows) {
		return db.Record{}, false, nil
	}
	if err != nil {
		return db.Record{}, false, fmt.Errorf("failed to query %s: %w", s.table(), err)
	}
	return rec, true, nil
}

func (s *recordStore) Upsert(ctx context.Context, rec db.Record) (db.Record, error) {
	rec.Date, rec.ID = s.normalize(rec.UsagePointID, rec.Date)

	var (
		query string
		args  []any
	)
	if s.isDaily() {
		var charge *string
		if rec.MonthlyCharge.Valid {
			v := rec.MonthlyCharge.Decimal.String()
			charge = &v
		}
		query = fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				usage_point_id = excluded.usage_point_id,
				date = excluded.date,
				value = excluded.value,
				blacklist = excluded.blacklist,
				fail_count = excluded.fail_count,
				monthly_charge = excluded.monthly_charge`, s.table(), s.columns)
		args = []any{rec.ID, rec.UsagePointID, rec.Date, rec.Value, rec.Blacklist, rec.FailCount, charge}
	} else {
		if rec.MeasureType == "" {
			rec.MeasureType = db.Peak
		}
		query = fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				usage_point_id = excluded.usage_point_id,
				date = excluded.date,
				value = excluded.value,
				blacklist = excluded.blacklist,
				fail_count = excluded.fail_count,
				"interval" = excluded."interval",
				measure_type = excluded.measure_type`, s.table(), s.columns)
		args = []any{rec.ID, rec.UsagePointID, rec.Date, rec.Value, rec.Blacklist, rec.FailCount, rec.Interval, string(rec.MeasureType)}
	}

	var stored db.Record
	err := s.d.inTx(ctx, func(q querier) error {
		if _, err := q.exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", s.table(), err)
		}
		var found bool
		var err error
		stored, found, err = s.getByID(ctx, q, rec.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s row %s missing after upsert", ErrStoreCorruption, s.table(), rec.ID)
		}
		return nil
	})
	if err != nil {
		return db.Record{}, err
	}
	return stored, nil
}

func (s *recordStore) Delete(ctx context.Context, usagePointID string, at *time.Time) (int64, error) {
	var n int64
	err := s.d.inTx(ctx, func(q querier) error {
		var err error
		if at != nil {
			_, id := s.normalize(usagePointID, *at)
			n, err = q.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table()), id)
		} else {
			n, err = q.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE usage_point_id = ?", s.table()), usagePointID)
		}
		if err != nil {
			return fmt.Errorf("failed to delete from %s: %w", s.table(), err)
		}
		return nil
	})
	return n, err
}

func (s *recordStore) SetBlacklist(ctx context.Context, usagePointID string, at time.Time, flag bool) error {
	at, id := s.normalize(usagePointID, at)

	var query string
	var args []any
	if s.isDaily() {
		query = fmt.Sprintf(`
			INSERT INTO %s (id, usage_point_id, date, value, blacklist, fail_count)
			VALUES (?, ?, ?, 0, ?, 0)
			ON CONFLICT (id) DO UPDATE SET blacklist = excluded.blacklist, fail_count = 0`, s.table())
		args = []any{id, usagePointID, at, flag}
	} else {
		query = fmt.Sprintf(`
			INSERT INTO %s (id, usage_point_id, date, value, blacklist, fail_count, "interval", measure_type)
			VALUES (?, ?, ?, 0, ?, 0, 0, ?)
			ON CONFLICT (id) DO UPDATE SET blacklist = excluded.blacklist, fail_count = 0`, s.table())
		args = []any{id, usagePointID, at, flag, string(db.Peak)}
	}

	return s.d.inTx(ctx, func(q querier) error {
		if _, err := q.exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to set blacklist on %s: %w", s.table(), err)
		}
		return nil
	})
}
