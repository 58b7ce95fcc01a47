package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/septivank/energy-metering-cache/internal/metrics"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/septivank/energy-metering-cache/tools/timeparser"
	"go.uber.org/zap"
)

// ErrInvalidRange is returned when a scan ends before it begins
var ErrInvalidRange = errors.New("range end is before its beginning")

// Status is the presence of a date in the cache
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// DayStatus is the cache state of one calendar day
type DayStatus struct {
	Date      time.Time `json:"date"`
	Status    Status    `json:"status"`
	Value     int64     `json:"value"`
	Blacklist bool      `json:"blacklist"`
	FailCount int       `json:"fail_count"`
}

// DailyScan reports every day of an inclusive range, ascending
type DailyScan struct {
	MissingData bool        `json:"missing_data"`
	Days        []DayStatus `json:"days"`
	Count       int         `json:"count"`
}

// IntervalStatus is one cached detail interval
type IntervalStatus struct {
	Date        time.Time      `json:"date"`
	Value       int64          `json:"value"`
	Interval    int            `json:"interval"`
	MeasureType db.MeasureType `json:"measure_type"`
	Blacklist   bool           `json:"blacklist"`
}

// DetailScan reports the coverage of a detail window. Intervals is only
// filled when coverage is within tolerance.
type DetailScan struct {
	MissingData     bool             `json:"missing_data"`
	ExpectedMinutes int              `json:"expected_minutes"`
	CoveredMinutes  int              `json:"covered_minutes"`
	Intervals       []IntervalStatus `json:"intervals"`
}

// Range is the span of cached dates of a series
type Range struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end"`
}

// Reconciler compares cached records against requested date ranges.
// It never mutates the store and never consults the ledger.
type Reconciler struct {
	repo             *repository.Repository
	toleranceMinutes int
	lookbackDays     int
	logger           *zap.Logger
}

// NewReconciler creates a reconciler.
// toleranceMinutes bounds the accepted coverage shortfall of a detail window;
// lookbackDays bounds how far FirstGap walks back.
func NewReconciler(repo *repository.Repository, toleranceMinutes, lookbackDays int, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:             repo,
		toleranceMinutes: toleranceMinutes,
		lookbackDays:     lookbackDays,
		logger:           logger,
	}
}

func daily(direction db.Direction) db.Series {
	return db.Series{Resolution: db.Daily, Direction: direction}
}

func detail(direction db.Direction) db.Series {
	return db.Series{Resolution: db.Detail, Direction: direction}
}

// absent reports whether a stored daily record still counts as missing.
// A zero value is indistinguishable from a genuine zero reading unless the
// record is blacklisted.
func absent(rec db.Record) bool {
	return rec.Value == 0 && !rec.Blacklist
}

// ScanDaily reports the status of every day in [begin, end].
func (r *Reconciler) ScanDaily(ctx context.Context, usagePointID string, begin, end time.Time, direction db.Direction) (DailyScan, error) {
	series := daily(direction)
	begin, end = identity.Day(begin), identity.Day(end)
	if end.Before(begin) {
		return DailyScan{}, fmt.Errorf("%w: %s > %s", ErrInvalidRange, begin.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	store, err := r.repo.Records(series)
	if err != nil {
		return DailyScan{}, err
	}
	cached, err := store.GetRange(ctx, usagePointID, begin, end)
	if err != nil {
		return DailyScan{}, err
	}
	byDay := make(map[time.Time]db.Record, len(cached))
	for _, rec := range cached {
		byDay[identity.Day(rec.Date)] = rec
	}

	count := timeparser.DaysInclusive(begin, end)
	scan := DailyScan{Days: make([]DayStatus, 0, count), Count: count}
	for i := 0; i < count; i++ {
		d := begin.AddDate(0, 0, i)
		status := DayStatus{Date: d, Status: StatusAbsent}

		rec, ok := byDay[d]
		if ok {
			status.Value = rec.Value
			status.Blacklist = rec.Blacklist
			status.FailCount = rec.FailCount
			if !absent(rec) {
				status.Status = StatusPresent
			}
		}
		if status.Status == StatusAbsent {
			scan.MissingData = true
		}
		scan.Days = append(scan.Days, status)
	}

	metrics.ScansTotal.WithLabelValues(series.String(), strconv.FormatBool(scan.MissingData)).Inc()
	return scan, nil
}

// ScanDetail compares the summed interval lengths of the records strictly
// between begin and end with the minutes elapsed between the bounds. A shortfall or
// excess beyond the tolerance flags the whole window as missing.
func (r *Reconciler) ScanDetail(ctx context.Context, usagePointID string, begin, end time.Time, direction db.Direction) (DetailScan, error) {
	series := detail(direction)
	begin, end = begin.UTC(), end.UTC()
	if end.Before(begin) {
		return DetailScan{}, fmt.Errorf("%w: %s > %s", ErrInvalidRange, begin.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	records, err := r.detailWindow(ctx, series, usagePointID, begin, end)
	if err != nil {
		return DetailScan{}, err
	}

	scan := r.coverage(begin, end, records)
	if scan.MissingData {
		r.logger.Info(fmt.Sprintf("%dm missing from detail window", abs(scan.ExpectedMinutes-scan.CoveredMinutes)),
			zap.String("usage_point_id", usagePointID),
			zap.String("series", series.String()),
			zap.Time("begin", begin),
			zap.Time("end", end),
		)
	}

	metrics.ScansTotal.WithLabelValues(series.String(), strconv.FormatBool(scan.MissingData)).Inc()
	return scan, nil
}

func (r *Reconciler) detailWindow(ctx context.Context, series db.Series, usagePointID string, begin, end time.Time) ([]db.Record, error) {
	store, err := r.repo.Records(series)
	if err != nil {
		return nil, err
	}
	records, err := store.GetRange(ctx, usagePointID, begin, end)
	if err != nil {
		return nil, err
	}
	inside := records[:0]
	for _, rec := range records {
		if rec.Date.After(begin) && rec.Date.Before(end) {
			inside = append(inside, rec)
		}
	}
	return inside, nil
}

func (r *Reconciler) coverage(begin, end time.Time, records []db.Record) DetailScan {
	scan := DetailScan{ExpectedMinutes: timeparser.MinutesBetween(begin, end)}
	for _, rec := range records {
		scan.CoveredMinutes += rec.Interval
	}

	if abs(scan.ExpectedMinutes-scan.CoveredMinutes) > r.toleranceMinutes {
		scan.MissingData = true
		return scan
	}

	scan.Intervals = make([]IntervalStatus, 0, len(records))
	for _, rec := range records {
		scan.Intervals = append(scan.Intervals, IntervalStatus{
			Date:        rec.Date,
			Value:       rec.Value,
			Interval:    rec.Interval,
			MeasureType: rec.MeasureType,
			Blacklist:   rec.Blacklist,
		})
	}
	return scan
}

// FirstGap returns the most recent missing day, walking back from the day
// before now down to the look-back horizon. Detail series count a day as
// missing when its coverage is outside tolerance.
func (r *Reconciler) FirstGap(ctx context.Context, usagePointID string, series db.Series, now time.Time) (time.Time, bool, error) {
	if err := series.Validate(); err != nil {
		return time.Time{}, false, err
	}

	latest := identity.Day(now).AddDate(0, 0, -1)
	horizon := identity.Day(now).AddDate(0, 0, -r.lookbackDays)
	if latest.Before(horizon) {
		return time.Time{}, false, nil
	}

	if series.Resolution == db.Daily {
		scan, err := r.ScanDaily(ctx, usagePointID, horizon, latest, series.Direction)
		if err != nil {
			return time.Time{}, false, err
		}
		for i := len(scan.Days) - 1; i >= 0; i-- {
			if scan.Days[i].Status == StatusAbsent {
				return scan.Days[i].Date, true, nil
			}
		}
		return time.Time{}, false, nil
	}

	records, err := r.detailWindow(ctx, series, usagePointID, horizon, latest.AddDate(0, 0, 1))
	if err != nil {
		return time.Time{}, false, err
	}
	byDay := make(map[time.Time][]db.Record)
	for _, rec := range records {
		d := identity.Day(rec.Date)
		byDay[d] = append(byDay[d], rec)
	}
	for d := latest; !d.Before(horizon); d = d.AddDate(0, 0, -1) {
		if r.coverage(d, d.AddDate(0, 0, 1), byDay[d]).MissingData {
			return d, true, nil
		}
	}
	return time.Time{}, false, nil
}

// LastCached returns the date of the most recent record holding a non-zero
// value.
func (r *Reconciler) LastCached(ctx context.Context, usagePointID string, series db.Series) (time.Time, bool, error) {
	store, err := r.repo.Records(series)
	if err != nil {
		return time.Time{}, false, err
	}
	rec, found, err := store.LastNonZero(ctx, usagePointID)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	return rec.Date, true, nil
}

// CachedRange returns the oldest and newest cached dates of a series.
func (r *Reconciler) CachedRange(ctx context.Context, usagePointID string, series db.Series) (Range, bool, error) {
	store, err := r.repo.Records(series)
	if err != nil {
		return Range{}, false, err
	}
	begin, found, err := store.Oldest(ctx, usagePointID)
	if err != nil || !found {
		return Range{}, false, err
	}
	end, _, err := store.Newest(ctx, usagePointID)
	if err != nil {
		return Range{}, false, err
	}
	return Range{Begin: begin, End: end}, true, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
