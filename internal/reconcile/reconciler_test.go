package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPoint = "12345678901234"

var (
	dailyConsumption  = db.Series{Resolution: db.Daily, Direction: db.Consumption}
	detailConsumption = db.Series{Resolution: db.Detail, Direction: db.Consumption}
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func setup(t *testing.T) (*Reconciler, *repository.Repository) {
	t.Helper()

	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	repo, err := repository.NewSQLite(context.Background(), sqlDB)
	require.NoError(t, err)

	return NewReconciler(repo, 300, 30, zap.NewNop()), repo
}

func put(t *testing.T, repo *repository.Repository, s db.Series, rec db.Record) {
	t.Helper()
	store, err := repo.Records(s)
	require.NoError(t, err)
	rec.UsagePointID = testPoint
	_, err = store.Upsert(context.Background(), rec)
	require.NoError(t, err)
}

// putDetail stores n consecutive intervals of the given length from begin.
func putDetail(t *testing.T, repo *repository.Repository, begin time.Time, n, minutes int, mt db.MeasureType, value int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		put(t, repo, detailConsumption, db.Record{
			Date:        begin.Add(time.Duration(i*minutes) * time.Minute),
			Value:       value,
			Interval:    minutes,
			MeasureType: mt,
		})
	}
}

func TestScanDaily_GapDetection(t *testing.T) {
	r, repo := setup(t)
	put(t, repo, dailyConsumption, db.Record{Date: day(1), Value: 10})
	put(t, repo, dailyConsumption, db.Record{Date: day(3), Value: 30})

	scan, err := r.ScanDaily(context.Background(), testPoint, day(1), day(3), db.Consumption)
	require.NoError(t, err)

	assert.True(t, scan.MissingData)
	require.Len(t, scan.Days, 3)

	var absent []time.Time
	for _, d := range scan.Days {
		if d.Status == StatusAbsent {
			absent = append(absent, d.Date)
		}
	}
	require.Len(t, absent, 1)
	assert.True(t, absent[0].Equal(day(2)))
	assert.Equal(t, int64(30), scan.Days[2].Value)
}

func TestScanDaily_ZeroValue(t *testing.T) {
	r, repo := setup(t)
	put(t, repo, dailyConsumption, db.Record{Date: day(1), Value: 0})
	put(t, repo, dailyConsumption, db.Record{Date: day(2), Value: 0, Blacklist: true})

	scan, err := r.ScanDaily(context.Background(), testPoint, day(1), day(1), db.Consumption)
	require.NoError(t, err)
	assert.True(t, scan.MissingData)
	assert.Equal(t, StatusAbsent, scan.Days[0].Status)

	scan, err = r.ScanDaily(context.Background(), testPoint, day(2), day(2), db.Consumption)
	require.NoError(t, err)
	assert.False(t, scan.MissingData)
	assert.Equal(t, StatusPresent, scan.Days[0].Status)
	assert.True(t, scan.Days[0].Blacklist)
}

func TestScanDaily_InclusiveBounds(t *testing.T) {
	r, repo := setup(t)
	for d := 1; d <= 10; d++ {
		put(t, repo, dailyConsumption, db.Record{Date: day(d), Value: int64(d)})
	}

	tests := []struct {
		begin, end time.Time
		count      int
	}{
		{day(1), day(1), 1},
		{day(1), day(10), 10},
		{day(3), day(7), 5},
		{day(3).Add(20 * time.Hour), day(7).Add(time.Hour), 5},
	}
	for _, tt := range tests {
		scan, err := r.ScanDaily(context.Background(), testPoint, tt.begin, tt.end, db.Consumption)
		require.NoError(t, err)
		assert.Equal(t, tt.count, scan.Count)
		require.Len(t, scan.Days, tt.count)
		assert.True(t, scan.Days[0].Date.Equal(time.Date(tt.begin.Year(), tt.begin.Month(), tt.begin.Day(), 0, 0, 0, 0, time.UTC)))
		assert.False(t, scan.MissingData)
	}
}

func TestScanDaily_InvalidRange(t *testing.T) {
	r, _ := setup(t)
	_, err := r.ScanDaily(context.Background(), testPoint, day(3), day(1), db.Consumption)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestScanDaily_DirectionsAreSeparate(t *testing.T) {
	r, repo := setup(t)
	put(t, repo, db.Series{Resolution: db.Daily, Direction: db.Production}, db.Record{Date: day(1), Value: 5})

	scan, err := r.ScanDaily(context.Background(), testPoint, day(1), day(1), db.Consumption)
	require.NoError(t, err)
	assert.True(t, scan.MissingData)

	scan, err = r.ScanDaily(context.Background(), testPoint, day(1), day(1), db.Production)
	require.NoError(t, err)
	assert.False(t, scan.MissingData)
}

func TestScanDetail_CoverageTolerance(t *testing.T) {
	t.Run("270 minute shortfall is within tolerance", func(t *testing.T) {
		r, repo := setup(t)
		putDetail(t, repo, day(1), 40, 30, db.Peak, 100)

		scan, err := r.ScanDetail(context.Background(), testPoint, day(1), day(2), db.Consumption)
		require.NoError(t, err)
		assert.False(t, scan.MissingData)
		assert.Equal(t, 1440, scan.ExpectedMinutes)
		assert.Equal(t, 1170, scan.CoveredMinutes)
		assert.Len(t, scan.Intervals, 39)
	})

	t.Run("360 minute shortfall is missing", func(t *testing.T) {
		r, repo := setup(t)
		putDetail(t, repo, day(1), 109, 10, db.Peak, 100)

		scan, err := r.ScanDetail(context.Background(), testPoint, day(1), day(2), db.Consumption)
		require.NoError(t, err)
		assert.True(t, scan.MissingData)
		assert.Equal(t, 1080, scan.CoveredMinutes)
		assert.Empty(t, scan.Intervals)
	})

	t.Run("intervals on either bound are excluded", func(t *testing.T) {
		r, repo := setup(t)
		putDetail(t, repo, day(1), 49, 30, db.Peak, 100)

		scan, err := r.ScanDetail(context.Background(), testPoint, day(1), day(2), db.Consumption)
		require.NoError(t, err)
		assert.Equal(t, 1410, scan.CoveredMinutes)
		require.Len(t, scan.Intervals, 47)
		assert.True(t, scan.Intervals[0].Date.Equal(day(1).Add(30*time.Minute)))
		assert.True(t, scan.Intervals[46].Date.Equal(day(2).Add(-30*time.Minute)))
	})

	t.Run("interval at begin is excluded", func(t *testing.T) {
		r, repo := setup(t)
		begin := day(1).Add(6 * time.Hour)
		putDetail(t, repo, begin, 2, 30, db.Peak, 100)

		scan, err := r.ScanDetail(context.Background(), testPoint, begin, begin.Add(time.Hour), db.Consumption)
		require.NoError(t, err)
		assert.False(t, scan.MissingData)
		assert.Equal(t, 30, scan.CoveredMinutes)
		require.Len(t, scan.Intervals, 1)
		assert.True(t, scan.Intervals[0].Date.Equal(begin.Add(30*time.Minute)))
	})
}

func TestFirstGap_Daily(t *testing.T) {
	r, repo := setup(t)
	now := day(20).Add(10 * time.Hour)

	for d := 1; d <= 19; d++ {
		if d == 15 {
			continue
		}
		put(t, repo, dailyConsumption, db.Record{Date: day(d), Value: 1})
	}
	// blacklisted days are never reported
	put(t, repo, dailyConsumption, db.Record{Date: day(17), Blacklist: true})

	gap, found, err := r.FirstGap(context.Background(), testPoint, dailyConsumption, now)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, gap.Equal(day(15)))
}

func TestFirstGap_DailyNothingCached(t *testing.T) {
	r, _ := setup(t)

	gap, found, err := r.FirstGap(context.Background(), testPoint, dailyConsumption, day(20))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, gap.Equal(day(19)))
}

func TestFirstGap_Detail(t *testing.T) {
	r, repo := setup(t)
	now := day(4).Add(time.Hour)

	putDetail(t, repo, day(3), 48, 30, db.Peak, 1)
	putDetail(t, repo, day(2), 10, 30, db.Peak, 1)

	gap, found, err := r.FirstGap(context.Background(), testPoint, detailConsumption, now)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, gap.Equal(day(2)))
}

func TestLastCachedAndRange(t *testing.T) {
	r, repo := setup(t)

	_, found, err := r.LastCached(context.Background(), testPoint, dailyConsumption)
	require.NoError(t, err)
	assert.False(t, found)

	put(t, repo, dailyConsumption, db.Record{Date: day(2), Value: 4})
	put(t, repo, dailyConsumption, db.Record{Date: day(5), Value: 8})
	put(t, repo, dailyConsumption, db.Record{Date: day(6), Value: 0})

	last, found, err := r.LastCached(context.Background(), testPoint, dailyConsumption)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, last.Equal(day(5)))

	span, found, err := r.CachedRange(context.Background(), testPoint, dailyConsumption)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, span.Begin.Equal(day(2)))
	assert.True(t, span.End.Equal(day(6)))
}

func TestMeasureTypeTotals(t *testing.T) {
	r, repo := setup(t)
	// 22:00-06:00 off-peak, the rest peak
	putDetail(t, repo, day(1), 12, 30, db.OffPeak, 200)
	putDetail(t, repo, day(1).Add(6*time.Hour), 32, 30, db.Peak, 100)
	putDetail(t, repo, day(1).Add(22*time.Hour), 4, 30, db.OffPeak, 200)

	// one minute early so the midnight interval is inside the window
	totals, err := r.MeasureTypeTotals(context.Background(), testPoint, day(1).Add(-time.Minute), day(2), db.Consumption)
	require.NoError(t, err)
	assert.True(t, totals.Complete)
	assert.Equal(t, int64(3200), totals.ByType[db.OffPeak])
	assert.Equal(t, int64(3200), totals.ByType[db.Peak])
	assert.Equal(t, int64(6400), totals.Sum())
	assert.True(t, totals.Ratio(db.OffPeak).Equal(decimal.RequireFromString("0.5")))
}

func TestEstimate(t *testing.T) {
	totals := Totals{ByType: map[db.MeasureType]int64{db.OffPeak: 2000, db.Peak: 3000}}

	base := db.MeteringPoint{Plan: "BASE", ConsumptionPriceBase: decimal.RequireFromString("0.20")}
	assert.True(t, Estimate(base, db.Consumption, totals).Equal(decimal.RequireFromString("1")))

	hchp := db.MeteringPoint{
		Plan:               "HC/HP",
		ConsumptionPriceHC: decimal.RequireFromString("0.10"),
		ConsumptionPriceHP: decimal.RequireFromString("0.20"),
	}
	assert.True(t, Estimate(hchp, db.Consumption, totals).Equal(decimal.RequireFromString("0.8")))

	prod := db.MeteringPoint{ProductionPrice: decimal.RequireFromString("0.13")}
	assert.True(t, Estimate(prod, db.Production, totals).Equal(decimal.RequireFromString("0.65")))
}
