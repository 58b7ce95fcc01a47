package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPoint = "12345678901234"

var (
	dailyConsumption  = db.Series{Resolution: db.Daily, Direction: db.Consumption}
	detailConsumption = db.Series{Resolution: db.Detail, Direction: db.Consumption}
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	repo, err := NewSQLite(context.Background(), sqlDB)
	require.NoError(t, err)
	return repo
}

func records(t *testing.T, repo *Repository, s db.Series) RecordStore {
	t.Helper()
	store, err := repo.Records(s)
	require.NoError(t, err)
	return store
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
	assert.Equal(t,
		"UPDATE config SET value = $1 WHERE key = $2 AND value = $3",
		rebind("UPDATE config SET value = ? WHERE key = ? AND value = ?"))
}

func TestMigrate_Idempotent(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, migrate(context.Background(), repo.d))
}

func TestRecords_UnknownSeries(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Records(db.Series{Resolution: "hourly", Direction: db.Consumption})
	assert.ErrorIs(t, err, ErrUnknownSeries)
}

func TestUpsert_SameIdentityKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), dailyConsumption)

	first, err := store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(1), Value: 100})
	require.NoError(t, err)
	second, err := store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(1), Value: 100})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := store.GetAll(ctx, testPoint)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(100), all[0].Value)

	_, err = store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(1), Value: 250, FailCount: 2})
	require.NoError(t, err)

	rec, found, err := store.Get(ctx, testPoint, day(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(250), rec.Value)
	assert.Equal(t, 2, rec.FailCount)
}

func TestUpsert_DailyTruncatesToDay(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), dailyConsumption)

	stored, err := store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(2).Add(15 * time.Hour), Value: 7})
	require.NoError(t, err)
	assert.True(t, stored.Date.Equal(day(2)))

	rec, found, err := store.Get(ctx, testPoint, day(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, stored.ID, rec.ID)
}

func TestUpsert_MonthlyCharge(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), dailyConsumption)

	charge := decimal.RequireFromString("12.34")
	_, err := store.Upsert(ctx, db.Record{
		UsagePointID:  testPoint,
		Date:          day(1),
		Value:         10,
		MonthlyCharge: decimal.NullDecimal{Decimal: charge, Valid: true},
	})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(2), Value: 10})
	require.NoError(t, err)

	rec, _, err := store.Get(ctx, testPoint, day(1))
	require.NoError(t, err)
	require.True(t, rec.MonthlyCharge.Valid)
	assert.True(t, rec.MonthlyCharge.Decimal.Equal(charge))

	rec, _, err = store.Get(ctx, testPoint, day(2))
	require.NoError(t, err)
	assert.False(t, rec.MonthlyCharge.Valid)
}

func TestUpsert_DetailDefaultsMeasureType(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), detailConsumption)

	at := day(1).Add(30 * time.Minute)
	stored, err := store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: at, Value: 42, Interval: 30})
	require.NoError(t, err)
	assert.True(t, stored.Date.Equal(at))
	assert.Equal(t, 30, stored.Interval)
	assert.Equal(t, db.Peak, stored.MeasureType)
}

func TestGetRange_InclusiveAscending(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), dailyConsumption)

	for _, d := range []int{5, 1, 3, 2, 4} {
		_, err := store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(d), Value: int64(d)})
		require.NoError(t, err)
	}
	_, err := store.Upsert(ctx, db.Record{UsagePointID: "99999999999999", Date: day(3), Value: 1})
	require.NoError(t, err)

	got, err := store.GetRange(ctx, testPoint, day(2), day(4))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.True(t, rec.Date.Equal(day(i+2)))
	}

	all, err := store.GetAll(ctx, testPoint)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.True(t, all[0].Date.Equal(day(1)))
}

func TestEdges(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), dailyConsumption)

	_, found, err := store.Oldest(ctx, testPoint)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(2), Value: 5})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(3), Value: 9})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(4), Value: 0})
	require.NoError(t, err)

	oldest, found, err := store.Oldest(ctx, testPoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, oldest.Equal(day(2)))

	newest, found, err := store.Newest(ctx, testPoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, newest.Equal(day(4)))

	last, found, err := store.LastNonZero(ctx, testPoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, last.Date.Equal(day(3)))
	assert.Equal(t, int64(9), last.Value)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), dailyConsumption)

	for d := 1; d <= 3; d++ {
		_, err := store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(d), Value: 1})
		require.NoError(t, err)
	}

	at := day(2)
	n, err := store.Delete(ctx, testPoint, &at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, found, err := store.Get(ctx, testPoint, day(2))
	require.NoError(t, err)
	assert.False(t, found)

	n, err = store.Delete(ctx, testPoint, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSetBlacklist(t *testing.T) {
	ctx := context.Background()
	store := records(t, newTestRepository(t), dailyConsumption)

	// placeholder for an unknown date
	require.NoError(t, store.SetBlacklist(ctx, testPoint, day(1), true))
	rec, found, err := store.Get(ctx, testPoint, day(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Blacklist)
	assert.Equal(t, int64(0), rec.Value)

	// existing value is kept
	_, err = store.Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(2), Value: 77, FailCount: 2})
	require.NoError(t, err)
	require.NoError(t, store.SetBlacklist(ctx, testPoint, day(2), true))
	require.NoError(t, store.SetBlacklist(ctx, testPoint, day(2), false))

	rec, _, err = store.Get(ctx, testPoint, day(2))
	require.NoError(t, err)
	assert.False(t, rec.Blacklist)
	assert.Equal(t, int64(77), rec.Value)
	assert.Equal(t, 0, rec.FailCount)
}

func TestPurgeUsagePoint(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := records(t, repo, dailyConsumption).Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(1), Value: 1})
	require.NoError(t, err)
	_, err = records(t, repo, detailConsumption).Upsert(ctx, db.Record{UsagePointID: testPoint, Date: day(1), Value: 1, Interval: 30})
	require.NoError(t, err)

	n, err := repo.PurgeUsagePoint(ctx, testPoint)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUsagePoints(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, found, err := repo.UsagePoints.Get(ctx, testPoint)
	require.NoError(t, err)
	assert.False(t, found)

	expiry := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mp := db.MeteringPoint{
		ID:                   testPoint,
		Name:                 "home",
		Enable:               true,
		Consumption:          true,
		Plan:                 "HC/HP",
		ConsumptionPriceHC:   decimal.RequireFromString("0.1821"),
		ConsumptionPriceHP:   decimal.RequireFromString("0.2460"),
		ConsumptionPriceBase: decimal.Zero,
		ProductionPrice:      decimal.Zero,
		ConsentExpiration:    &expiry,
	}
	mp.OffpeakHours[0] = "22H00-6H00"
	require.NoError(t, repo.UsagePoints.Save(ctx, mp))

	got, found, err := repo.UsagePoints.Get(ctx, testPoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "home", got.Name)
	assert.Equal(t, "22H00-6H00", got.OffpeakHours[0])
	assert.True(t, got.ConsumptionPriceHC.Equal(mp.ConsumptionPriceHC))
	require.NotNil(t, got.ConsentExpiration)
	assert.True(t, got.ConsentExpiration.Equal(expiry))
	assert.Nil(t, got.LastCall)

	updated, err := repo.UsagePoints.Update(ctx, testPoint, func(mp *db.MeteringPoint) error {
		mp.CallNumber++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CallNumber)

	_, err = repo.UsagePoints.Update(ctx, "00000000000000", func(*db.MeteringPoint) error { return nil })
	assert.ErrorIs(t, err, ErrUsagePointNotFound)

	points, err := repo.UsagePoints.List(ctx)
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestConfigStore(t *testing.T) {
	ctx := context.Background()
	cfg := newTestRepository(t).Config

	_, found, err := cfg.Get(ctx, ConfigLock)
	require.NoError(t, err)
	assert.False(t, found)

	swapped, err := cfg.CompareAndSwap(ctx, ConfigLock, "0", "1")
	require.NoError(t, err)
	assert.False(t, swapped, "missing key never matches")

	require.NoError(t, cfg.SetDefault(ctx, ConfigLock, "0"))
	require.NoError(t, cfg.SetDefault(ctx, ConfigLock, "1"))
	value, _, err := cfg.Get(ctx, ConfigLock)
	require.NoError(t, err)
	assert.Equal(t, "0", value)

	swapped, err = cfg.CompareAndSwap(ctx, ConfigLock, "0", "1")
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = cfg.CompareAndSwap(ctx, ConfigLock, "0", "1")
	require.NoError(t, err)
	assert.False(t, swapped)

	require.NoError(t, cfg.Set(ctx, ConfigOutcomePrefix+"req-1", "3"))
	require.NoError(t, cfg.Delete(ctx, ConfigOutcomePrefix+"req-1"))
	require.NoError(t, cfg.Delete(ctx, ConfigOutcomePrefix+"req-1"))
	_, found, err = cfg.Get(ctx, ConfigOutcomePrefix+"req-1")
	require.NoError(t, err)
	assert.False(t, found)

	next, err := cfg.Update(ctx, ConfigCallNumber, func(value string, found bool) (string, error) {
		assert.False(t, found)
		return "1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "1", next)
}
