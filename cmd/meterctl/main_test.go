package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/septivank/energy-metering-cache/internal/config"
	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupApp(t *testing.T) {
	t.Helper()

	cfg := config.FromEnv()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "cache.db")

	repo, closeStore, err := openRepository(context.Background(), cfg)
	require.NoError(t, err)

	current = &app{
		cfg:    cfg,
		logger: zap.NewNop(),
		repo:   repo,
		ledger: ledger.New(repo, cfg.Cache.MaxCallPerDay, zap.NewNop()),
		close:  closeStore,
	}
	t.Cleanup(func() {
		current.close()
		current = nil
	})
}

func TestRecordArgs(t *testing.T) {
	id, series, date, err := recordArgs([]string{"12345678901234", "detail", "production", "2024-01-02 10:30:00"})
	require.NoError(t, err)
	assert.Equal(t, "12345678901234", id)
	assert.Equal(t, db.Series{Resolution: db.Detail, Direction: db.Production}, series)
	assert.Equal(t, "2024-01-02 10:30:00", date)

	_, _, _, err = recordArgs([]string{"1234", "daily", "consumption", "2024-01-02"})
	assert.Error(t, err)
	_, _, _, err = recordArgs([]string{"12345678901234", "hourly", "consumption", "2024-01-02"})
	assert.Error(t, err)
}

func TestRangeArgs(t *testing.T) {
	_, direction, begin, end, err := rangeArgs([]string{"12345678901234", "consumption", "2024-01-01", "2024-01-31"})
	require.NoError(t, err)
	assert.Equal(t, db.Consumption, direction)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), begin)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), end)

	_, _, _, _, err = rangeArgs([]string{"12345678901234", "both", "2024-01-01", "2024-01-31"})
	assert.Error(t, err)
}

func TestWithLock(t *testing.T) {
	setupApp(t)
	ctx := context.Background()

	err := withLock(ctx, func() error {
		locked, err := current.ledger.Locked(ctx)
		require.NoError(t, err)
		assert.True(t, locked)
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")

	locked, err := current.ledger.Locked(ctx)
	require.NoError(t, err)
	assert.False(t, locked, "lock is released even when fn fails")

	acquired, err := current.ledger.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)
	called := false
	err = withLock(ctx, func() error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}
