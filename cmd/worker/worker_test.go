package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/ledger"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	repo, err := repository.NewSQLite(context.Background(), sqlDB)
	require.NoError(t, err)
	return ledger.New(repo, 500, zap.NewNop())
}

func TestWithIngestionLock(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)

	var heldDuringProcessing bool
	handler := withIngestionLock(led, zap.NewNop(), func(ctx context.Context, body []byte) error {
		locked, err := led.Locked(ctx)
		require.NoError(t, err)
		heldDuringProcessing = locked
		return errors.New("store unavailable")
	})

	err := handler(ctx, []byte("{}"))
	assert.EqualError(t, err, "store unavailable")
	assert.True(t, heldDuringProcessing)

	locked, err := led.Locked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestWithIngestionLock_CancelledWhileWaiting(t *testing.T) {
	led := newTestLedger(t)
	acquired, err := led.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	handler := withIngestionLock(led, zap.NewNop(), func(context.Context, []byte) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, handler(ctx, nil), context.Canceled)
	assert.False(t, called)
}
