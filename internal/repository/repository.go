package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/energy-metering-cache/internal/db"
)

// Repository groups the four record stores with the usage point ledger
// and the key-value configuration table.
type Repository struct {
	d       database
	records map[db.Series]RecordStore

	UsagePoints *UsagePointStore
	Config      *ConfigStore
}

// NewPostgres builds a repository on a pgx pool and creates missing tables
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Repository, error) {
	return newRepository(ctx, newPGDatabase(pool))
}

// NewSQLite builds a repository on a sqlite handle and creates missing tables
func NewSQLite(ctx context.Context, sqlDB *sql.DB) (*Repository, error) {
	return newRepository(ctx, newSQLiteDatabase(sqlDB))
}

func newRepository(ctx context.Context, d database) (*Repository, error) {
	if err := migrate(ctx, d); err != nil {
		return nil, err
	}

	r := &Repository{
		d:           d,
		records:     make(map[db.Series]RecordStore, 4),
		UsagePoints: &UsagePointStore{d: d},
		Config:      &ConfigStore{d: d},
	}
	for _, s := range db.AllSeries() {
		r.records[s] = newRecordStore(d, s)
	}
	return r, nil
}

// Records returns the store of a series.
func (r *Repository) Records(s db.Series) (RecordStore, error) {
	store, ok := r.records[s]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, s)
	}
	return store, nil
}

// PurgeUsagePoint deletes every cached record of a point across all series.
// The ledger row is kept.
func (r *Repository) PurgeUsagePoint(ctx context.Context, usagePointID string) (int64, error) {
	var total int64
	for _, s := range db.AllSeries() {
		n, err := r.records[s].Delete(ctx, usagePointID, nil)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Ping checks that the store answers queries.
func (r *Repository) Ping(ctx context.Context) error {
	var one int
	if err := r.d.queryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}
