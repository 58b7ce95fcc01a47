package repository

import (
	"context"
	"errors"
	"fmt"
)

// Keys of the configuration table
const (
	ConfigDay        = "day"
	ConfigCallNumber = "call_number"
	ConfigMaxCall    = "max_call"
	ConfigVersion    = "version"
	ConfigLock       = "lock"
	ConfigLastUpdate = "lastUpdate"

	// ConfigOutcomePrefix prefixes the checkpoint of a partially applied
	// outcome message, keyed by request id
	ConfigOutcomePrefix = "outcome:"
)

// ConfigStore is the small key-value table holding process-wide state:
// the ingestion lock flag, the schema version and the daily call counter.
type ConfigStore struct {
	d database
}

// Get returns the value stored under key.
func (s *ConfigStore) Get(ctx context.Context, key string) (string, bool, error) {
	return s.get(ctx, s.d, key)
}

func (s *ConfigStore) get(ctx context.Context, q querier, key string) (string, bool, error) {
	var value string
	err := q.queryRow(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, errNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes key, overwriting any previous value.
func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	return s.set(ctx, s.d, key, value)
}

func (s *ConfigStore) set(ctx context.Context, q querier, key, value string) error {
	_, err := q.exec(ctx,
		"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (s *ConfigStore) Delete(ctx context.Context, key string) error {
	if _, err := s.d.exec(ctx, "DELETE FROM config WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete config %s: %w", key, err)
	}
	return nil
}

// SetDefault writes key only when it does not exist yet.
func (s *ConfigStore) SetDefault(ctx context.Context, key, value string) error {
	_, err := s.d.exec(ctx,
		"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to seed config %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap sets key to next only if it currently holds expected.
// A missing key never matches.
func (s *ConfigStore) CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error) {
	var swapped bool
	err := s.d.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, "UPDATE config SET value = ? WHERE key = ? AND value = ?", next, key, expected)
		if err != nil {
			return fmt.Errorf("failed to swap config %s: %w", key, err)
		}
		swapped = n == 1
		return nil
	})
	return swapped, err
}

// UpdateKeys reads keys into a map, lets fn edit it and writes every entry
// of the map back in one transaction. Missing keys are absent from the map.
func (s *ConfigStore) UpdateKeys(ctx context.Context, keys []string, fn func(values map[string]string) error) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	err := s.d.inTx(ctx, func(q querier) error {
		for _, key := range keys {
			value, found, err := s.get(ctx, q, key)
			if err != nil {
				return err
			}
			if found {
				values[key] = value
			}
		}
		if err := fn(values); err != nil {
			return err
		}
		for key, value := range values {
			if err := s.set(ctx, q, key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Update reads key, applies fn and stores the result in one transaction.
func (s *ConfigStore) Update(ctx context.Context, key string, fn func(value string, found bool) (string, error)) (string, error) {
	var next string
	err := s.d.inTx(ctx, func(q querier) error {
		value, found, err := s.get(ctx, q, key)
		if err != nil {
			return err
		}
		if next, err = fn(value, found); err != nil {
			return err
		}
		return s.set(ctx, q, key, next)
	})
	return next, err
}
