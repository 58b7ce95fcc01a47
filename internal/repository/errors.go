package repository

import "errors"

var (
	// ErrStoreCorruption is returned when a write cannot be read back or the
	// store reports an integrity violation. It is never absorbed.
	ErrStoreCorruption = errors.New("store corruption")

	// ErrUnknownSeries is returned when no record store serves a series.
	ErrUnknownSeries = errors.New("unknown series")

	// ErrUsagePointNotFound is returned by ledger updates on an unknown point.
	ErrUsagePointNotFound = errors.New("usage point not found")

	// ErrConfigKeyNotFound is returned when a configuration key has never been set.
	ErrConfigKeyNotFound = errors.New("config key not found")
)
