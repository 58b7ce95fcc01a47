package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/septivank/energy-metering-cache/internal/metrics"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"go.uber.org/zap"
)

const (
	lockFree = "0"
	lockHeld = "1"

	dayLayout = "2006-01-02"
)

// Init seeds the process-wide keys. day and version are always refreshed
// and a day change restarts the call counter. max_call, the lock and
// lastUpdate are only created when missing. A lock left held by a crashed
// cycle is kept and reported.
func (l *Ledger) Init(ctx context.Context, version string, now time.Time) error {
	cfg := l.repo.Config
	now = now.UTC()
	today := now.Format(dayLayout)

	keys := []string{repository.ConfigDay, repository.ConfigCallNumber}
	_, err := cfg.UpdateKeys(ctx, keys, func(values map[string]string) error {
		if _, ok := values[repository.ConfigCallNumber]; !ok || values[repository.ConfigDay] != today {
			values[repository.ConfigCallNumber] = "0"
		}
		values[repository.ConfigDay] = today
		return nil
	})
	if err != nil {
		return err
	}
	if err := cfg.Set(ctx, repository.ConfigVersion, version); err != nil {
		return err
	}

	defaults := []struct{ key, value string }{
		{repository.ConfigMaxCall, strconv.Itoa(l.maxCallPerDay)},
		{repository.ConfigLock, lockFree},
		{repository.ConfigLastUpdate, now.Format(time.RFC3339)},
	}
	for _, d := range defaults {
		if err := cfg.SetDefault(ctx, d.key, d.value); err != nil {
			return err
		}
	}

	locked, err := l.Locked(ctx)
	if err != nil {
		return err
	}
	if locked {
		metrics.IngestionLockHeld.Set(1)
		l.logger.Warn("ingestion lock found held at startup, outcomes wait until it is released",
			zap.String("recover", "meterctl lock release"))
	} else {
		metrics.IngestionLockHeld.Set(0)
	}

	l.logger.Info("ledger initialized", zap.String("version", version))
	return nil
}

// Version returns the version recorded by Init.
func (l *Ledger) Version(ctx context.Context) (string, error) {
	value, found, err := l.repo.Config.Get(ctx, repository.ConfigVersion)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s", repository.ErrConfigKeyNotFound, repository.ConfigVersion)
	}
	return value, nil
}

// MarkUpdated stamps the time of the last applied outcome.
func (l *Ledger) MarkUpdated(ctx context.Context, now time.Time) error {
	return l.repo.Config.Set(ctx, repository.ConfigLastUpdate, now.UTC().Format(time.RFC3339))
}

// OutcomeProgress returns how many steps of the outcome message requestID
// were applied before a failed delivery. It is 0 for a first delivery.
func (l *Ledger) OutcomeProgress(ctx context.Context, requestID string) (int, error) {
	if requestID == "" {
		return 0, nil
	}
	value, found, err := l.repo.Config.Get(ctx, repository.ConfigOutcomePrefix+requestID)
	if err != nil || !found {
		return 0, err
	}
	return atoi(value, 0), nil
}

// SaveOutcomeProgress checkpoints the number of applied steps so a
// redelivery resumes after them. Messages without a request id are not
// checkpointed.
func (l *Ledger) SaveOutcomeProgress(ctx context.Context, requestID string, steps int) error {
	if requestID == "" {
		return nil
	}
	return l.repo.Config.Set(ctx, repository.ConfigOutcomePrefix+requestID, strconv.Itoa(steps))
}

// ClearOutcomeProgress drops the checkpoint of a fully applied message.
func (l *Ledger) ClearOutcomeProgress(ctx context.Context, requestID string) error {
	if requestID == "" {
		return nil
	}
	return l.repo.Config.Delete(ctx, repository.ConfigOutcomePrefix+requestID)
}

// TryAcquire takes the process-wide ingestion lock. It returns false when
// another cycle holds it.
func (l *Ledger) TryAcquire(ctx context.Context) (bool, error) {
	if err := l.repo.Config.SetDefault(ctx, repository.ConfigLock, lockFree); err != nil {
		return false, err
	}
	acquired, err := l.repo.Config.CompareAndSwap(ctx, repository.ConfigLock, lockFree, lockHeld)
	if err != nil {
		return false, err
	}
	if acquired {
		metrics.IngestionLockHeld.Set(1)
	}
	return acquired, nil
}

// Release frees the ingestion lock whoever holds it.
func (l *Ledger) Release(ctx context.Context) error {
	if err := l.repo.Config.Set(ctx, repository.ConfigLock, lockFree); err != nil {
		return err
	}
	metrics.IngestionLockHeld.Set(0)
	return nil
}

// Locked reports whether an ingestion cycle holds the lock.
func (l *Ledger) Locked(ctx context.Context) (bool, error) {
	value, _, err := l.repo.Config.Get(ctx, repository.ConfigLock)
	if err != nil {
		return false, err
	}
	return value == lockHeld, nil
}

// CallBudget is the state of the process-wide daily provider call budget
type CallBudget struct {
	Day       string `json:"day"`
	Used      int    `json:"used"`
	Max       int    `json:"max"`
	Remaining int    `json:"remaining"`
}

// ConsumeCall spends one call of the daily provider budget. The counter
// restarts on the first call of a new day. It returns false, without
// spending, once the budget is exhausted.
func (l *Ledger) ConsumeCall(ctx context.Context, now time.Time) (bool, CallBudget, error) {
	today := now.UTC().Format(dayLayout)
	keys := []string{repository.ConfigDay, repository.ConfigCallNumber, repository.ConfigMaxCall}

	var (
		allowed bool
		budget  CallBudget
	)
	_, err := l.repo.Config.UpdateKeys(ctx, keys, func(values map[string]string) error {
		used := atoi(values[repository.ConfigCallNumber], 0)
		if values[repository.ConfigDay] != today {
			values[repository.ConfigDay] = today
			used = 0
		}
		limit := atoi(values[repository.ConfigMaxCall], l.maxCallPerDay)
		values[repository.ConfigMaxCall] = strconv.Itoa(limit)

		if used < limit {
			used++
			allowed = true
		}
		values[repository.ConfigCallNumber] = strconv.Itoa(used)

		budget = CallBudget{Day: today, Used: used, Max: limit, Remaining: limit - used}
		return nil
	})
	if err != nil {
		return false, CallBudget{}, err
	}

	if !allowed {
		l.logger.Warn("daily provider call budget exhausted", zap.Int("max_call", budget.Max))
	}
	return allowed, budget, nil
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
