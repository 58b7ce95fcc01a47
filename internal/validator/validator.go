package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/tools/timeparser"
	"github.com/shopspring/decimal"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	AnomalyReason string
}

// ReadingData represents a single reading as sent by the fetch collaborator
type ReadingData struct {
	Date           string
	Value          string
	IntervalLength string
	MeasureType    string
	MonthlyCharge  string
}

// Reading is a reading converted to the cache representation
type Reading struct {
	Date          time.Time
	Value         int64
	Interval      int
	MeasureType   db.MeasureType
	MonthlyCharge decimal.NullDecimal
}

// Validator handles reading validation with configurable parameters
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a new validator. Readings dated more than
// timestampToleranceMinutes after the fetch are rejected.
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

// ValidateReading validates a single reading of the given resolution.
// Reading.Date is zero only when the date itself could not be parsed.
func (v *Validator) ValidateReading(data ReadingData, resolution db.Resolution, fetchedAt time.Time) (Reading, ValidationResult) {
	result := ValidationResult{IsValid: true}
	var reading Reading

	date, err := timeparser.ParseProviderDate(strings.TrimSpace(data.Date))
	if err != nil {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("invalid date format: %v", err)
		return reading, result
	}
	reading.Date = date

	if timeparser.IsAfterTolerance(date, fetchedAt, v.timestampToleranceMinutes) {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("date is after the fetch time (tolerance %d minutes)", v.timestampToleranceMinutes)
		return reading, result
	}

	// Strip square brackets if present
	raw := strings.Trim(strings.TrimSpace(data.Value), "[]")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("invalid value: %v", err)
		return reading, result
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		result.IsValid = false
		result.AnomalyReason = "non-finite value"
		return reading, result
	}
	if value < 0 {
		result.IsValid = false
		result.AnomalyReason = "negative value detected"
		return reading, result
	}
	reading.Value = int64(math.Round(value))

	if resolution == db.Detail {
		interval, err := ParseIntervalLength(data.IntervalLength)
		if err != nil {
			result.IsValid = false
			result.AnomalyReason = err.Error()
			return reading, result
		}
		reading.Interval = interval

		switch mt := db.MeasureType(strings.ToUpper(strings.TrimSpace(data.MeasureType))); mt {
		case "":
			reading.MeasureType = db.Peak
		case db.OffPeak, db.Peak:
			reading.MeasureType = mt
		default:
			result.IsValid = false
			result.AnomalyReason = fmt.Sprintf("unknown measure type %q", data.MeasureType)
			return reading, result
		}
		return reading, result
	}

	if charge := strings.TrimSpace(data.MonthlyCharge); charge != "" {
		d, err := decimal.NewFromString(charge)
		if err != nil {
			result.IsValid = false
			result.AnomalyReason = fmt.Sprintf("invalid monthly charge: %v", err)
			return reading, result
		}
		reading.MonthlyCharge = decimal.NewNullDecimal(d)
	}

	return reading, result
}

// ParseIntervalLength reads an interval length in minutes, either as a
// plain number ("30") or as an ISO-8601 duration ("PT30M", "PT1H").
func ParseIntervalLength(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("missing interval length")
	}

	minutes, err := strconv.Atoi(s)
	if err != nil {
		if !strings.HasPrefix(s, "PT") {
			return 0, fmt.Errorf("invalid interval length %q", s)
		}
		d, perr := time.ParseDuration(strings.ToLower(strings.TrimPrefix(s, "PT")))
		if perr != nil || d%time.Minute != 0 {
			return 0, fmt.Errorf("invalid interval length %q", s)
		}
		minutes = int(d / time.Minute)
	}

	if minutes <= 0 {
		return 0, fmt.Errorf("interval length must be positive, got %d", minutes)
	}
	return minutes, nil
}
