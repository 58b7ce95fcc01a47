package validator

import (
	"testing"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimestampToleranceMinutes = 60

var fetchedAt = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

func TestValidateReading_Daily(t *testing.T) {
	v := NewValidator(testTimestampToleranceMinutes)

	reading, result := v.ValidateReading(ReadingData{Date: "2024-01-02", Value: "12345", MonthlyCharge: "15.42"}, db.Daily, fetchedAt)

	require.True(t, result.IsValid, result.AnomalyReason)
	assert.True(t, reading.Date.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(12345), reading.Value)
	assert.True(t, reading.MonthlyCharge.Valid)
	assert.True(t, reading.MonthlyCharge.Decimal.Equal(decimal.RequireFromString("15.42")))
}

func TestValidateReading_Detail(t *testing.T) {
	v := NewValidator(testTimestampToleranceMinutes)

	reading, result := v.ValidateReading(ReadingData{
		Date:           "2024-01-02 22:30:00",
		Value:          "[245.6]",
		IntervalLength: "PT30M",
		MeasureType:    "hc",
	}, db.Detail, fetchedAt)

	require.True(t, result.IsValid, result.AnomalyReason)
	assert.Equal(t, int64(246), reading.Value)
	assert.Equal(t, 30, reading.Interval)
	assert.Equal(t, db.OffPeak, reading.MeasureType)
	assert.False(t, reading.MonthlyCharge.Valid)
}

func TestValidateReading_Invalid(t *testing.T) {
	v := NewValidator(testTimestampToleranceMinutes)

	tests := []struct {
		name       string
		data       ReadingData
		resolution db.Resolution
		reason     string
		dated      bool
	}{
		{"bad date", ReadingData{Date: "02/01/2024", Value: "1"}, db.Daily, "invalid date format", false},
		{"future date", ReadingData{Date: "2024-01-05", Value: "1"}, db.Daily, "date is after the fetch time", true},
		{"negative", ReadingData{Date: "2024-01-02", Value: "-10.5"}, db.Daily, "negative value detected", true},
		{"not a number", ReadingData{Date: "2024-01-02", Value: "abc"}, db.Daily, "invalid value", true},
		{"bad charge", ReadingData{Date: "2024-01-02", Value: "1", MonthlyCharge: "x"}, db.Daily, "invalid monthly charge", true},
		{"missing interval", ReadingData{Date: "2024-01-02 10:00:00", Value: "1"}, db.Detail, "missing interval length", true},
		{"unknown measure type", ReadingData{Date: "2024-01-02 10:00:00", Value: "1", IntervalLength: "30", MeasureType: "XX"}, db.Detail, "unknown measure type", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reading, result := v.ValidateReading(tt.data, tt.resolution, fetchedAt)
			assert.False(t, result.IsValid)
			assert.Contains(t, result.AnomalyReason, tt.reason)
			assert.Equal(t, tt.dated, !reading.Date.IsZero())
		})
	}
}

func TestParseIntervalLength(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"30", 30, true},
		{"PT10M", 10, true},
		{"pt30m", 30, true},
		{"PT1H", 60, true},
		{"", 0, false},
		{"0", 0, false},
		{"PT30S", 0, false},
		{"half an hour", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseIntervalLength(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
