package identity

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the fixed rendering of a timestamp inside a record identity.
const TimestampLayout = "2006-01-02 15:04:05"

// UsagePointIDLength is the length of a metering point identifier.
const UsagePointIDLength = 14

// ErrInvalidUsagePointID is returned for identifiers that are not 14 digits
var ErrInvalidUsagePointID = errors.New("usage point id must be 14 digits")

// RecordID derives the primary key of a cached record.
// The same (usagePointID, at) pair always yields the same identity, so
// repeated fetches of one date end up as upserts of a single row.
func RecordID(usagePointID string, at time.Time) string {
	sum := md5.Sum([]byte(usagePointID + "/" + at.UTC().Format(TimestampLayout)))
	return hex.EncodeToString(sum[:])
}

// DailyRecordID derives the identity of a daily record, which is always keyed
// on the start of the day.
func DailyRecordID(usagePointID string, day time.Time) string {
	return RecordID(usagePointID, Day(day))
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ValidateUsagePointID checks that id is a 14 character numeric string.
func ValidateUsagePointID(id string) error {
	if len(id) != UsagePointIDLength {
		return fmt.Errorf("%w: %q has %d characters", ErrInvalidUsagePointID, id, len(id))
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidUsagePointID, id)
		}
	}
	return nil
}
