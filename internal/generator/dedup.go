package generator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	prefixSchedule = "SCHED:"
	prefixDaily    = "DAILY:"
	prefixManual   = "MANUAL:"
)

// ScheduleKey identifies one occurrence of a schedule on a local date.
func ScheduleKey(scheduleID, date string) string {
	return prefixSchedule + scheduleID + ":" + date
}

// DailyStandKey identifies the legacy per-stand daily task for a date.
func DailyStandKey(standID, date string) string {
	return prefixDaily + standID + ":" + date
}

// ManualKey folds title, stand and date into a short digest so the same ad
// hoc request is not filed twice.
func ManualKey(title, standID, date string) string {
	sum := sha256.Sum256([]byte(title + "|" + standID + "|" + date))
	return prefixManual + hex.EncodeToString(sum[:])[:16]
}

// KeyDate returns the YYYY-MM-DD suffix of a SCHED or DAILY key.
func KeyDate(key string) (string, bool) {
	if !strings.HasPrefix(key, prefixSchedule) && !strings.HasPrefix(key, prefixDaily) {
		return "", false
	}
	i := strings.LastIndex(key, ":")
	if i < 0 || len(key)-i-1 != len("2006-01-02") {
		return "", false
	}
	return key[i+1:], true
}
