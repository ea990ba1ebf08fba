/*
counters.go - Read-side queries feeding the decision table

All four counters are evaluated through the Store handed to the current
transaction, so they see the same snapshot as the writes that follow.

HISTORY CUT:
  Attendance counters only see the record being processed and what came
  before it (HistoryBound). Records stored later but dated earlier still
  count; a backlog processed oldest first charges the same as live entry.

MONTHLY BUCKETS:
  Months are calendar months of the attendance RecordedAt in the engine's
  location (UTC unless configured). Attendance counts run from the month
  start to the current record. The penalty check covers the whole month
  [from, to) so at most one penalty lands per month.
*/
package fee

import (
	"context"
	"fmt"
	"time"
)

// Counters is the history snapshot the decision table needs.
type Counters struct {
	ConsecutiveUnexcused int
	MonthlyExcused       int
	MonthlyLate          int
	AlreadyPenalized     bool
}

// MonthRange returns the calendar month containing t, in loc, as UTC instants.
func MonthRange(t time.Time, loc *time.Location) (from, to time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 1, 0).UTC()
}

// ConsecutiveUnexcusedStreak counts back-to-back unexcused absences ending
// at record, stopping at the first record that is not one.
func ConsecutiveUnexcusedStreak(ctx context.Context, store Store, record AttendanceRecord) (int, error) {
	records, err := store.RecentAttendance(ctx, record.StudentID, record.ClassID, BoundAt(record), StreakWindow)
	if err != nil {
		return 0, fmt.Errorf("load recent attendance: %w", err)
	}

	streak := 0
	for _, r := range records {
		cat, err := ClassifyRecord(r)
		if err != nil || cat != CategoryUnexcusedAbsence {
			break
		}
		streak++
	}
	return streak, nil
}

// MonthlyExcusedCount counts excused absences from the month start through record.
func MonthlyExcusedCount(ctx context.Context, store Store, record AttendanceRecord, monthStart time.Time) (int, error) {
	excused := true
	return store.CountAttendance(ctx, AttendanceFilter{
		StudentID: record.StudentID,
		ClassID:   record.ClassID,
		Status:    StatusAbsent,
		IsExcused: &excused,
		From:      monthStart,
		Until:     BoundAt(record),
	})
}

// MonthlyLateCount counts late arrivals from the month start through record.
func MonthlyLateCount(ctx context.Context, store Store, record AttendanceRecord, monthStart time.Time) (int, error) {
	return store.CountAttendance(ctx, AttendanceFilter{
		StudentID: record.StudentID,
		ClassID:   record.ClassID,
		Status:    StatusLate,
		From:      monthStart,
		Until:     BoundAt(record),
	})
}

// AlreadyPenalizedThisMonth reports whether a penalty was applied in [from, to).
func AlreadyPenalizedThisMonth(ctx context.Context, store Store, studentID StudentID, classID ClassID, from, to time.Time) (bool, error) {
	return store.HasPenalty(ctx, studentID, classID, from, to)
}

// LoadCounters evaluates the counters the record's category needs. Counters
// irrelevant to the category are left at zero.
func LoadCounters(ctx context.Context, store Store, record AttendanceRecord, cat Category, loc *time.Location) (Counters, error) {
	var c Counters
	var err error
	from, to := MonthRange(record.RecordedAt, loc)

	switch cat {
	case CategoryUnexcusedAbsence:
		c.ConsecutiveUnexcused, err = ConsecutiveUnexcusedStreak(ctx, store, record)
		if err != nil {
			return c, err
		}
	case CategoryExcusedAbsence:
		c.MonthlyExcused, err = MonthlyExcusedCount(ctx, store, record, from)
		if err != nil {
			return c, fmt.Errorf("count excused absences: %w", err)
		}
	case CategoryLate:
		c.MonthlyLate, err = MonthlyLateCount(ctx, store, record, from)
		if err != nil {
			return c, fmt.Errorf("count late arrivals: %w", err)
		}
		c.AlreadyPenalized, err = AlreadyPenalizedThisMonth(ctx, store, record.StudentID, record.ClassID, from, to)
		if err != nil {
			return c, fmt.Errorf("check monthly penalty: %w", err)
		}
	}
	return c, nil
}
