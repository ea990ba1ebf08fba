package fee

import "fmt"

// Category is the billing classification of an attendance record.
type Category string

const (
	CategoryPresent          Category = "present"
	CategoryUnexcusedAbsence Category = "unexcused_absence"
	CategoryExcusedAbsence   Category = "excused_absence"
	CategoryLate             Category = "late"
)

// Classify maps a status and excused flag to a Category. The excused flag
// only matters for absences. Statuses outside present/absent/late are
// rejected rather than silently ignored.
func Classify(status AttendanceStatus, isExcused bool) (Category, error) {
	switch status {
	case StatusPresent:
		return CategoryPresent, nil
	case StatusAbsent:
		if isExcused {
			return CategoryExcusedAbsence, nil
		}
		return CategoryUnexcusedAbsence, nil
	case StatusLate:
		return CategoryLate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
}

// ClassifyRecord classifies an attendance record.
func ClassifyRecord(a AttendanceRecord) (Category, error) {
	return Classify(a.Status, a.IsExcused)
}
