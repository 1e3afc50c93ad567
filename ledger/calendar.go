package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// ACADEMIC MONTH - position in the fee calendar
// =============================================================================

// AcademicMonth is one month of the fee calendar. Month is the calendar
// month (1-12) and Year the calendar year it falls in, so ordering by
// (Year, Month) is chronological even across the April-start session.
type AcademicMonth struct {
	Month int
	Year  int
}

func NewAcademicMonth(month, year int) (AcademicMonth, error) {
	if month < 1 || month > 12 {
		return AcademicMonth{}, &ValidationError{Field: "month", Message: fmt.Sprintf("%d is outside [1,12]", month)}
	}
	if year < 1 {
		return AcademicMonth{}, &ValidationError{Field: "year", Message: fmt.Sprintf("%d is not a valid year", year)}
	}
	return AcademicMonth{Month: month, Year: year}, nil
}

// Next wraps 12 -> 1 and increments the year.
func (m AcademicMonth) Next() AcademicMonth {
	if m.Month == 12 {
		return AcademicMonth{Month: 1, Year: m.Year + 1}
	}
	return AcademicMonth{Month: m.Month + 1, Year: m.Year}
}

func (m AcademicMonth) Before(other AcademicMonth) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

func (m AcademicMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// Sequence returns n consecutive months starting at m.
func (m AcademicMonth) Sequence(n int) []AcademicMonth {
	months := make([]AcademicMonth, 0, n)
	cur := m
	for i := 0; i < n; i++ {
		months = append(months, cur)
		cur = cur.Next()
	}
	return months
}

// DueDate returns the due date in this month, clamping dueDay to the
// last day of short months.
func (m AcademicMonth) DueDate(dueDay int) time.Time {
	last := EndOfMonth(m.Year, time.Month(m.Month)).Day()
	if dueDay < 1 {
		dueDay = 1
	}
	if dueDay > last {
		dueDay = last
	}
	return time.Date(m.Year, time.Month(m.Month), dueDay, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}
