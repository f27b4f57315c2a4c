package domain

import "time"

// TimeLayout is fixed width so stored timestamps order correctly as text.
// RFC3339Nano trims trailing zeros and would sort ".12Z" before ".1Z".
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp formats t in UTC with TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
