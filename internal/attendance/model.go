package attendance

import "time"

// DateLayout is the calendar-day key format for the dedup window.
const DateLayout = "2006-01-02"

// Record is one attendance row: at most one per (student, calendar day).
type Record struct {
	ID         string     `json:"id"`
	StudentID  string     `json:"student_id"`
	Date       string     `json:"date"`
	TimeIn     time.Time  `json:"time_in"`
	TimeOut    *time.Time `json:"time_out,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	Name       string     `json:"name,omitempty"`
	RollNumber string     `json:"roll_number,omitempty"`
}

// DateOf maps a timestamp to its calendar-day key.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}
