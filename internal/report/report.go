package report

import (
	"encoding/csv"
	"io"
	"time"

	"faceattend/internal/attendance"
)

// WriteCSV streams attendance rows as CSV: one line per record, header first.
// Spreadsheet formatting stays with the consumer; this is the raw export.
func WriteCSV(w io.Writer, rows []attendance.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"roll_number", "name", "date", "time_in", "time_out", "status"}); err != nil {
		return err
	}
	for _, r := range rows {
		timeOut := ""
		if r.TimeOut != nil {
			timeOut = r.TimeOut.Format(time.TimeOnly)
		}
		rec := []string{
			r.RollNumber,
			r.Name,
			r.Date,
			r.TimeIn.Format(time.TimeOnly),
			timeOut,
			r.Status,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary is per-student presence over a date range.
type Summary struct {
	RollNumber  string
	Name        string
	PresentDays int
	TotalDays   int
}

// Percentage returns attendance as a percentage of distinct days in range.
func (s Summary) Percentage() float64 {
	if s.TotalDays == 0 {
		return 0
	}
	return float64(s.PresentDays) / float64(s.TotalDays) * 100
}

// Summarize folds raw records into per-student summaries, preserving first-seen order.
func Summarize(rows []attendance.Record) []Summary {
	days := map[string]bool{}
	perStudent := map[string]*Summary{}
	var order []string
	for _, r := range rows {
		days[r.Date] = true
		s, ok := perStudent[r.StudentID]
		if !ok {
			s = &Summary{RollNumber: r.RollNumber, Name: r.Name}
			perStudent[r.StudentID] = s
			order = append(order, r.StudentID)
		}
		s.PresentDays++
	}
	out := make([]Summary, 0, len(order))
	for _, id := range order {
		s := perStudent[id]
		s.TotalDays = len(days)
		out = append(out, *s)
	}
	return out
}
