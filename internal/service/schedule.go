package service

import "time"

// MonthlySchedule advances by a whole number of calendar months. Days past the
// end of the target month are clamped to its last day, so Jan 31 becomes
// Feb 28 (or 29).
type MonthlySchedule struct {
	Months int
}

func NewMonthlySchedule(months int) MonthlySchedule {
	if months < 1 {
		months = 1
	}
	return MonthlySchedule{Months: months}
}

func (s MonthlySchedule) NextChargeDate(last time.Time) time.Time {
	months := s.Months
	if months < 1 {
		months = 1
	}
	y, m, d := last.Date()
	hh, mm, ss := last.Clock()
	loc := last.Location()

	lastDay := time.Date(y, m+time.Month(months)+1, 0, 0, 0, 0, 0, loc).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(y, m+time.Month(months), d, hh, mm, ss, last.Nanosecond(), loc)
}
