package models

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the on-disk calendar date format.
const DateLayout = "2006-01-02"

// Date is a calendar day without time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the date for year, month and day. Out of range values are normalized.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: must be YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals. It panics on error.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// StartOfDay returns 00:00:00 of the date in loc.
func (d Date) StartOfDay(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// EndOfDay returns the last representable instant of the date in loc.
func (d Date) EndOfDay(loc *time.Location) time.Time {
	return d.StartOfDay(loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// Before reports whether d is strictly before other.
func (d Date) Before(other Date) bool {
	return d.StartOfDay(time.UTC).Before(other.StartOfDay(time.UTC))
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Date) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MonthRange returns the first and last day of a month.
func MonthRange(year int, month time.Month) (Date, Date) {
	start := NewDate(year, month, 1)
	end := DateOf(start.StartOfDay(time.UTC).AddDate(0, 1, -1))
	return start, end
}

// CurrentMonth returns the range of the month containing now.
func CurrentMonth(now time.Time) (Date, Date) {
	return MonthRange(now.Year(), now.Month())
}

// PreviousMonth returns the range of the month before the one containing now.
func PreviousMonth(now time.Time) (Date, Date) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return MonthRange(first.Year(), first.Month())
}

// month presets accepted by ParsePeriod
const (
	PeriodCurrentMonth  = "current-month"
	PeriodPreviousMonth = "previous-month"
)

// ParsePeriod resolves a month preset or a YYYY-MM month into its first and
// last day. Presets are relative to now.
func ParsePeriod(period string, now time.Time) (Date, Date, error) {
	switch p := strings.TrimSpace(period); p {
	case PeriodCurrentMonth:
		start, end := CurrentMonth(now)
		return start, end, nil
	case PeriodPreviousMonth:
		start, end := PreviousMonth(now)
		return start, end, nil
	default:
		t, err := time.Parse("2006-01", p)
		if err != nil {
			return Date{}, Date{}, fmt.Errorf("invalid period %q: must be %s, %s or YYYY-MM",
				period, PeriodCurrentMonth, PeriodPreviousMonth)
		}
		start, end := MonthRange(t.Year(), t.Month())
		return start, end, nil
	}
}

// ValidateDateRange checks that start is not after end. Open bounds are valid.
func ValidateDateRange(start, end *Date) error {
	if start == nil || end == nil {
		return nil
	}
	if end.Before(*start) {
		return fmt.Errorf("start date %s is after end date %s", start, end)
	}
	return nil
}
