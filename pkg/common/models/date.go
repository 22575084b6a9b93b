package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type DatePrecision int

const (
	PrecisionNone DatePrecision = iota
	PrecisionYear
	PrecisionMonth
	PrecisionDay
)

func (p DatePrecision) String() string {
	switch p {
	case PrecisionYear:
		return "year"
	case PrecisionMonth:
		return "month"
	case PrecisionDay:
		return "day"
	default:
		return "none"
	}
}

// PartialDate is a calendar date that may only be known to the year or month.
type PartialDate struct {
	Year      int
	Month     int
	Day       int
	Precision DatePrecision
}

var errInvalidDate = fmt.Errorf("invalid partial date")

// ParsePartialDate accepts "", "2006", "2006-01", "2006-01-02" and RFC 3339 timestamps.
func ParsePartialDate(value string) (PartialDate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return PartialDate{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return DayOf(t), nil
	}
	layouts := []struct {
		layout    string
		precision DatePrecision
	}{
		{"2006-01-02", PrecisionDay},
		{"2006-01", PrecisionMonth},
		{"2006", PrecisionYear},
	}
	for _, l := range layouts {
		t, err := time.Parse(l.layout, value)
		if err != nil {
			continue
		}
		d := PartialDate{Year: t.Year(), Precision: l.precision}
		if l.precision >= PrecisionMonth {
			d.Month = int(t.Month())
		}
		if l.precision == PrecisionDay {
			d.Day = t.Day()
		}
		return d, nil
	}
	return PartialDate{}, errInvalidDate
}

// DayOf returns the day-precision date of t in UTC.
func DayOf(t time.Time) PartialDate {
	t = t.UTC()
	return PartialDate{Year: t.Year(), Month: int(t.Month()), Day: t.Day(), Precision: PrecisionDay}
}

func (d PartialDate) IsZero() bool {
	return d.Precision == PrecisionNone
}

// LowerBound is the first instant the date could refer to.
func (d PartialDate) LowerBound() time.Time {
	switch d.Precision {
	case PrecisionYear:
		return time.Date(d.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	case PrecisionMonth:
		return time.Date(d.Year, time.Month(d.Month), 1, 0, 0, 0, 0, time.UTC)
	case PrecisionDay:
		return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

func (d PartialDate) String() string {
	switch d.Precision {
	case PrecisionYear:
		return fmt.Sprintf("%04d", d.Year)
	case PrecisionMonth:
		return fmt.Sprintf("%04d-%02d", d.Year, d.Month)
	case PrecisionDay:
		return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
	default:
		return ""
	}
}

// Compare orders dates by lower bound, then coarser precision first. Undated sorts last.
func (d PartialDate) Compare(other PartialDate) int {
	if d.IsZero() || other.IsZero() {
		switch {
		case d.IsZero() && other.IsZero():
			return 0
		case d.IsZero():
			return 1
		default:
			return -1
		}
	}
	a, b := d.LowerBound(), other.LowerBound()
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	switch {
	case d.Precision < other.Precision:
		return -1
	case d.Precision > other.Precision:
		return 1
	}
	return 0
}

func (d PartialDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *PartialDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePartialDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
