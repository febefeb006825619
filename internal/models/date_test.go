package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Date
		wantErr bool
	}{
		{name: "valid", input: "2024-01-15", want: Date{2024, time.January, 15}},
		{name: "surrounding spaces", input: " 2024-02-29 ", want: Date{2024, time.February, 29}},
		{name: "wrong layout", input: "15.01.2024", wantErr: true},
		{name: "impossible day", input: "2023-02-29", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDate(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDate_DayBounds(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	d := MustParseDate("2024-01-31")

	start := d.StartOfDay(loc)
	end := d.EndOfDay(loc)

	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, loc), start)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, loc), end.Add(time.Nanosecond))
	assert.Equal(t, d, DateOf(end))
}

func TestDate_JSONAndYAML(t *testing.T) {
	d := MustParseDate("2024-03-05")

	b, err := json.Marshal(struct {
		D Date `json:"d"`
	}{d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2024-03-05"}`, string(b))

	var fromYAML struct {
		D *Date `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 2024-03-05\n"), &fromYAML))
	require.NotNil(t, fromYAML.D)
	assert.Equal(t, d, *fromYAML.D)

	var bad struct {
		D Date `json:"d"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"d":"March 5"}`), &bad))
}

func TestMonthRange(t *testing.T) {
	tests := []struct {
		year      int
		month     time.Month
		wantStart string
		wantEnd   string
	}{
		{2024, time.February, "2024-02-01", "2024-02-29"},
		{2023, time.February, "2023-02-01", "2023-02-28"},
		{2024, time.December, "2024-12-01", "2024-12-31"},
	}

	for _, tt := range tests {
		start, end := MonthRange(tt.year, tt.month)
		assert.Equal(t, tt.wantStart, start.String())
		assert.Equal(t, tt.wantEnd, end.String())
	}
}

func TestPreviousMonth_WrapsYear(t *testing.T) {
	start, end := PreviousMonth(time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, "2023-12-01", start.String())
	assert.Equal(t, "2023-12-31", end.String())
}

func TestValidateDateRange(t *testing.T) {
	jan1 := MustParseDate("2024-01-01")
	jan31 := MustParseDate("2024-01-31")

	assert.NoError(t, ValidateDateRange(nil, nil))
	assert.NoError(t, ValidateDateRange(&jan1, nil))
	assert.NoError(t, ValidateDateRange(&jan1, &jan1))
	assert.NoError(t, ValidateDateRange(&jan1, &jan31))
	assert.Error(t, ValidateDateRange(&jan31, &jan1))
}

func TestParsePeriod(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		period    string
		wantStart string
		wantEnd   string
		wantErr   bool
	}{
		{period: PeriodCurrentMonth, wantStart: "2024-03-01", wantEnd: "2024-03-31"},
		{period: PeriodPreviousMonth, wantStart: "2024-02-01", wantEnd: "2024-02-29"},
		{period: "2023-11", wantStart: "2023-11-01", wantEnd: "2023-11-30"},
		{period: " 2024-02 ", wantStart: "2024-02-01", wantEnd: "2024-02-29"},
		{period: "2024-13", wantErr: true},
		{period: "last-week", wantErr: true},
		{period: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			start, end, err := ParsePeriod(tt.period, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start.String())
			assert.Equal(t, tt.wantEnd, end.String())
		})
	}
}
