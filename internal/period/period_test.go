package period

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/pv-engine/internal/model"
)

func TestParseWeek_Valid(t *testing.T) {
	tests := []struct {
		key   string
		start time.Time
	}{
		{"2025-W01", time.Date(2024, time.December, 30, 0, 0, 0, 0, time.UTC)},
		{"2025-W02", time.Date(2025, time.January, 6, 0, 0, 0, 0, time.UTC)},
		{"2020-W53", time.Date(2020, time.December, 28, 0, 0, 0, 0, time.UTC)},
		{"2026-W01", time.Date(2025, time.December, 29, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			w, err := ParseWeek(tt.key)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !w.Start.Equal(tt.start) {
				t.Errorf("start: expected %s, got %s", tt.start, w.Start)
			}
			if !w.End.Equal(tt.start.AddDate(0, 0, 7)) {
				t.Errorf("end should be start+7d, got %s", w.End)
			}
			if w.Start.Weekday() != time.Monday {
				t.Errorf("week should start on Monday, got %s", w.Start.Weekday())
			}
		})
	}
}

func TestParseWeek_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"2025-01",
		"2025-W1",
		"2025-W001",
		"25-W01",
		"2025-w01",
		"2025-W00",
		"2025-W53", // 2025 has 52 ISO weeks
		" 2025-W01",
	}

	for _, key := range invalid {
		t.Run(key, func(t *testing.T) {
			_, err := ParseWeek(key)
			if err == nil {
				t.Fatalf("expected error for %q", key)
			}
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestWeekOf_RoundTrip(t *testing.T) {
	ts := time.Date(2025, time.March, 13, 15, 4, 5, 0, time.UTC) // Thursday
	w := WeekOf(ts)
	if w.Key != "2025-W11" {
		t.Errorf("expected 2025-W11, got %s", w.Key)
	}
	if !w.Contains(ts) {
		t.Error("week should contain the timestamp it was derived from")
	}
	if w.Contains(w.End) {
		t.Error("range must be half-open")
	}
}

func TestParseQuarter(t *testing.T) {
	q, err := ParseQuarter("2025-Q2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Start.Equal(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %s", q.Start)
	}
	if !q.End.Equal(time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected end %s", q.End)
	}

	for _, key := range []string{"2025-Q0", "2025-Q5", "2025Q1", "2025-q1"} {
		if _, err := ParseQuarter(key); !errors.Is(err, model.ErrValidation) {
			t.Errorf("%q: expected validation error, got %v", key, err)
		}
	}
}

func TestQuarterWeeks_PartitionYear(t *testing.T) {
	seen := make(map[string]string)
	total := 0
	for _, key := range []string{"2025-Q1", "2025-Q2", "2025-Q3", "2025-Q4"} {
		q, err := ParseQuarter(key)
		if err != nil {
			t.Fatal(err)
		}
		for _, wk := range q.WeekKeys() {
			if prev, ok := seen[wk]; ok {
				t.Errorf("week %s in both %s and %s", wk, prev, key)
			}
			seen[wk] = key
			total++
		}
	}
	if total != WeeksInYear(2025) {
		t.Errorf("expected %d weeks across 2025, got %d", WeeksInYear(2025), total)
	}

	q1, _ := ParseQuarter("2025-Q1")
	keys := q1.WeekKeys()
	if keys[0] != "2025-W01" {
		t.Errorf("2025-Q1 should start with 2025-W01, got %s", keys[0])
	}
}
