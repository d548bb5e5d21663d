// Package period handles settlement period keys: ISO weeks (2025-W01) and
// calendar quarters (2025-Q1), and the UTC date ranges they cover.
package period

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/atmx/pv-engine/internal/model"
)

// weekRegex matches: {YYYY}-W{ww}
// Example: 2025-W01
var weekRegex = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

// quarterRegex matches: {YYYY}-Q{1-4}
// Example: 2025-Q3
var quarterRegex = regexp.MustCompile(`^(\d{4})-Q([1-4])$`)

var (
	ErrInvalidWeekKey    = fmt.Errorf("%w: invalid week key", model.ErrValidation)
	ErrInvalidQuarterKey = fmt.Errorf("%w: invalid quarter key", model.ErrValidation)
)

// Week is a parsed ISO week. Start is Monday 00:00 UTC, End the following
// Monday; the range is half-open [Start, End).
type Week struct {
	Key   string    `json:"key"`
	Year  int       `json:"year"`
	Num   int       `json:"num"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the week.
func (w Week) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Thursday is the day that decides which year and quarter the week belongs to.
func (w Week) Thursday() time.Time {
	return w.Start.AddDate(0, 0, 3)
}

// ParseWeek parses and validates a week key.
// Format: {YYYY}-W{ww}, ww in 01..52 or 01..53 depending on the year.
func ParseWeek(key string) (Week, error) {
	m := weekRegex.FindStringSubmatch(key)
	if m == nil {
		return Week{}, fmt.Errorf("%w: %q (expected YYYY-Www)", ErrInvalidWeekKey, key)
	}
	year, _ := strconv.Atoi(m[1])
	num, _ := strconv.Atoi(m[2])
	if num < 1 || num > WeeksInYear(year) {
		return Week{}, fmt.Errorf("%w: %q has no week %d", ErrInvalidWeekKey, key, num)
	}

	start := isoWeekOneMonday(year).AddDate(0, 0, (num-1)*7)
	return Week{
		Key:   key,
		Year:  year,
		Num:   num,
		Start: start,
		End:   start.AddDate(0, 0, 7),
	}, nil
}

// WeekOf returns the ISO week containing t.
func WeekOf(t time.Time) Week {
	year, num := t.UTC().ISOWeek()
	w, _ := ParseWeek(WeekKey(year, num))
	return w
}

// WeekKey formats a week key.
func WeekKey(year, num int) string {
	return fmt.Sprintf("%04d-W%02d", year, num)
}

// WeeksInYear returns 52 or 53.
func WeeksInYear(year int) int {
	// Dec 28 is always in the last ISO week of its year.
	_, w := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}

func isoWeekOneMonday(year int) time.Time {
	// Jan 4 is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7 // days since Monday
	return jan4.AddDate(0, 0, -offset)
}

// Quarter is a parsed calendar quarter with a half-open UTC range.
type Quarter struct {
	Key   string    `json:"key"`
	Year  int       `json:"year"`
	Num   int       `json:"num"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseQuarter parses and validates a quarter key.
// Format: {YYYY}-Q{1-4}
func ParseQuarter(key string) (Quarter, error) {
	m := quarterRegex.FindStringSubmatch(key)
	if m == nil {
		return Quarter{}, fmt.Errorf("%w: %q (expected YYYY-Qn)", ErrInvalidQuarterKey, key)
	}
	year, _ := strconv.Atoi(m[1])
	num, _ := strconv.Atoi(m[2])

	start := time.Date(year, time.Month((num-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
	return Quarter{
		Key:   key,
		Year:  year,
		Num:   num,
		Start: start,
		End:   start.AddDate(0, 3, 0),
	}, nil
}

// Weeks returns every ISO week whose Thursday falls inside the quarter,
// so each week belongs to exactly one quarter.
func (q Quarter) Weeks() []Week {
	var weeks []Week
	w := WeekOf(q.Start)
	for w.Start.Before(q.End) {
		if th := w.Thursday(); !th.Before(q.Start) && th.Before(q.End) {
			weeks = append(weeks, w)
		}
		w = WeekOf(w.End)
	}
	return weeks
}

// WeekKeys is Weeks reduced to their keys.
func (q Quarter) WeekKeys() []string {
	weeks := q.Weeks()
	keys := make([]string, 0, len(weeks))
	for _, w := range weeks {
		keys = append(keys, w.Key)
	}
	return keys
}
