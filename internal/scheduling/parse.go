package scheduling

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ashureev/watchdesk/internal/shared"
)

// DateLayout is the storage format of appointment dates.
const DateLayout = "2006-01-02"

// Location is the store's local time zone. Brazil has no daylight saving
// time, so a fixed offset is exact.
var Location = time.FixedZone("BRT", -3*60*60)

var weekdayWords = []struct {
	word string
	day  time.Weekday
}{
	{"segunda", time.Monday},
	{"terca", time.Tuesday},
	{"quarta", time.Wednesday},
	{"quinta", time.Thursday},
	{"sexta", time.Friday},
	{"sabado", time.Saturday},
	{"domingo", time.Sunday},
	{"monday", time.Monday},
	{"tuesday", time.Tuesday},
	{"wednesday", time.Wednesday},
	{"thursday", time.Thursday},
	{"friday", time.Friday},
	{"saturday", time.Saturday},
	{"sunday", time.Sunday},
}

var (
	dayMonthRe = regexp.MustCompile(`(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?`)
	clockRe    = regexp.MustCompile(`(\d{1,2})(?:[:h]?(\d{2}))?\s*(?:hs?)?`)
	choiceRe   = regexp.MustCompile(`^\d+$`)
)

// ParseDate reads a visit date from a customer message and returns it as
// YYYY-MM-DD in the store's zone.
func ParseDate(msg string, now time.Time) (string, bool) {
	today := now.In(Location)
	folded := shared.Fold(msg)

	switch {
	case strings.Contains(folded, "depois de amanha"):
		return today.AddDate(0, 0, 2).Format(DateLayout), true
	case strings.Contains(folded, "hoje") || strings.Contains(folded, "today"):
		return today.Format(DateLayout), true
	case strings.Contains(folded, "amanha") || strings.Contains(folded, "tomorrow"):
		return today.AddDate(0, 0, 1).Format(DateLayout), true
	}

	for _, w := range weekdayWords {
		if strings.Contains(folded, w.word) {
			return nextWeekday(today, w.day).Format(DateLayout), true
		}
	}

	if m := dayMonthRe.FindStringSubmatch(msg); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year := today.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
			if year < 100 {
				year += 2000
			}
		}
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, Location)
		if d.Day() != day || int(d.Month()) != month {
			return "", false
		}
		// "25/01" typed in December means next January.
		if m[3] == "" && d.Before(startOfDay(today)) {
			d = d.AddDate(1, 0, 0)
		}
		return d.Format(DateLayout), true
	}

	trimmed := strings.TrimSpace(msg)
	if len(trimmed) >= 6 && strings.ContainsAny(trimmed, "0123456789") {
		if t, err := dateparse.ParseIn(trimmed, Location); err == nil {
			return t.In(Location).Format(DateLayout), true
		}
	}
	return "", false
}

// ParseTime picks one of the offered slots from a customer message. It
// accepts a clock time ("14h", "14:30"), a period of the day, or the slot's
// position in the list.
func ParseTime(msg string, slots []Slot) (string, bool) {
	folded := shared.Fold(msg)

	if m := clockRe.FindStringSubmatch(folded); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if hour < 24 && minute < 60 {
			want := formatClock(hour, minute)
			for _, s := range slots {
				if s.Time == want {
					return want, true
				}
			}
		}
	}

	period := func(keep func(hour int) bool) (string, bool) {
		for _, s := range slots {
			if keep(slotHour(s.Time)) {
				return s.Time, true
			}
		}
		return "", false
	}
	switch {
	case strings.Contains(folded, "manha") || strings.Contains(folded, "morning"):
		return period(func(h int) bool { return h < 12 })
	case strings.Contains(folded, "tarde") || strings.Contains(folded, "afternoon"):
		return period(func(h int) bool { return h >= 12 && h < 18 })
	case strings.Contains(folded, "noite") || strings.Contains(folded, "evening"):
		return period(func(h int) bool { return h >= 18 })
	}

	if choiceRe.MatchString(folded) {
		n, _ := strconv.Atoi(folded)
		if n >= 1 && n <= len(slots) {
			return slots[n-1].Time, true
		}
	}
	return "", false
}

// nextWeekday returns the next strictly-future day falling on wd.
func nextWeekday(from time.Time, wd time.Weekday) time.Time {
	days := int(wd) - int(from.Weekday())
	if days <= 0 {
		days += 7
	}
	return from.AddDate(0, 0, days)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func formatClock(hour, minute int) string {
	return strconv.Itoa(hour/10) + strconv.Itoa(hour%10) + ":" + strconv.Itoa(minute/10) + strconv.Itoa(minute%10)
}

func slotHour(clock string) int {
	h, _ := strconv.Atoi(strings.SplitN(clock, ":", 2)[0])
	return h
}

// ParseDay parses a YYYY-MM-DD date in the store's zone.
func ParseDay(date string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, date, Location)
}
