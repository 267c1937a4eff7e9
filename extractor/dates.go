package extractor

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/books_reconcile/models"
)

var (
	isoDateRe     = regexp.MustCompile(`\b(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4}|\d{2})\b`)
	dayMonthRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:er|st|nd|rd|th)?\s+(` + monthAlternation + `)\.?,?\s+(\d{4}|\d{2})\b`)
	monthDayRe    = regexp.MustCompile(`(?i)\b(` + monthAlternation + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
)

var monthNames = map[string]time.Month{
	"janvier": time.January, "février": time.February, "fevrier": time.February, "mars": time.March,
	"avril": time.April, "mai": time.May, "juin": time.June, "juillet": time.July, "août": time.August,
	"aout": time.August, "septembre": time.September, "octobre": time.October, "novembre": time.November,
	"décembre": time.December, "decembre": time.December,
	"january": time.January, "february": time.February, "march": time.March, "april": time.April,
	"may": time.May, "june": time.June, "july": time.July, "august": time.August,
	"september": time.September, "october": time.October, "november": time.November, "december": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December, "janv": time.January, "févr": time.February,
	"fevr": time.February, "avr": time.April, "juil": time.July, "déc": time.December,
}

// longest names first so the alternation never stops at a prefix
var monthAlternation = func() string {
	names := make([]string, 0, len(monthNames))
	for n := range monthNames {
		names = append(names, regexp.QuoteMeta(n))
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return strings.Join(names, "|")
}()

const (
	confidenceISODate       = 0.95
	confidenceTextualDate   = 0.9
	confidenceNumericDate   = 0.85
	confidenceAmbiguousDate = 0.6
	dateKeywordBoost        = 0.05
)

type dateHit struct {
	date      time.Time
	ambiguous bool
	conf      float64
	span      span
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func validDate(y, m, d int) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 || y < 1900 || y > 2199 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}

type interpretation struct {
	date     time.Time
	dayFirst bool
	modern   bool
}

// resolveNumeric picks among day/month and century readings: not in the future first, then
// day-first, then the 20xx century.
func resolveNumeric(a, b int, yearText string, ref time.Time) (time.Time, bool, bool) {
	year, _ := strconv.Atoi(yearText)
	years := []struct {
		y      int
		modern bool
	}{{year, true}}
	if len(yearText) == 2 {
		years = []struct {
			y      int
			modern bool
		}{{2000 + year, true}, {1900 + year, false}}
	}

	var options []interpretation
	for _, y := range years {
		if t, ok := validDate(y.y, b, a); ok {
			options = append(options, interpretation{date: t, dayFirst: true, modern: y.modern})
		}
		if a != b {
			if t, ok := validDate(y.y, a, b); ok {
				options = append(options, interpretation{date: t, dayFirst: false, modern: y.modern})
			}
		}
	}
	if len(options) == 0 {
		return time.Time{}, false, false
	}
	limit := dayOf(ref)
	sort.SliceStable(options, func(i, j int) bool {
		fi, fj := options[i].date.After(limit), options[j].date.After(limit)
		if fi != fj {
			return !fi
		}
		if options[i].dayFirst != options[j].dayFirst {
			return options[i].dayFirst
		}
		return options[i].modern && !options[j].modern
	})
	return options[0].date, len(options) > 1, true
}

func findDates(lines []string, ref time.Time) []dateHit {
	var hits []dateHit
	for li, line := range lines {
		var taken []span
		boost := 0.0
		if strings.Contains(strings.ToLower(line), "date") {
			boost = dateKeywordBoost
		}
		add := func(t time.Time, ambiguous bool, conf float64, start, end int) {
			sp := span{line: li, start: start, end: end}
			if overlapsAny(sp, taken) {
				return
			}
			taken = append(taken, sp)
			hits = append(hits, dateHit{date: t, ambiguous: ambiguous, conf: roundConfidence(minFloat(conf+boost, 1)), span: sp})
		}

		for _, m := range isoDateRe.FindAllStringSubmatchIndex(line, -1) {
			y, _ := strconv.Atoi(line[m[2]:m[3]])
			mo, _ := strconv.Atoi(line[m[4]:m[5]])
			d, _ := strconv.Atoi(line[m[6]:m[7]])
			if t, ok := validDate(y, mo, d); ok {
				add(t, false, confidenceISODate, m[0], m[1])
			}
		}
		for _, m := range dayMonthRe.FindAllStringSubmatchIndex(line, -1) {
			d, _ := strconv.Atoi(line[m[2]:m[3]])
			mo := monthNames[strings.ToLower(line[m[4]:m[5]])]
			yText := line[m[6]:m[7]]
			if t, amb, ok := resolveTextual(d, mo, yText, ref); ok {
				conf := confidenceTextualDate
				if amb {
					conf = confidenceAmbiguousDate
				}
				add(t, amb, conf, m[0], m[1])
			}
		}
		for _, m := range monthDayRe.FindAllStringSubmatchIndex(line, -1) {
			mo := monthNames[strings.ToLower(line[m[2]:m[3]])]
			d, _ := strconv.Atoi(line[m[4]:m[5]])
			y, _ := strconv.Atoi(line[m[6]:m[7]])
			if t, ok := validDate(y, int(mo), d); ok {
				add(t, false, confidenceTextualDate, m[0], m[1])
			}
		}
		for _, m := range numericDateRe.FindAllStringSubmatchIndex(line, -1) {
			if m[0] > 0 && isDigitOrSep(line[m[0]-1]) {
				continue
			}
			a, _ := strconv.Atoi(line[m[2]:m[3]])
			b, _ := strconv.Atoi(line[m[4]:m[5]])
			t, amb, ok := resolveNumeric(a, b, line[m[6]:m[7]], ref)
			if !ok {
				continue
			}
			conf := confidenceNumericDate
			if amb {
				conf = confidenceAmbiguousDate
			}
			add(t, amb, conf, m[0], m[1])
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].span.line != hits[j].span.line {
			return hits[i].span.line < hits[j].span.line
		}
		return hits[i].span.start < hits[j].span.start
	})
	return hits
}

func resolveTextual(d int, mo time.Month, yearText string, ref time.Time) (time.Time, bool, bool) {
	y, _ := strconv.Atoi(yearText)
	if len(yearText) == 4 {
		t, ok := validDate(y, int(mo), d)
		return t, false, ok
	}
	modern, okModern := validDate(2000+y, int(mo), d)
	old, okOld := validDate(1900+y, int(mo), d)
	switch {
	case okModern && !modern.After(dayOf(ref)):
		return modern, okOld, true
	case okOld:
		return old, okModern, true
	case okModern:
		return modern, false, true
	}
	return time.Time{}, false, false
}

func isDigitOrSep(c byte) bool {
	return (c >= '0' && c <= '9') || c == '/' || c == '.' || c == '-'
}

// dedupeDates keeps one entry per calendar day with its best confidence, in first-seen order.
func dedupeDates(hits []dateHit) []models.ExtractedDate {
	out := make([]models.ExtractedDate, 0, len(hits))
	index := make(map[time.Time]int, len(hits))
	for _, h := range hits {
		if i, ok := index[h.date]; ok {
			if h.conf > out[i].Confidence {
				out[i].Confidence = h.conf
				out[i].Ambiguous = h.ambiguous
			}
			continue
		}
		index[h.date] = len(out)
		out = append(out, models.ExtractedDate{
			Date:       h.date,
			Confidence: h.conf,
			Ambiguous:  h.ambiguous,
			Line:       h.span.line,
		})
	}
	return out
}

// ParseDate reads a single cell or token as a date, using the same rules as free text.
func ParseDate(text string, ref time.Time) (time.Time, bool) {
	hits := findDates([]string{text}, ref)
	if len(hits) == 0 {
		return time.Time{}, false
	}
	return hits[0].date, true
}
