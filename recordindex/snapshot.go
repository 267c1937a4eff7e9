package recordindex

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/mmdatafocus/books_reconcile/extractor"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/shopspring/decimal"
)

const (
	gramSize = 4
	// width of one amount bucket on a log scale
	bucketRatio = 1.01
	// widest amount tier served by Candidates
	amountTolerance = 0.05
	secondsPerDay   = 24 * 60 * 60
)

var logBucketRatio = math.Log(bucketRatio)

// Snapshot is an immutable, indexed view over one user's external records. It is replaced
// wholesale on reload and safe for concurrent readers.
type Snapshot struct {
	userId      int
	loadedAt    map[models.RecordKind]time.Time
	failedKinds []models.RecordKind
	entries     []models.RecordIndexEntry
	normRefs    [][]string
	byCents     map[int64][]int
	byBucket    map[int][]int
	byDay       map[int64][]int
	byGram      map[string][]int
}

func newSnapshot(userId int, entries []models.RecordIndexEntry, loadedAt map[models.RecordKind]time.Time, failed []models.RecordKind) *Snapshot {
	sorted := make([]models.RecordIndexEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		return sorted[i].ExternalId < sorted[j].ExternalId
	})

	s := &Snapshot{
		userId:      userId,
		loadedAt:    loadedAt,
		failedKinds: failed,
		entries:     sorted,
		normRefs:    make([][]string, len(sorted)),
		byCents:     map[int64][]int{},
		byBucket:    map[int][]int{},
		byDay:       map[int64][]int{},
		byGram:      map[string][]int{},
	}
	for i, e := range sorted {
		if e.Amount != nil {
			abs := e.Amount.Abs()
			s.byCents[cents(abs)] = append(s.byCents[cents(abs)], i)
			if b, ok := bucketOf(abs); ok {
				s.byBucket[b] = append(s.byBucket[b], i)
			}
		}
		if e.Date != nil {
			d := dayNumber(*e.Date)
			s.byDay[d] = append(s.byDay[d], i)
		}
		seen := map[string]bool{}
		for _, ref := range e.References {
			n := extractor.NormalizeReference(ref)
			if len(n) < gramSize || seen[n] {
				continue
			}
			seen[n] = true
			s.normRefs[i] = append(s.normRefs[i], n)
			for _, g := range grams(n) {
				list := s.byGram[g]
				if len(list) == 0 || list[len(list)-1] != i {
					s.byGram[g] = append(list, i)
				}
			}
		}
	}
	return s
}

func cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func bucketOf(d decimal.Decimal) (int, bool) {
	f, _ := d.Float64()
	if f <= 0 {
		return 0, false
	}
	return int(math.Floor(math.Log(f) / logBucketRatio)), true
}

func dayNumber(t time.Time) int64 {
	u := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return u.Unix() / secondsPerDay
}

func grams(s string) []string {
	if len(s) < gramSize {
		return nil
	}
	out := make([]string, 0, len(s)-gramSize+1)
	seen := map[string]bool{}
	for i := 0; i+gramSize <= len(s); i++ {
		g := s[i : i+gramSize]
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

func (s *Snapshot) UserId() int { return s.userId }

func (s *Snapshot) Len() int { return len(s.entries) }

func (s *Snapshot) Entries() []models.RecordIndexEntry {
	out := make([]models.RecordIndexEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Incomplete reports whether the load that produced the snapshot failed for some kind.
func (s *Snapshot) Incomplete() bool { return len(s.failedKinds) > 0 }

func (s *Snapshot) FailedKinds() []models.RecordKind { return s.failedKinds }

// Covers reports whether every kind was loaded no earlier than now-maxAge.
func (s *Snapshot) Covers(kinds []models.RecordKind, now time.Time, maxAge time.Duration) bool {
	for _, k := range kinds {
		at, ok := s.loadedAt[k]
		if !ok || now.Sub(at) > maxAge {
			return false
		}
	}
	return true
}

// Query describes one extracted amount and its context.
type Query struct {
	Amount     *decimal.Decimal
	Date       *time.Time
	References []string
	WindowDays int
}

// Candidates returns every entry reachable through an amount tier, the date window or a
// reference overlap, in snapshot order.
func (s *Snapshot) Candidates(q Query) []models.RecordIndexEntry {
	hit := map[int]bool{}

	if q.Amount != nil {
		abs := q.Amount.Abs()
		for _, i := range s.byCents[cents(abs)] {
			hit[i] = true
		}
		if lo, ok := bucketOf(abs.Mul(decimal.NewFromFloat(1 - amountTolerance))); ok {
			hi, _ := bucketOf(abs.Mul(decimal.NewFromFloat(1 + amountTolerance)))
			for b := lo; b <= hi; b++ {
				for _, i := range s.byBucket[b] {
					if WithinTolerance(abs, s.entries[i].Amount.Abs(), amountTolerance) {
						hit[i] = true
					}
				}
			}
		}
	}

	if q.Date != nil {
		d := dayNumber(*q.Date)
		for off := -int64(q.WindowDays); off <= int64(q.WindowDays); off++ {
			for _, i := range s.byDay[d+off] {
				hit[i] = true
			}
		}
	}

	for _, ref := range q.References {
		n := extractor.NormalizeReference(ref)
		if len(n) < gramSize {
			continue
		}
		for _, g := range grams(n) {
			for _, i := range s.byGram[g] {
				if !hit[i] && RefOverlap(n, s.normRefs[i]) != RefNone {
					hit[i] = true
				}
			}
		}
	}

	idx := make([]int, 0, len(hit))
	for i := range hit {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]models.RecordIndexEntry, len(idx))
	for n, i := range idx {
		out[n] = s.entries[i]
	}
	return out
}

// WithinTolerance compares two non-negative amounts relative to the extracted one.
func WithinTolerance(extracted, recorded decimal.Decimal, tolerance float64) bool {
	if extracted.IsZero() {
		return recorded.IsZero()
	}
	ratio, _ := extracted.Sub(recorded).Abs().Div(extracted).Float64()
	return ratio <= tolerance+1e-9
}

type RefMatch int

const (
	RefNone RefMatch = iota
	RefSubstring
	RefExact
)

// RefOverlap compares one normalised reference against a record's normalised references.
func RefOverlap(ref string, recordRefs []string) RefMatch {
	best := RefNone
	for _, r := range recordRefs {
		switch {
		case r == ref:
			return RefExact
		case len(ref) >= gramSize && len(r) >= gramSize && (strings.Contains(r, ref) || strings.Contains(ref, r)):
			best = RefSubstring
		}
	}
	return best
}

// NormalizedReferences returns the entry's references in comparison form.
func NormalizedReferences(e models.RecordIndexEntry) []string {
	var out []string
	for _, r := range e.References {
		if n := extractor.NormalizeReference(r); len(n) >= gramSize {
			out = append(out, n)
		}
	}
	return out
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ClosestCustomer finds the customer whose display name is nearest to name by Levenshtein
// ratio. ok is false when nothing reaches minRatio.
func (s *Snapshot) ClosestCustomer(name string, minRatio float64) (models.RecordIndexEntry, float64, bool) {
	target := normalizeName(name)
	if target == "" {
		return models.RecordIndexEntry{}, 0, false
	}
	var best models.RecordIndexEntry
	bestRatio := -1.0
	for _, e := range s.entries {
		if e.Kind != models.RecordKindCustomer || e.DisplayName == "" {
			continue
		}
		candidate := normalizeName(e.DisplayName)
		longest := len([]rune(candidate))
		if n := len([]rune(target)); n > longest {
			longest = n
		}
		ratio := 1 - float64(levenshtein.ComputeDistance(target, candidate))/float64(longest)
		if ratio > bestRatio {
			best, bestRatio = e, ratio
		}
	}
	if bestRatio < minRatio {
		return models.RecordIndexEntry{}, 0, false
	}
	return best, bestRatio, true
}
