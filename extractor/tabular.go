package extractor

import (
	"strings"
	"time"

	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/models"
)

// rows searched for a header at the top of each sheet
const headerSearchRows = 5

type columnSign int

const (
	signAsWritten columnSign = iota
	signDebit
	signCredit
)

var amountColumnWords = []struct {
	word string
	sign columnSign
}{
	{"amount", signAsWritten},
	{"montant", signAsWritten},
	{"debit", signDebit},
	{"débit", signDebit},
	{"withdrawal", signDebit},
	{"credit", signCredit},
	{"crédit", signCredit},
	{"deposit", signCredit},
}

var excludedColumnWords = []string{"balance", "solde"}

type amountColumn struct {
	index int
	sign  columnSign
}

type tableLayout struct {
	headerRow int
	amounts   []amountColumn
	dateCol   int
}

func detectLayout(rows []decoder.Row) (tableLayout, bool) {
	for i, row := range rows {
		if i >= headerSearchRows {
			break
		}
		layout := tableLayout{headerRow: i, dateCol: -1}
		for ci, cell := range row.Cells {
			if cell.Kind != decoder.CellText {
				continue
			}
			lower := strings.ToLower(cell.Raw)
			excluded := false
			for _, w := range excludedColumnWords {
				if strings.Contains(lower, w) {
					excluded = true
					break
				}
			}
			if excluded {
				continue
			}
			for _, acw := range amountColumnWords {
				if strings.Contains(lower, acw.word) {
					layout.amounts = append(layout.amounts, amountColumn{index: ci, sign: acw.sign})
					break
				}
			}
			if layout.dateCol < 0 && strings.Contains(lower, "date") {
				layout.dateCol = ci
			}
		}
		if len(layout.amounts) > 0 {
			return layout, true
		}
	}
	return tableLayout{}, false
}

// groupBySheet splits rows into per-sheet runs, remembering each row's position in Result.Rows
// (which is also its line index).
func groupBySheet(rows []decoder.Row) [][]int {
	var groups [][]int
	current := ""
	for i, r := range rows {
		if i == 0 || r.Sheet != current {
			groups = append(groups, nil)
			current = r.Sheet
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], i)
	}
	return groups
}

// tableAmounts extracts one amount per data row of every sheet that has an amount column.
func (e *Extractor) tableAmounts(res *decoder.Result, ref time.Time) ([]amountHit, map[int]bool) {
	covered := map[int]bool{}
	var hits []amountHit
	if len(res.Rows) != len(res.Lines) {
		return nil, covered
	}
	for _, group := range groupBySheet(res.Rows) {
		sheetRows := make([]decoder.Row, len(group))
		for i, idx := range group {
			sheetRows[i] = res.Rows[idx]
		}
		layout, ok := detectLayout(sheetRows)
		if !ok {
			continue
		}
		covered[group[layout.headerRow]] = true
		for pos := layout.headerRow + 1; pos < len(group); pos++ {
			lineIdx := group[pos]
			covered[lineIdx] = true
			if hit, ok := e.rowAmount(res.Rows[lineIdx], res.Lines[lineIdx], lineIdx, layout, ref); ok {
				hits = append(hits, hit)
			}
		}
	}
	return hits, covered
}

func (e *Extractor) rowAmount(row decoder.Row, line string, lineIdx int, layout tableLayout, ref time.Time) (amountHit, bool) {
	amountCells := map[int]bool{}
	for _, c := range layout.amounts {
		amountCells[c.index] = true
	}

	var hit amountHit
	found := false
	for _, col := range layout.amounts {
		if col.index >= len(row.Cells) {
			continue
		}
		cell := row.Cells[col.index]
		if cell.Kind == decoder.CellEmpty {
			continue
		}
		numeric, currency := stripCurrency(cell.Raw)
		parsed, ok := decoder.ParseLocaleNumber(numeric)
		if !ok || parsed.Value.IsZero() {
			continue
		}
		value := parsed.Value
		switch col.sign {
		case signDebit:
			value = value.Abs().Neg()
		case signCredit:
			value = value.Abs()
		}
		conf := confidenceAmountBase + keywordClassBoost
		if currency != "" {
			conf += currencyBoost
		}
		if parsed.Decimals == 2 {
			conf += twoDecimalsBoost
		}
		offset := strings.Index(line, cell.Raw)
		if offset < 0 {
			offset = 0
		}
		hit = amountHit{
			amount: models.ExtractedAmount{
				Value:      value,
				Currency:   currency,
				Confidence: roundConfidence(minFloat(conf, 1)),
				Line:       lineIdx,
				Offset:     offset,
				Label:      "amount",
			},
			span:   span{line: lineIdx, start: offset, end: offset + len(cell.Raw)},
			marked: currency != "",
		}
		found = true
		break
	}
	if !found {
		return amountHit{}, false
	}

	if d, ok := rowDate(row, layout, ref); ok {
		hit.amount.LineDate = &d
	}

	var texts []string
	for ci, cell := range row.Cells {
		if amountCells[ci] || ci == layout.dateCol || cell.Kind != decoder.CellText {
			continue
		}
		texts = append(texts, cell.Raw)
	}
	refs := dedupeReferences(findReferences(texts, nil))
	hit.amount.LineReferences = make([]string, 0, len(refs))
	for _, r := range refs {
		hit.amount.LineReferences = append(hit.amount.LineReferences, r.Token)
	}
	return hit, true
}

func rowDate(row decoder.Row, layout tableLayout, ref time.Time) (time.Time, bool) {
	if layout.dateCol >= 0 && layout.dateCol < len(row.Cells) {
		cell := row.Cells[layout.dateCol]
		if cell.Kind == decoder.CellDate {
			return dayOf(cell.Date), true
		}
		if t, ok := ParseDate(cell.Raw, ref); ok {
			return t, true
		}
	}
	for _, cell := range row.Cells {
		if cell.Kind == decoder.CellDate {
			return dayOf(cell.Date), true
		}
	}
	return time.Time{}, false
}

// stripCurrency removes a leading or trailing currency marker from a cell.
func stripCurrency(raw string) (string, string) {
	s := strings.TrimSpace(raw)
	for sym, code := range currencySymbols {
		if strings.HasPrefix(s, string(sym)) {
			return strings.TrimSpace(strings.TrimPrefix(s, string(sym))), code
		}
		if strings.HasSuffix(s, string(sym)) {
			return strings.TrimSpace(strings.TrimSuffix(s, string(sym))), code
		}
	}
	upper := strings.ToUpper(s)
	for word, code := range currencyCodes {
		if strings.HasPrefix(upper, word+" ") {
			return strings.TrimSpace(s[len(word):]), code
		}
		if strings.HasSuffix(upper, " "+word) || (strings.HasSuffix(upper, word) && len(upper) > len(word) && isDigitByte(upper[len(upper)-len(word)-1])) {
			return strings.TrimSpace(s[:len(s)-len(word)]), code
		}
	}
	return s, ""
}

func isDigitByte(c byte) bool {
	return c >= '0' && c <= '9'
}
