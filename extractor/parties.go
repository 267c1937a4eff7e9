package extractor

import (
	"regexp"
	"strings"

	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/utils"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d .\-()]{7,}\d`)
)

const (
	PartyRoleClient   = "client"
	PartyRoleSupplier = "supplier"
	PartyRoleContact  = "contact"
	// lines after a role keyword that still belong to its block
	partyBlockLines = 3
	maxPartyName    = 80
)

var partyRoleKeywords = []struct {
	role     string
	keywords []string
}{
	{PartyRoleClient, []string{"facturé à", "facture à", "bill to", "client", "customer", "destinataire", "sold to"}},
	{PartyRoleSupplier, []string{"fournisseur", "supplier", "vendor", "émetteur", "emetteur", "from"}},
}

func roleKeywordAt(line string) (string, string, bool) {
	lower := strings.ToLower(line)
	source := line
	if len(lower) != len(line) {
		source = lower
	}
	for _, rk := range partyRoleKeywords {
		for _, kw := range rk.keywords {
			idx := strings.Index(lower, kw)
			if idx < 0 || !isBoundary(lower, idx, idx+len(kw)) {
				continue
			}
			rest := strings.TrimSpace(source[idx+len(kw):])
			rest = strings.TrimSpace(strings.TrimLeft(rest, ":-– "))
			return rk.role, rest, true
		}
	}
	return "", "", false
}

func cleanPartyName(s string) string {
	s = emailRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(strings.Trim(s, ":-–,;"))
	if len(s) > maxPartyName {
		s = strings.TrimSpace(s[:maxPartyName])
	}
	if s == "" || countDigits(s)*2 > len(s) {
		return ""
	}
	return s
}

func firstPhone(text, region string) string {
	for _, candidate := range phoneRe.FindAllString(text, -1) {
		if n, err := utils.NormalizePhoneNumber(strings.TrimSpace(candidate), region); err == nil {
			return n
		}
	}
	return ""
}

// findParties reads client and supplier blocks plus any stray e-mail or phone contact.
func findParties(lines []string, region string) []models.Party {
	var parties []models.Party
	used := make(map[string]bool)
	for i, line := range lines {
		role, rest, ok := roleKeywordAt(line)
		if !ok {
			continue
		}
		end := i + partyBlockLines
		if end >= len(lines) {
			end = len(lines) - 1
		}
		block := strings.Join(lines[i:end+1], "\n")

		name := cleanPartyName(rest)
		if name == "" && i+1 < len(lines) {
			name = cleanPartyName(lines[i+1])
		}
		p := models.Party{Name: name, Role: role}
		if email := emailRe.FindString(block); email != "" {
			p.Email = strings.ToLower(email)
		}
		p.Phone = firstPhone(block, region)
		if p.Name == "" && p.Email == "" && p.Phone == "" {
			continue
		}
		key := p.Role + "|" + strings.ToLower(p.Name) + "|" + p.Email
		if used[key] {
			continue
		}
		used[key] = true
		if p.Email != "" {
			used["email|"+p.Email] = true
		}
		parties = append(parties, p)
	}

	text := strings.Join(lines, "\n")
	for _, email := range emailRe.FindAllString(text, -1) {
		email = strings.ToLower(email)
		if used["email|"+email] {
			continue
		}
		used["email|"+email] = true
		parties = append(parties, models.Party{Role: PartyRoleContact, Email: email})
	}
	return parties
}
