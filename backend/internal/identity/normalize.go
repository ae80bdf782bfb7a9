package identity

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	apperrors "act-placemat/backend/pkg/errors"
)

// ============================================================================
// Identity Normalization
// ============================================================================

// NormalizedKey is the comparable form of a record's identifying fields.
// Original casing lives on the RawRecord; keys are for comparison only.
type NormalizedKey struct {
	Kind       EntityKind                       `json:"kind"`
	Emails     []string                         `json:"emails"`
	Name       string                           `json:"name"`
	Company    string                           `json:"company"`
	References []string                         `json:"references"`
	Defects    []*apperrors.NormalizationDefect `json:"-"`
}

var (
	honorifics = map[string]bool{
		"mr": true, "mrs": true, "ms": true, "miss": true, "mx": true,
		"dr": true, "prof": true, "professor": true, "sir": true,
		"dame": true, "rev": true, "hon": true,
	}

	// matched against trailing tokens, longest first
	legalSuffixes = [][]string{
		{"pty", "ltd"},
		{"pty", "limited"},
		{"ltd"},
		{"limited"},
		{"inc"},
		{"incorporated"},
		{"llc"},
		{"corp"},
		{"corporation"},
		{"co"},
		{"foundation"},
		{"trust"},
		{"association"},
	}

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Normalize canonicalizes a record's identifying fields. It never fails:
// malformed values are dropped and reported as defects on the key.
func Normalize(r RawRecord) NormalizedKey {
	kind, _ := r.SourceKind.EntityKind()
	key := NormalizedKey{Kind: kind}

	seen := make(map[string]bool)
	for _, raw := range r.Emails {
		email, ok := NormalizeEmail(raw)
		if !ok {
			if strings.TrimSpace(raw) != "" {
				key.Defects = append(key.Defects, apperrors.NewNormalizationDefect("email", raw, "not an address"))
			}
			continue
		}
		if !seen[email] {
			seen[email] = true
			key.Emails = append(key.Emails, email)
		}
	}
	sort.Strings(key.Emails)

	name := r.DisplayName
	if strings.TrimSpace(name) == "" && r.SourceKind == SourceGmail && len(key.Emails) > 0 {
		name = DisplayNameFromEmail(key.Emails[0])
	}
	key.Name = NormalizeName(name)
	if key.Name == "" && strings.TrimSpace(r.DisplayName) != "" {
		key.Defects = append(key.Defects, apperrors.NewNormalizationDefect("display_name", r.DisplayName, "no letters left"))
	}
	key.Company = NormalizeCompany(r.Company)

	refs := make(map[string]bool)
	for _, ref := range r.References {
		ref = strings.TrimSpace(ref)
		if ref != "" && !refs[ref] {
			refs[ref] = true
			key.References = append(key.References, ref)
		}
	}
	sort.Strings(key.References)

	return key
}

// NormalizeEmail lowercases and trims an address. The second value is false
// when nothing usable remains.
func NormalizeEmail(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "mailto:")
	s = strings.Trim(s, "<>\"' ")
	if strings.Count(s, "@") != 1 || strings.ContainsAny(s, " \t\r\n,;") {
		return "", false
	}
	at := strings.IndexByte(s, '@')
	local, domain := s[:at], s[at+1:]
	if local == "" || !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", false
	}
	return s, true
}

// NormalizeName lowercases, strips accents and leading honorifics, and
// collapses punctuation and whitespace to single spaces.
func NormalizeName(s string) string {
	tokens := strings.Fields(Fold(s))
	for len(tokens) > 0 && honorifics[tokens[0]] {
		tokens = tokens[1:]
	}
	return strings.Join(tokens, " ")
}

// NormalizeCompany produces the comparison form of an organisation name by
// dropping a leading "the" and trailing legal suffixes.
func NormalizeCompany(s string) string {
	tokens := strings.Fields(Fold(s))
	if len(tokens) > 1 && tokens[0] == "the" {
		tokens = tokens[1:]
	}
	for {
		trimmed := false
		for _, suffix := range legalSuffixes {
			if len(tokens) > len(suffix) && hasSuffixTokens(tokens, suffix) {
				tokens = tokens[:len(tokens)-len(suffix)]
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return strings.Join(tokens, " ")
}

// DisplayNameFromEmail guesses "First Last" from a first.last style local part
func DisplayNameFromEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	local := email[:at]
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		local = local[:plus]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})

	var words []string
	for _, p := range parts {
		if !strings.ContainsFunc(p, unicode.IsLetter) {
			continue
		}
		words = append(words, titleWord(p))
		if len(words) == 2 {
			break
		}
	}
	return strings.Join(words, " ")
}

// ParseAddressList extracts unique, normalized addresses from a header style
// list such as `Emma <e.rodriguez@seedhouse.org>, ops@seedhouse.org`.
func ParseAddressList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range emailPattern.FindAllString(s, -1) {
		email, ok := NormalizeEmail(m)
		if ok && !seen[email] {
			seen[email] = true
			out = append(out, email)
		}
	}
	return out
}

// Fold strips accents, lowercases, and reduces s to letters and digits
// separated by single spaces. Apostrophes are removed without a break.
func Fold(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(strings.TrimSpace(folded))

	var b strings.Builder
	b.Grow(len(folded))
	prevSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		// apostrophes join rather than split: o'brien -> obrien
		if r == '\'' || r == '’' {
			continue
		}
		if !prevSpace {
			b.WriteByte(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func hasSuffixTokens(tokens, suffix []string) bool {
	offset := len(tokens) - len(suffix)
	for i, s := range suffix {
		if tokens[offset+i] != s {
			return false
		}
	}
	return true
}

func titleWord(s string) string {
	s = strings.ToLower(s)
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
