package domain

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Rewrite replaces every match of Pattern in lower-cased text with Replacement.
type Rewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// NormalizerConfig holds the reference tables used by a Normalizer. It is a
// plain value; NewNormalizer copies it, so callers may reuse or mutate theirs.
type NormalizerConfig struct {
	// Rewrites are applied in order by StandardizeFacilityName. Longer phrases
	// must come before any shorter phrase they contain.
	Rewrites []Rewrite
	// Provinces maps lower-cased province codes and spellings to display names.
	Provinces map[string]string
}

// DefaultNormalizerConfig returns the Québec institutional abbreviations and
// Canadian province names. Each call returns a fresh copy.
func DefaultNormalizerConfig() NormalizerConfig {
	rw := func(pattern, repl string) Rewrite {
		return Rewrite{Pattern: regexp.MustCompile(pattern), Replacement: repl}
	}
	return NormalizerConfig{
		Rewrites: []Rewrite{
			rw(`centre int[ée]gr[ée] universitaire de sant[ée] et de services sociaux`, "ciusss"),
			rw(`centre int[ée]gr[ée] de sant[ée] et de services sociaux`, "cisss"),
			rw(`centre hospitalier`, "ch"),
			rw(`centre de sant[ée]`, "cs"),
			rw(`h[ôo]pital`, "hopital"),
			rw(`r[ée]gional`, "regional"),
			rw(`g[ée]n[ée]ral`, "general"),
			rw(`universit[ée]`, "universite"),
			rw(`p[ée]diatrique`, "pediatrique"),
			rw(`sant[ée]`, "sante"),
			rw(`r[ée]adaptation`, "readaptation"),
			rw(`d[ée]pendance`, "dependance"),
		},
		Provinces: map[string]string{
			"qc":     "Québec",
			"quebec": "Québec",
			"québec": "Québec",
			"on":     "Ontario",
			"bc":     "Colombie-Britannique",
			"ab":     "Alberta",
			"mb":     "Manitoba",
			"sk":     "Saskatchewan",
			"ns":     "Nouvelle-Écosse",
			"nb":     "Nouveau-Brunswick",
			"nl":     "Terre-Neuve-et-Labrador",
			"pe":     "Île-du-Prince-Édouard",
			"yt":     "Yukon",
			"nt":     "Territoires du Nord-Ouest",
			"nu":     "Nunavut",
		},
	}
}

// DefaultProvince is used when neither the feed nor the catalog names one.
const DefaultProvince = "Québec"

// Normalizer applies the text rules that depend on reference tables.
// It is safe for concurrent use.
type Normalizer struct {
	rewrites  []Rewrite
	provinces map[string]string
}

// NewNormalizer builds a Normalizer from a copy of cfg.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	n := &Normalizer{
		rewrites:  append([]Rewrite(nil), cfg.Rewrites...),
		provinces: make(map[string]string, len(cfg.Provinces)),
	}
	for k, v := range cfg.Provinces {
		n.provinces[strings.ToLower(k)] = v
	}
	return n
}

// StandardizeFacilityName rewrites institutional phrases to their short forms
// ("centre hospitalier" -> "ch") and returns the folded search key. The result
// is only meant for matching, never for display.
func (n *Normalizer) StandardizeFacilityName(text string) string {
	s := norm.NFC.String(strings.ToLower(text))
	for _, r := range n.rewrites {
		s = r.Pattern.ReplaceAllString(s, r.Replacement)
	}
	return NormalizeKey(s, true)
}

// Province maps a province code or spelling to its display name. Unknown
// values are returned trimmed but otherwise unchanged.
func (n *Normalizer) Province(value string) string {
	v := strings.TrimSpace(value)
	if name, ok := n.provinces[strings.ToLower(v)]; ok {
		return name
	}
	return v
}

// NormalizeKey lower-cases text, optionally folds diacritics, replaces every
// rune that is not a letter or digit with a space and collapses whitespace.
// Empty input yields "".
func NormalizeKey(text string, foldDiacritics bool) string {
	if text == "" {
		return ""
	}
	s := norm.NFC.String(strings.ToLower(text))
	if foldDiacritics {
		// transform chains keep internal buffers and cannot be shared.
		fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		if folded, _, err := transform.String(fold, s); err == nil {
			s = folded
		}
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		if !foldDiacritics && unicode.IsMark(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Repair undoes UTF-8 text that was decoded as Windows-1252 (or Latin-1) one
// or more times, e.g. "HÃ´pital" -> "Hôpital". Invalid UTF-8 is first decoded
// as Windows-1252. Each round is kept only if it lowers the mojibake score, so
// Repair terminates and Repair(Repair(s)) == Repair(s).
func Repair(text string) string {
	if text == "" {
		return text
	}
	if !utf8.ValidString(text) {
		if decoded, err := charmap.Windows1252.NewDecoder().String(text); err == nil {
			text = decoded
		}
	}
	best := norm.NFC.String(text)
	score := mojibakeScore(best)
	for score > 0 {
		candidate := norm.NFC.String(repairRuns(best))
		cs := mojibakeScore(candidate)
		if cs >= score {
			break
		}
		best, score = candidate, cs
	}
	return best
}

// repairRuns re-decodes each maximal run of non-ASCII runes on its own, so a
// correctly encoded "ô" next to a mis-decoded "Ã©" does not block the fix.
// UTF-8 never uses ASCII bytes inside a multi-byte sequence, so splitting on
// ASCII is lossless.
func repairRuns(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	start := -1
	flush := func(end int) {
		run := s[start:end]
		if fixed, ok := reencodeLatin(run); ok && mojibakeScore(string(fixed)) < mojibakeScore(run) {
			b.Write(fixed)
		} else {
			b.WriteString(run)
		}
		start = -1
	}
	for i, r := range s {
		if r < utf8.RuneSelf {
			if start >= 0 {
				flush(i)
			}
			b.WriteRune(r)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		flush(len(s))
	}
	return b.String()
}

// reencodeLatin maps each rune back to the single byte Windows-1252 (or, for
// the C1 range, Latin-1) would have decoded it from. It fails when a rune has
// no single-byte form or when the bytes are not valid UTF-8.
func reencodeLatin(s string) ([]byte, bool) {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			buf = append(buf, b)
			continue
		}
		if b, ok := charmap.ISO8859_1.EncodeRune(r); ok {
			buf = append(buf, b)
			continue
		}
		return nil, false
	}
	return buf, utf8.Valid(buf)
}

// mojibakeScore counts sequences that almost only appear in mis-decoded text:
// a UTF-8 lead byte rendered as "Ã"/"Â" followed by a continuation-looking
// rune, the "â€" prefix of mis-decoded punctuation, and C1 control runes.
func mojibakeScore(s string) int {
	score := 0
	var prev rune
	for _, r := range s {
		switch {
		case r >= 0x80 && r <= 0x9f:
			score++
		case (prev == 'Ã' || prev == 'Â') && isContinuationLike(r):
			score++
		case prev == 'â' && r == '€':
			score++
		}
		prev = r
	}
	return score
}

// isContinuationLike reports whether r is what a UTF-8 continuation byte
// (0x80-0xBF) turns into when decoded as Windows-1252.
func isContinuationLike(r rune) bool {
	if r >= 0xa0 && r <= 0xbf {
		return true
	}
	b, ok := charmap.Windows1252.EncodeRune(r)
	return ok && b >= 0x80 && b <= 0xbf
}
