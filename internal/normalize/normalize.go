// Package normalize turns raw location mentions into search candidates for
// the geo index. Everything here is pure.
package normalize

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"postparser/internal/domain"
)

// Canonical administrative cue tokens. A multi-word cue is kept as one token.
const (
	CueWard           = "ward"
	CueNagarNigam     = "nagar nigam"
	CueNagarPalika    = "nagar palika"
	CueNagarPanchayat = "nagar panchayat"
	CueGramPanchayat  = "gram panchayat"
	CueGram           = "gram"
	CueBlock          = "block"
	CueAssembly       = "vidhan sabha"
	CueDistrict       = "district"
)

type cue struct {
	words     []string
	canonical string
}

var cues = buildCues(map[string][]string{
	CueWard:           {"ward", "वार्ड", "wd"},
	CueNagarNigam:     {"nagar nigam", "नगर निगम", "municipal corporation", "नगरनिगम", "mc"},
	CueNagarPalika:    {"nagar palika", "नगर पालिका", "नगरपालिका", "municipality", "municipal council", "nagar palika parishad", "नगर पालिका परिषद"},
	CueNagarPanchayat: {"nagar panchayat", "नगर पंचायत"},
	CueGramPanchayat:  {"gram panchayat", "ग्राम पंचायत", "grampanchayat", "gp"},
	CueGram:           {"gram", "ग्राम", "gaon", "gaav", "गांव", "गाव", "village"},
	CueBlock:          {"block", "ब्लॉक", "ब्लाक", "विकासखंड", "विकासखण्ड", "janpad", "जनपद", "tehsil", "तहसील"},
	CueAssembly:       {"vidhan sabha", "विधानसभा", "विधान सभा", "assembly", "constituency"},
	CueDistrict:       {"district", "जिला", "जिले", "zila", "jila", "dist"},
})

var cueLevels = map[string]string{
	CueWard:           domain.LevelWard,
	CueNagarNigam:     domain.LevelULB,
	CueNagarPalika:    domain.LevelULB,
	CueNagarPanchayat: domain.LevelULB,
	CueGramPanchayat:  domain.LevelGramPanchayat,
	CueGram:           domain.LevelVillage,
	CueBlock:          domain.LevelBlock,
	CueAssembly:       domain.LevelAssembly,
	CueDistrict:       domain.LevelDistrict,
}

// Honorifics and filler words carry no location signal.
var dropped = toSet(
	"shri", "shree", "sri", "smt", "shrimati", "ji", "mr", "mrs", "ms", "dr", "hon", "honble", "mananiya",
	"श्री", "श्रीमती", "जी", "माननीय", "डॉ", "डा", "सुश्री",
	"in", "at", "of", "the", "and", "no", "number", "ka", "ki", "ke", "me", "mein", "se",
	"में", "की", "के", "का", "से", "को", "पर", "ने", "और", "नं", "नंबर", "क्रमांक", "क्र",
)

func buildCues(src map[string][]string) []cue {
	var out []cue
	for canonical, variants := range src {
		for _, v := range variants {
			out = append(out, cue{words: words(v), canonical: canonical})
		}
		out = append(out, cue{words: words(canonical), canonical: canonical})
	}
	// Longest phrases first so "gram panchayat" wins over "gram".
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].words) > len(out[j].words) })
	return out
}

func toSet(ws ...string) map[string]bool {
	m := make(map[string]bool, len(ws))
	for _, w := range ws {
		m[strings.Join(words(w), "")] = true
	}
	return m
}

// foldRune lower-cases r, maps Devanagari digits to ASCII and folds nukta
// and chandrabindu variants onto their base letters. It returns -1 for runes
// that should be dropped.
func foldRune(r rune) rune {
	switch {
	case r >= '\u0966' && r <= '\u096F': // Devanagari digits
		return '0' + (r - '\u0966')
	case r == '\u093C': // nukta
		return -1
	case r == '\u0901': // chandrabindu
		return '\u0902'
	case r >= '\u0958' && r <= '\u095F':
		return nuktaBase[r-'\u0958']
	}
	return unicode.ToLower(r)
}

var nuktaBase = [...]rune{'\u0915', '\u0916', '\u0917', '\u091C', '\u0921', '\u0922', '\u092B', '\u092F'}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r)
}

// words splits s into folded words. Punctuation and symbols separate words,
// as does any boundary between digits and letters.
func words(s string) []string {
	var out []string
	var cur strings.Builder
	lastDigit := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		r = foldRune(r)
		if r < 0 {
			continue
		}
		if !isWordRune(r) {
			flush()
			continue
		}
		digit := r >= '0' && r <= '9'
		if cur.Len() > 0 && digit != lastDigit {
			flush()
		}
		cur.WriteRune(r)
		lastDigit = digit
	}
	flush()
	return out
}

// NormalizeTokens folds case and script variants, collapses administrative
// cues to their canonical token and drops honorifics and filler words.
// NormalizeTokens(NormalizeTokens(x)) == NormalizeTokens(x).
func NormalizeTokens(tokens []string) []string {
	out := collapse(tokens)
	// A canonical cue can join its neighbour into a longer cue, as in
	// "village panchayat" -> "gram panchayat", so repeat until stable. Each
	// extra pass that changes anything merges words, which bounds the loop.
	for range len(out) {
		next := collapse(out)
		if slices.Equal(next, out) {
			break
		}
		out = next
	}
	return out
}

func collapse(tokens []string) []string {
	var ws []string
	for _, t := range tokens {
		ws = append(ws, words(t)...)
	}
	out := make([]string, 0, len(ws))
	for i := 0; i < len(ws); {
		if c, n := matchCue(ws, i); n > 0 {
			out = append(out, c)
			i += n
			continue
		}
		if !dropped[ws[i]] {
			out = append(out, ws[i])
		}
		i++
	}
	return out
}

func matchCue(ws []string, i int) (string, int) {
	for _, c := range cues {
		if i+len(c.words) > len(ws) {
			continue
		}
		ok := true
		for k, w := range c.words {
			if ws[i+k] != w {
				ok = false
				break
			}
		}
		if ok {
			return c.canonical, len(c.words)
		}
	}
	return "", 0
}

// Key returns a comparison key for a mention; two mentions with the same key
// produce the same candidates.
func Key(mention string) string {
	return strings.Join(NormalizeTokens([]string{mention}), " ")
}

// Normalize derives search candidates from one location mention, ordered
// from most to least specific: ward, urban body, village or gram panchayat,
// block, assembly, district, then the bare place name.
func Normalize(mention string) []domain.NormalizedLocationCandidate {
	original := strings.Fields(mention)
	tokens := NormalizeTokens(original)
	if len(tokens) == 0 {
		return nil
	}

	var (
		name   []string
		found  = map[string]bool{}
		wardNo string
	)
	for i, tok := range tokens {
		if _, isCue := cueLevels[tok]; isCue {
			found[tok] = true
			continue
		}
		if isNumber(tok) {
			if wardNo == "" && nextToWard(tokens, i) {
				wardNo = tok
			}
			continue
		}
		name = append(name, tok)
	}
	if found[CueWard] && wardNo == "" {
		for _, tok := range tokens {
			if isNumber(tok) {
				wardNo = tok
				break
			}
		}
	}
	if len(name) == 0 {
		return nil
	}

	var out []domain.NormalizedLocationCandidate
	seen := map[string]bool{}
	add := func(level string, toks ...string) {
		toks = NormalizeTokens(toks)
		q := strings.Join(toks, " ")
		if seen[q] {
			return
		}
		seen[q] = true
		out = append(out, domain.NormalizedLocationCandidate{
			Mention:          mention,
			OriginalTokens:   original,
			NormalizedTokens: toks,
			Query:            q,
			Level:            level,
		})
	}
	with := func(prefix []string, suffix ...string) []string {
		toks := append(append([]string{}, prefix...), name...)
		return append(toks, suffix...)
	}

	if found[CueWard] && wardNo != "" {
		add(domain.LevelWard, with([]string{CueWard, wardNo})...)
	}
	for _, ulb := range []string{CueNagarNigam, CueNagarPalika, CueNagarPanchayat} {
		if found[ulb] {
			add(domain.LevelULB, with(nil, ulb)...)
		}
	}
	if found[CueGramPanchayat] {
		add(domain.LevelGramPanchayat, with(nil, CueGramPanchayat)...)
	}
	if found[CueGram] {
		add(domain.LevelVillage, with([]string{CueGram})...)
	}
	if found[CueBlock] {
		add(domain.LevelBlock, with(nil, CueBlock)...)
	}
	if found[CueAssembly] {
		add(domain.LevelAssembly, with(nil, CueAssembly)...)
	}
	if found[CueDistrict] {
		add(domain.LevelDistrict, with(nil, CueDistrict)...)
	}
	add(domain.LevelPlace, name...)
	return out
}

// NormalizeCandidates re-applies token normalization to already built
// candidates. Candidates produced by Normalize come back unchanged.
func NormalizeCandidates(cands []domain.NormalizedLocationCandidate) []domain.NormalizedLocationCandidate {
	out := make([]domain.NormalizedLocationCandidate, len(cands))
	for i, c := range cands {
		c.NormalizedTokens = NormalizeTokens(c.NormalizedTokens)
		c.Query = strings.Join(c.NormalizedTokens, " ")
		out[i] = c
	}
	return out
}

// CanonicalQuery returns the most specific candidate query for name, which
// is how gazetteer entries are keyed so that they line up with Normalize.
func CanonicalQuery(name string) string {
	cands := Normalize(name)
	if len(cands) == 0 {
		return Key(name)
	}
	return cands[0].Query
}

func isNumber(tok string) bool {
	_, err := strconv.Atoi(tok)
	return err == nil
}

func nextToWard(tokens []string, i int) bool {
	return (i > 0 && tokens[i-1] == CueWard) || (i+1 < len(tokens) && tokens[i+1] == CueWard)
}

// IsFiller reports whether word is an honorific or filler word that
// NormalizeTokens drops.
func IsFiller(word string) bool {
	ws := words(word)
	if len(ws) == 0 {
		return true
	}
	for _, w := range ws {
		if !dropped[w] {
			return false
		}
	}
	return true
}

// IsCue reports whether phrase normalizes to a single administrative cue.
func IsCue(phrase string) bool {
	toks := NormalizeTokens([]string{phrase})
	if len(toks) != 1 {
		return false
	}
	_, ok := cueLevels[toks[0]]
	return ok
}
