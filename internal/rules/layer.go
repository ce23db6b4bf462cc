// Package rules is the deterministic extraction layer: keyword and regex
// rules over the raw post text. It never fails.
package rules

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"postparser/internal/domain"
	"postparser/internal/normalize"
)

const boundary = `(?:^|[^\p{L}\p{M}\p{N}])`
const boundaryEnd = `(?:$|[^\p{L}\p{M}\p{N}])`

var (
	hashtagRe = regexp.MustCompile(`#[\p{L}\p{M}\p{N}_]+`)
	handleRe  = regexp.MustCompile(`(?:^|[^\w@])@(\w{2,})`)

	wardRe = regexp.MustCompile(`(?i)` + boundary +
		`(?:([\p{L}\p{M}]+)\s+)?(वार्ड|ward)\s*(?:no\.?|नं\.?|नंबर|क्रमांक|क्र\.?)?\s*[-:]?\s*([0-9\x{0966}-\x{096F}]+)`)
	ulbSuffixRe = regexp.MustCompile(`(?i)` + boundary +
		`([\p{L}\p{M}]+)\s+(नगर\s+निगम|नगर\s+पालिका|नगर\s+पंचायत|nagar\s+nigam|nagar\s+palika|nagar\s+panchayat|municipal\s+corporation)` + boundaryEnd)
	cuePrefixRe = regexp.MustCompile(`(?i)` + boundary +
		`(ग्राम\s+पंचायत|gram\s+panchayat|नगर\s+निगम|नगर\s+पालिका|nagar\s+nigam|nagar\s+palika|ग्राम|गांव|गाँव|gram|village|जिला|district|zila|jila|ब्लॉक|विकासखंड|janpad|जनपद|block|विधानसभा|vidhan\s+sabha)\s+([\p{L}\p{M}]+)`)
	districtSuffixRe = regexp.MustCompile(`(?i)` + boundary + `([\p{L}\p{M}]+)\s+(जिले|जिला|district)` + boundaryEnd)
	schemeRe         = regexp.MustCompile(`(?i)((?:[\p{L}\p{M}]+\s+){1,3})(योजना|yojana|yojna|scheme|मिशन|mission)` + boundaryEnd)
)

type matcher struct {
	name   string
	phrase string
	re     *regexp.Regexp
}

func compileTerms(terms []Term) []matcher {
	var out []matcher
	for _, t := range terms {
		for _, p := range t.Phrases {
			fields := strings.Fields(p)
			if len(fields) == 0 {
				continue
			}
			quoted := make([]string, len(fields))
			for i, f := range fields {
				quoted[i] = regexp.QuoteMeta(f)
			}
			re := regexp.MustCompile(`(?i)` + boundary + `(` + strings.Join(quoted, `\s+`) + `)` + boundaryEnd)
			out = append(out, matcher{name: t.Name, phrase: p, re: re})
		}
	}
	return out
}

type hit struct {
	name   string
	phrase string
	start  int
	length int
}

func findAll(ms []matcher, text string) []hit {
	var hits []hit
	for _, m := range ms {
		for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{name: m.name, phrase: m.phrase, start: loc[2], length: loc[3] - loc[2]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].start != hits[j].start {
			return hits[i].start < hits[j].start
		}
		return hits[i].length > hits[j].length
	})
	return hits
}

type Layer struct {
	confidence    float64
	events        []matcher
	schemes       []matcher
	organizations []matcher
	places        []matcher
	titles        map[string]bool
}

func NewLayer(g *Glossary, confidence float64) *Layer {
	if g == nil {
		g = DefaultGlossary()
	}
	titles := make(map[string]bool, len(g.PersonTitles))
	for _, t := range g.PersonTitles {
		titles[cleanWord(t)] = true
	}
	return &Layer{
		confidence:    confidence,
		events:        compileTerms(g.Events),
		schemes:       compileTerms(g.Schemes),
		organizations: compileTerms(g.Organizations),
		places:        compileTerms(g.Places),
		titles:        titles,
	}
}

func (l *Layer) Source() domain.Source { return domain.SourceRuleBased }

// Parse never returns an error; text without matches yields empty lists.
func (l *Layer) Parse(_ context.Context, post domain.PostInput) (domain.LayerExtraction, error) {
	return l.Extract(post.Text), nil
}

func (l *Layer) Extract(text string) domain.LayerExtraction {
	out := domain.LayerExtraction{
		Source:           domain.SourceRuleBased,
		Locations:        l.locations(text),
		SchemesMentioned: l.schemesIn(text),
		PeopleMentioned:  l.people(text),
		Organizations:    names(findAll(l.organizations, text)),
		Hashtags:         dedupe(hashtagRe.FindAllString(text, -1)),
		Confidence:       l.confidence,
	}
	if hits := findAll(l.events, text); len(hits) > 0 {
		out.EventType = hits[0].name
	}
	return out
}

func (l *Layer) locations(text string) []string {
	places := findAll(l.places, text)
	var mentions []string

	for _, m := range wardRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if !isNameWord(name) {
			name = ""
			if len(places) > 0 {
				name = places[0].phrase
			}
		}
		if name == "" {
			continue
		}
		mentions = append(mentions, name+" "+m[2]+" "+m[3])
	}
	for _, m := range ulbSuffixRe.FindAllStringSubmatch(text, -1) {
		if isNameWord(m[1]) {
			mentions = append(mentions, m[1]+" "+collapseSpace(m[2]))
		}
	}
	for _, m := range cuePrefixRe.FindAllStringSubmatch(text, -1) {
		if isNameWord(m[2]) {
			mentions = append(mentions, collapseSpace(m[1])+" "+m[2])
		}
	}
	for _, m := range districtSuffixRe.FindAllStringSubmatch(text, -1) {
		if isNameWord(m[1]) {
			mentions = append(mentions, m[1]+" "+m[2])
		}
	}

	keys := make([]string, 0, len(mentions))
	for _, m := range mentions {
		keys = append(keys, normalize.Key(m))
	}
	for _, p := range places {
		pk := normalize.Key(p.phrase)
		covered := false
		for _, k := range keys {
			if strings.Contains(" "+k+" ", " "+pk+" ") {
				covered = true
				break
			}
		}
		if !covered {
			mentions = append(mentions, p.name)
			keys = append(keys, pk)
		}
	}
	return dedupeBy(mentions, normalize.Key)
}

func (l *Layer) schemesIn(text string) []string {
	hits := findAll(l.schemes, text)
	out := names(hits)
	for _, m := range schemeRe.FindAllStringSubmatch(text, -1) {
		lead := strings.Fields(m[1])
		for len(lead) > 0 && (normalize.IsFiller(lead[0]) || l.titles[cleanWord(lead[0])]) {
			lead = lead[1:]
		}
		if len(lead) == 0 {
			continue
		}
		phrase := strings.Join(lead, " ") + " " + m[2]
		known := false
		for _, h := range hits {
			if strings.Contains(strings.ToLower(phrase), strings.ToLower(h.phrase)) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, phrase)
		}
	}
	return dedupe(out)
}

// people collects @handles and up to three words following a title such as
// "श्री" or "MLA".
func (l *Layer) people(text string) []string {
	var out []string
	for _, m := range handleRe.FindAllStringSubmatch(text, -1) {
		out = append(out, "@"+m[1])
	}

	fields := strings.Fields(text)
	for i := 0; i < len(fields); i++ {
		if !l.titles[cleanWord(fields[i])] {
			continue
		}
		var name []string
		j := i + 1
		for ; j < len(fields) && len(name) < 3; j++ {
			w := cleanWord(fields[j])
			if w == "" || strings.ContainsFunc(w, unicode.IsDigit) {
				break
			}
			if l.titles[w] {
				if len(name) == 0 {
					continue
				}
				break
			}
			if normalize.IsFiller(w) || l.isKeyword(w) {
				break
			}
			name = append(name, strings.TrimFunc(fields[j], notWordRune))
			if endsWithPunct(fields[j]) {
				j++
				break
			}
		}
		if len(name) > 0 {
			out = append(out, strings.Join(name, " "))
		}
		i = j - 1
	}
	return dedupe(out)
}

func (l *Layer) isKeyword(w string) bool {
	for _, ms := range [][]matcher{l.events, l.schemes, l.organizations} {
		for _, m := range ms {
			if strings.EqualFold(m.phrase, w) {
				return true
			}
		}
	}
	return normalize.IsCue(w)
}

// isNameWord reports whether w can name a place, as opposed to being empty,
// a filler word or an administrative cue.
func isNameWord(w string) bool {
	w = strings.TrimSpace(w)
	return w != "" && !normalize.IsFiller(w) && !normalize.IsCue(w)
}

func notWordRune(r rune) bool {
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.M, r))
}

func cleanWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, notWordRune))
}

func endsWithPunct(w string) bool {
	if w == "" {
		return false
	}
	r := []rune(w)
	return notWordRune(r[len(r)-1])
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func names(hits []hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.name)
	}
	return dedupe(out)
}

func dedupe(items []string) []string {
	return dedupeBy(items, func(s string) string { return strings.ToLower(collapseSpace(s)) })
}

func dedupeBy(items []string, key func(string) string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		k := key(it)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(it))
	}
	return out
}
