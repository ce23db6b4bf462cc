// Package consensus merges the per-layer extractions of one post into a
// single result. Everything here is a pure function of its input.
package consensus

import (
	"math"
	"sort"
	"strings"

	"postparser/internal/domain"
)

const (
	HighScore = 0.75
	LowScore  = 0.4
)

const fieldEventType = "event_type"

type Input struct {
	PostID string
	// Layers holds every layer that ran; a nil value is a failed layer.
	Layers     map[domain.Source]*domain.LayerExtraction
	Errors     map[domain.Source]string
	GeoMatches []domain.GeoHierarchyMatch
	GeoBackend domain.GeoBackend
}

type layer struct {
	src domain.Source
	ext *domain.LayerExtraction
}

// Vote builds the ConsensusResult for in. It does not fail: callers must
// not call it without at least one non-nil layer.
func Vote(in Input) domain.ConsensusResult {
	live := liveLayers(in.Layers)

	res := domain.ConsensusResult{
		PostID:         in.PostID,
		LayerResults:   make(map[domain.Source]*domain.LayerExtraction, len(in.Layers)),
		Conflicts:      []domain.FieldConflict{},
		GeoMatches:     in.GeoMatches,
		GeoVerified:    len(in.GeoMatches) > 0,
		GeoBackendUsed: in.GeoBackend,
	}
	for src, ext := range in.Layers {
		res.LayerResults[src] = ext
	}
	if len(in.Errors) > 0 {
		res.LayerErrors = in.Errors
	}
	if res.GeoMatches == nil {
		res.GeoMatches = []domain.GeoHierarchyMatch{}
	}
	if res.GeoBackendUsed == "" || !res.GeoVerified {
		res.GeoBackendUsed = domain.GeoBackendNone
	}

	final := domain.LayerExtraction{Source: domain.SourceConsensus}
	majorities, fields := 0, 0

	event, eventMajority, eventConflict, distinctEvents := voteEvent(live)
	final.EventType = event
	fields++
	if eventMajority {
		majorities++
	}
	if eventConflict != nil {
		res.Conflicts = append(res.Conflicts, *eventConflict)
	}

	corroborated := map[string][]string{}
	for _, field := range domain.ListFields {
		merged, corr, majority, conflict := voteList(live, field)
		final.SetList(field, merged)
		if len(corr) > 0 {
			corroborated[field] = corr
		}
		fields++
		if majority {
			majorities++
		}
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
		}
	}
	if len(corroborated) > 0 {
		res.Corroborated = corroborated
	}

	var confSum float64
	for _, l := range live {
		confSum += clamp(l.ext.Confidence)
	}
	meanConf := 0.0
	if len(live) > 0 {
		meanConf = confSum / float64(len(live))
	}
	score := 0.0
	if len(live) > 0 {
		score = clamp((float64(majorities)/float64(fields) + meanConf) / 2)
	}
	res.ConsensusScore = round(score)
	final.Confidence = res.ConsensusScore
	res.FinalResult = final

	switch {
	case score < LowScore || distinctEvents >= 3:
		res.AgreementLevel = domain.AgreementLow
	case score >= HighScore && len(res.Conflicts) == 0:
		res.AgreementLevel = domain.AgreementHigh
	default:
		res.AgreementLevel = domain.AgreementMedium
	}
	return res
}

// liveLayers returns the non-nil layers in trust order.
func liveLayers(m map[domain.Source]*domain.LayerExtraction) []layer {
	var out []layer
	for src, ext := range m {
		if ext != nil {
			out = append(out, layer{src: src, ext: ext})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].src.Priority(), out[j].src.Priority()
		if pi != pj {
			return pi < pj
		}
		return out[i].src < out[j].src
	})
	return out
}

// voteEvent picks the event type by majority among non-empty values. Ties
// go to the value backed by the most confident layer, then to the most
// trusted layer. It also reports whether a strict majority of live layers
// agreed (an empty value counts as a vote) and how many distinct non-empty
// values were seen.
func voteEvent(live []layer) (string, bool, *domain.FieldConflict, int) {
	type tally struct {
		count    int
		bestConf float64
		bestPrio int
	}
	tallies := map[string]*tally{}
	all := map[string]int{}
	var order []string
	for _, l := range live {
		v := strings.ToLower(strings.TrimSpace(l.ext.EventType))
		all[v]++
		if v == "" {
			continue
		}
		t, ok := tallies[v]
		if !ok {
			t = &tally{bestConf: -1, bestPrio: math.MaxInt}
			tallies[v] = t
			order = append(order, v)
		}
		t.count++
		if c := l.ext.Confidence; c > t.bestConf {
			t.bestConf = c
		}
		if p := l.src.Priority(); p < t.bestPrio {
			t.bestPrio = p
		}
	}

	winner := ""
	var best *tally
	for _, v := range order {
		t := tallies[v]
		switch {
		case best == nil,
			t.count > best.count,
			t.count == best.count && t.bestConf > best.bestConf,
			t.count == best.count && t.bestConf == best.bestConf && t.bestPrio < best.bestPrio:
			winner, best = v, t
		}
	}

	majority := false
	for _, n := range all {
		if 2*n > len(live) {
			majority = true
		}
	}

	var conflict *domain.FieldConflict
	if len(tallies) >= 2 {
		conflict = &domain.FieldConflict{Field: fieldEventType, Values: map[domain.Source]any{}}
		for _, l := range live {
			conflict.Values[l.src] = l.ext.EventType
		}
	}
	return winner, majority, conflict, len(tallies)
}

// voteList unions field across layers, de-duplicating by itemKey and keeping
// the spelling of the most trusted layer. Items reported by two or more
// layers are returned as corroborated. Layers that only under-report
// relative to another are not a conflict; two non-empty lists where neither
// contains the other are.
func voteList(live []layer, field string) (merged, corroborated []string, majority bool, conflict *domain.FieldConflict) {
	merged = []string{}
	seenBy := map[string]int{}
	spelling := map[string]string{}
	var order []string
	sets := make([]map[string]bool, len(live))
	groups := map[string]int{}

	for i, l := range live {
		set := map[string]bool{}
		for _, item := range l.ext.List(field) {
			k := itemKey(field, item)
			if k == "" || set[k] {
				continue
			}
			set[k] = true
			if _, ok := spelling[k]; !ok {
				spelling[k] = strings.Join(strings.Fields(item), " ")
				order = append(order, k)
			}
			seenBy[k]++
		}
		sets[i] = set
		groups[setKey(set)]++
	}

	for _, k := range order {
		merged = append(merged, spelling[k])
		if seenBy[k] >= 2 {
			corroborated = append(corroborated, spelling[k])
		}
	}
	for _, n := range groups {
		if 2*n > len(live) {
			majority = true
		}
	}

	contradicts := false
	for i := 0; i < len(sets) && !contradicts; i++ {
		for j := i + 1; j < len(sets); j++ {
			if len(sets[i]) == 0 || len(sets[j]) == 0 {
				continue
			}
			if !subset(sets[i], sets[j]) && !subset(sets[j], sets[i]) {
				contradicts = true
				break
			}
		}
	}
	if contradicts {
		conflict = &domain.FieldConflict{Field: field, Values: map[domain.Source]any{}}
		for _, l := range live {
			items := l.ext.List(field)
			if items == nil {
				items = []string{}
			}
			conflict.Values[l.src] = items
		}
	}
	return merged, corroborated, majority, conflict
}

// itemKey folds case and whitespace. Hashtags also drop the leading '#'.
func itemKey(field, item string) string {
	k := strings.ToLower(strings.Join(strings.Fields(item), " "))
	if field == "hashtags" {
		k = strings.TrimLeft(k, "#")
	}
	return k
}

func setKey(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x00")
}

func subset(a, b map[string]bool) bool {
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func clamp(f float64) float64 {
	switch {
	case f < 0 || math.IsNaN(f):
		return 0
	case f > 1:
		return 1
	}
	return f
}

func round(f float64) float64 {
	return math.Round(f*10000) / 10000
}
