package consensus

import (
	"reflect"
	"testing"

	"postparser/internal/domain"
)

func ext(src domain.Source, conf float64, event string, locations ...string) *domain.LayerExtraction {
	return &domain.LayerExtraction{
		Source:           src,
		EventType:        event,
		Locations:        locations,
		PeopleMentioned:  []string{},
		Organizations:    []string{},
		SchemesMentioned: []string{},
		Hashtags:         []string{},
		Confidence:       conf,
	}
}

func three(a, b, r *domain.LayerExtraction) Input {
	return Input{PostID: "p1", Layers: map[domain.Source]*domain.LayerExtraction{
		domain.SourceModelA:    a,
		domain.SourceModelB:    b,
		domain.SourceRuleBased: r,
	}}
}

func TestVoteIdenticalLayersAgreeHigh(t *testing.T) {
	mk := func(src domain.Source, conf float64) *domain.LayerExtraction {
		e := ext(src, conf, "meeting", "रायपुर वार्ड 5")
		e.Hashtags = []string{"#Raipur"}
		e.PeopleMentioned = []string{"Sunil Soni"}
		return e
	}
	res := Vote(three(mk(domain.SourceModelA, 0.9), mk(domain.SourceModelB, 0.7), mk(domain.SourceRuleBased, 0.6)))

	if res.AgreementLevel != domain.AgreementHigh {
		t.Fatalf("expected high agreement, got %s (score %.3f)", res.AgreementLevel, res.ConsensusScore)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", res.Conflicts)
	}
	if res.ConsensusScore != 0.8667 {
		t.Fatalf("expected score 0.8667, got %v", res.ConsensusScore)
	}
	if res.FinalResult.Source != domain.SourceConsensus || res.FinalResult.Confidence != res.ConsensusScore {
		t.Fatalf("unexpected final result header: %+v", res.FinalResult)
	}
	if !reflect.DeepEqual(res.Corroborated["locations"], []string{"रायपुर वार्ड 5"}) {
		t.Fatalf("expected corroborated location, got %+v", res.Corroborated)
	}
}

func TestVoteDisjointLayersLow(t *testing.T) {
	res := Vote(three(
		ext(domain.SourceModelA, 0.9, "meeting", "Raipur"),
		ext(domain.SourceModelB, 0.7, "rally", "Durg"),
		ext(domain.SourceRuleBased, 0.6, "protest", "Bilaspur"),
	))
	if res.AgreementLevel != domain.AgreementLow {
		t.Fatalf("expected low agreement, got %s", res.AgreementLevel)
	}
	if len(res.Conflicts) != 2 || res.Conflicts[0].Field != "event_type" || res.Conflicts[1].Field != "locations" {
		t.Fatalf("unexpected conflicts: %+v", res.Conflicts)
	}
	if !reflect.DeepEqual(res.FinalResult.Locations, []string{"Raipur", "Durg", "Bilaspur"}) {
		t.Fatalf("expected union in trust order, got %v", res.FinalResult.Locations)
	}
	if res.FinalResult.EventType != "meeting" {
		t.Fatalf("expected most trusted event on three-way split, got %q", res.FinalResult.EventType)
	}
}

func TestVoteMajorityEventWithConflict(t *testing.T) {
	res := Vote(three(
		ext(domain.SourceModelA, 0.9, "meeting", "Raipur"),
		ext(domain.SourceModelB, 0.7, "rally", "Raipur"),
		ext(domain.SourceRuleBased, 0.6, "meeting", "Raipur"),
	))
	if res.FinalResult.EventType != "meeting" {
		t.Fatalf("expected majority meeting, got %q", res.FinalResult.EventType)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	want := map[domain.Source]any{
		domain.SourceModelA:    "meeting",
		domain.SourceModelB:    "rally",
		domain.SourceRuleBased: "meeting",
	}
	if c.Field != "event_type" || !reflect.DeepEqual(c.Values, want) {
		t.Fatalf("unexpected conflict: %+v", c)
	}
	if res.AgreementLevel != domain.AgreementMedium {
		t.Fatalf("expected medium agreement with a conflict, got %s", res.AgreementLevel)
	}
}

func TestVoteEventTieBreaks(t *testing.T) {
	tests := []struct {
		name  string
		in    Input
		event string
	}{
		{
			name: "two disagree one failed, higher confidence wins",
			in: three(
				nil,
				ext(domain.SourceModelB, 0.7, "rally"),
				ext(domain.SourceRuleBased, 0.6, "meeting"),
			),
			event: "rally",
		},
		{
			name: "confidence beats trust order",
			in: three(
				ext(domain.SourceModelA, 0.5, "rally"),
				ext(domain.SourceModelB, 0.8, "protest"),
				nil,
			),
			event: "protest",
		},
		{
			name: "equal confidences fall back to model a",
			in: three(
				ext(domain.SourceModelA, 0.7, "visit"),
				ext(domain.SourceModelB, 0.7, "rally"),
				ext(domain.SourceRuleBased, 0.7, "meeting"),
			),
			event: "visit",
		},
		{
			name: "empty values do not vote",
			in: three(
				ext(domain.SourceModelA, 0.9, ""),
				ext(domain.SourceModelB, 0.7, ""),
				ext(domain.SourceRuleBased, 0.6, "Meeting"),
			),
			event: "meeting",
		},
		{
			name: "no layer claims an event",
			in: three(
				ext(domain.SourceModelA, 0.9, ""),
				nil,
				ext(domain.SourceRuleBased, 0.6, ""),
			),
			event: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Vote(tt.in).FinalResult.EventType; got != tt.event {
				t.Fatalf("event = %q, want %q", got, tt.event)
			}
		})
	}
}

func TestVoteUnderReportingIsNotAConflict(t *testing.T) {
	a := ext(domain.SourceModelA, 0.9, "meeting", "Raipur", "Gram Kharora")
	b := ext(domain.SourceModelB, 0.7, "meeting", "raipur ")
	r := ext(domain.SourceRuleBased, 0.6, "meeting")
	a.Hashtags = []string{"#BJP4CG"}
	r.Hashtags = []string{"bjp4cg"}

	res := Vote(three(a, b, r))
	if len(res.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", res.Conflicts)
	}
	if !reflect.DeepEqual(res.FinalResult.Locations, []string{"Raipur", "Gram Kharora"}) {
		t.Fatalf("unexpected merged locations: %v", res.FinalResult.Locations)
	}
	if !reflect.DeepEqual(res.Corroborated["locations"], []string{"Raipur"}) {
		t.Fatalf("unexpected corroboration: %+v", res.Corroborated)
	}
	if !reflect.DeepEqual(res.FinalResult.Hashtags, []string{"#BJP4CG"}) {
		t.Fatalf("expected hashtags to merge ignoring '#', got %v", res.FinalResult.Hashtags)
	}
}

func TestVoteScoreMonotonicInAgreement(t *testing.T) {
	a := ext(domain.SourceModelA, 0.9, "meeting", "Raipur")
	a.PeopleMentioned = []string{"Sunil Soni"}
	a.Hashtags = []string{"#Raipur"}
	a.SchemesMentioned = []string{"PMAY"}
	a.Organizations = []string{"BJP"}

	b := ext(domain.SourceModelB, 0.7, "rally", "Durg")
	b.PeopleMentioned = []string{"Someone Else"}
	b.Hashtags = []string{"#Durg"}
	b.SchemesMentioned = []string{"Ujjwala"}
	b.Organizations = []string{"INC"}

	steps := []func(){
		func() { b.EventType = "meeting" },
		func() { b.Locations = []string{"Raipur"} },
		func() { b.PeopleMentioned = []string{"Sunil Soni"} },
		func() { b.Hashtags = []string{"#Raipur"} },
		func() { b.SchemesMentioned = []string{"PMAY"} },
		func() { b.Organizations = []string{"BJP"} },
	}
	in := three(a, b, nil)
	prev := Vote(in).ConsensusScore
	for i, step := range steps {
		step()
		got := Vote(in).ConsensusScore
		if got < prev {
			t.Fatalf("step %d: score dropped from %v to %v", i, prev, got)
		}
		prev = got
	}
	if prev != 0.9 {
		t.Fatalf("expected full agreement score 0.9, got %v", prev)
	}
}

func TestVoteRecordsFailedLayersAndGeo(t *testing.T) {
	in := three(nil, nil, ext(domain.SourceRuleBased, 0.6, "meeting", "रायपुर वार्ड 5"))
	in.Errors = map[domain.Source]string{
		domain.SourceModelA: "timeout",
		domain.SourceModelB: "unavailable",
	}
	res := Vote(in)
	if v, ok := res.LayerResults[domain.SourceModelA]; !ok || v != nil {
		t.Fatalf("expected explicit nil for failed layer, got %+v", res.LayerResults)
	}
	if res.LayerErrors[domain.SourceModelB] != "unavailable" {
		t.Fatalf("expected layer errors carried, got %+v", res.LayerErrors)
	}
	if res.GeoVerified || res.GeoBackendUsed != domain.GeoBackendNone || res.GeoMatches == nil {
		t.Fatalf("unexpected geo fields: %+v", res)
	}
	if res.ConsensusScore != 0.8 || res.AgreementLevel != domain.AgreementHigh {
		t.Fatalf("single rule layer: score %v level %s", res.ConsensusScore, res.AgreementLevel)
	}

	in.GeoMatches = []domain.GeoHierarchyMatch{{AdminUnit: domain.AdminUnit{WardNo: 5}, IsUrban: true, Confidence: 0.9, Backend: domain.GeoBackendPrimary}}
	in.GeoBackend = domain.GeoBackendPrimary
	res = Vote(in)
	if !res.GeoVerified || res.GeoBackendUsed != domain.GeoBackendPrimary {
		t.Fatalf("expected verified primary geo, got %+v", res)
	}
}
