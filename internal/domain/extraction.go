package domain

import "time"

type PostInput struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
	AuthorHandle string    `json:"author_handle"`
}

// Source identifies which extraction layer produced a result.
type Source string

const (
	SourceModelA    Source = "model_a"
	SourceModelB    Source = "model_b"
	SourceRuleBased Source = "rule_based"
	SourceConsensus Source = "consensus"
)

// LayerSources lists the extraction layers in trust order. Ties that
// survive the confidence comparison go to the earlier entry.
var LayerSources = []Source{SourceModelA, SourceModelB, SourceRuleBased}

// Priority returns the position of s in LayerSources, or len(LayerSources)
// for anything else.
func (s Source) Priority() int {
	for i, src := range LayerSources {
		if src == s {
			return i
		}
	}
	return len(LayerSources)
}

type LayerExtraction struct {
	Source           Source   `json:"source"`
	Locations        []string `json:"locations"`
	EventType        string   `json:"event_type,omitempty"`
	SchemesMentioned []string `json:"schemes_mentioned"`
	PeopleMentioned  []string `json:"people_mentioned"`
	Organizations    []string `json:"organizations"`
	Hashtags         []string `json:"hashtags"`
	Confidence       float64  `json:"confidence"`
	RawResponse      string   `json:"raw_response,omitempty"`
}

// ListFields names the list-valued fields of a LayerExtraction in the order
// they are reported.
var ListFields = []string{"locations", "people_mentioned", "organizations", "schemes_mentioned", "hashtags"}

// List returns the list-valued field with the given JSON name.
func (e *LayerExtraction) List(field string) []string {
	switch field {
	case "locations":
		return e.Locations
	case "people_mentioned":
		return e.PeopleMentioned
	case "organizations":
		return e.Organizations
	case "schemes_mentioned":
		return e.SchemesMentioned
	case "hashtags":
		return e.Hashtags
	}
	return nil
}

// SetList assigns the list-valued field with the given JSON name.
func (e *LayerExtraction) SetList(field string, items []string) {
	switch field {
	case "locations":
		e.Locations = items
	case "people_mentioned":
		e.PeopleMentioned = items
	case "organizations":
		e.Organizations = items
	case "schemes_mentioned":
		e.SchemesMentioned = items
	case "hashtags":
		e.Hashtags = items
	}
}
