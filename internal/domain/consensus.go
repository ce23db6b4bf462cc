package domain

type AgreementLevel string

const (
	AgreementHigh   AgreementLevel = "high"
	AgreementMedium AgreementLevel = "medium"
	AgreementLow    AgreementLevel = "low"
)

// FieldConflict records a field on which non-null layers disagreed. Values
// holds a string for event_type and a []string for list fields.
type FieldConflict struct {
	Field  string         `json:"field"`
	Values map[Source]any `json:"values"`
}

type ConsensusResult struct {
	PostID         string                      `json:"post_id"`
	FinalResult    LayerExtraction             `json:"final_result"`
	LayerResults   map[Source]*LayerExtraction `json:"layer_results"`
	LayerErrors    map[Source]string           `json:"layer_errors,omitempty"`
	ConsensusScore float64                     `json:"consensus_score"`
	AgreementLevel AgreementLevel              `json:"agreement_level"`
	Conflicts      []FieldConflict             `json:"conflicts"`
	Corroborated   map[string][]string         `json:"corroborated,omitempty"`
	GeoVerified    bool                        `json:"geo_verified"`
	GeoBackendUsed GeoBackend                  `json:"geo_backend_used"`
	GeoMatches     []GeoHierarchyMatch         `json:"geo_matches"`
}
