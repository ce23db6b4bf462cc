package domain

type GeoBackend string

const (
	GeoBackendPrimary   GeoBackend = "primary"
	GeoBackendSecondary GeoBackend = "secondary"
	GeoBackendNone      GeoBackend = "none"
)

type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchFuzzy    MatchType = "fuzzy"
	MatchSemantic MatchType = "semantic"
)

// Location levels, ordered from most to least specific within each branch.
const (
	LevelWard          = "ward"
	LevelULB           = "ulb"
	LevelVillage       = "village"
	LevelGramPanchayat = "gram_panchayat"
	LevelBlock         = "block"
	LevelAssembly      = "assembly"
	LevelDistrict      = "district"
	LevelPlace         = "place"
)

type NormalizedLocationCandidate struct {
	Mention          string   `json:"mention"`
	OriginalTokens   []string `json:"original_tokens"`
	NormalizedTokens []string `json:"normalized_tokens"`
	Query            string   `json:"query"`
	Level            string   `json:"level"`
}

// AdminUnit is one row of the administrative hierarchy. Rural units fill the
// village..district fields, urban units fill ULB and WardNo.
type AdminUnit struct {
	Village       string `json:"village,omitempty" yaml:"village"`
	GramPanchayat string `json:"gram_panchayat,omitempty" yaml:"gram_panchayat"`
	Block         string `json:"block,omitempty" yaml:"block"`
	Assembly      string `json:"assembly,omitempty" yaml:"assembly"`
	District      string `json:"district,omitempty" yaml:"district"`
	ULB           string `json:"ulb,omitempty" yaml:"ulb"`
	WardNo        int    `json:"ward_no,omitempty" yaml:"ward_no"`
}

func (u AdminUnit) IsUrban() bool {
	return u.ULB != "" || u.WardNo > 0
}

type GeoHierarchyMatch struct {
	AdminUnit
	IsUrban    bool       `json:"is_urban"`
	Confidence float64    `json:"confidence"`
	MatchType  MatchType  `json:"match_type"`
	Backend    GeoBackend `json:"backend"`
	Query      string     `json:"query"`
}

// GeoEntry is one searchable name of an administrative unit, as stored in
// the geo indexes. Text is already normalized.
type GeoEntry struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	Unit AdminUnit `json:"unit"`
}
