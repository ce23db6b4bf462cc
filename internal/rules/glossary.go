package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Term maps any of its phrases to Name.
type Term struct {
	Name    string   `yaml:"name"`
	Phrases []string `yaml:"phrases"`
}

type Glossary struct {
	Events        []Term   `yaml:"events"`
	Schemes       []Term   `yaml:"schemes"`
	Organizations []Term   `yaml:"organizations"`
	Places        []Term   `yaml:"places"`
	PersonTitles  []string `yaml:"person_titles"`
}

func LoadGlossary(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules glossary: %w", err)
	}
	var g Glossary
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse rules glossary yaml: %w", err)
	}
	return &g, nil
}

func normalizeTextToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Merge returns a glossary holding g's terms followed by extra's. Phrases
// of an extra term with a known name are appended to that term.
func (g *Glossary) Merge(extra *Glossary) *Glossary {
	if extra == nil {
		return g
	}
	return &Glossary{
		Events:        mergeTerms(g.Events, extra.Events),
		Schemes:       mergeTerms(g.Schemes, extra.Schemes),
		Organizations: mergeTerms(g.Organizations, extra.Organizations),
		Places:        mergeTerms(g.Places, extra.Places),
		PersonTitles:  mergePhrases(g.PersonTitles, extra.PersonTitles),
	}
}

func mergeTerms(base, extra []Term) []Term {
	out := make([]Term, len(base))
	index := make(map[string]int, len(base))
	for i, t := range base {
		out[i] = Term{Name: t.Name, Phrases: append([]string(nil), t.Phrases...)}
		index[normalizeTextToken(t.Name)] = i
	}
	for _, t := range extra {
		key := normalizeTextToken(t.Name)
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			out[i].Phrases = mergePhrases(out[i].Phrases, t.Phrases)
			continue
		}
		index[key] = len(out)
		out = append(out, Term{Name: strings.TrimSpace(t.Name), Phrases: mergePhrases(nil, t.Phrases)})
	}
	return out
}

func mergePhrases(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, p := range append(append([]string(nil), base...), extra...) {
		key := normalizeTextToken(p)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// DefaultGlossary covers common Hindi and English political vocabulary for
// Chhattisgarh posts.
func DefaultGlossary() *Glossary {
	return &Glossary{
		Events: []Term{
			{Name: "meeting", Phrases: []string{"बैठक", "मीटिंग", "meeting", "baithak"}},
			{Name: "public_meeting", Phrases: []string{"जनसभा", "आमसभा", "public meeting", "jansabha", "aamsabha"}},
			{Name: "rally", Phrases: []string{"रैली", "रोड शो", "rally", "road show", "roadshow"}},
			{Name: "protest", Phrases: []string{"धरना", "प्रदर्शन", "आंदोलन", "घेराव", "protest", "dharna", "gherao"}},
			{Name: "inauguration", Phrases: []string{"उद्घाटन", "लोकार्पण", "inauguration", "inaugurated", "inaugurates"}},
			{Name: "foundation_stone", Phrases: []string{"शिलान्यास", "भूमिपूजन", "भूमि पूजन", "foundation stone", "bhoomipujan"}},
			{Name: "visit", Phrases: []string{"दौरा", "दौरे", "भ्रमण", "निरीक्षण", "visit", "visited", "inspection"}},
			{Name: "padyatra", Phrases: []string{"पदयात्रा", "padyatra"}},
			{Name: "press_conference", Phrases: []string{"प्रेस वार्ता", "प्रेसवार्ता", "पत्रकार वार्ता", "press conference"}},
			{Name: "condolence", Phrases: []string{"श्रद्धांजलि", "शोक", "निधन", "condolence", "tribute"}},
			{Name: "greetings", Phrases: []string{"बधाई", "शुभकामना", "शुभकामनाएं", "जन्मदिन", "greetings", "birthday"}},
			{Name: "campaign", Phrases: []string{"चुनाव प्रचार", "जनसंपर्क", "campaign", "door to door"}},
			{Name: "distribution", Phrases: []string{"वितरण", "distribution", "distributed"}},
		},
		Schemes: []Term{
			{Name: "Pradhan Mantri Awas Yojana", Phrases: []string{"प्रधानमंत्री आवास योजना", "पीएम आवास", "pm awas", "pmay", "pradhan mantri awas yojana"}},
			{Name: "Ayushman Bharat", Phrases: []string{"आयुष्मान भारत", "आयुष्मान कार्ड", "ayushman bharat", "ayushman card"}},
			{Name: "Ujjwala Yojana", Phrases: []string{"उज्ज्वला", "ujjwala"}},
			{Name: "MGNREGA", Phrases: []string{"मनरेगा", "mgnrega", "nrega"}},
			{Name: "PM Kisan Samman Nidhi", Phrases: []string{"किसान सम्मान निधि", "pm kisan", "kisan samman nidhi"}},
			{Name: "Jal Jeevan Mission", Phrases: []string{"जल जीवन मिशन", "jal jeevan mission"}},
			{Name: "Mahtari Vandan Yojana", Phrases: []string{"महतारी वंदन", "mahtari vandan"}},
			{Name: "Swachh Bharat Mission", Phrases: []string{"स्वच्छ भारत", "swachh bharat"}},
		},
		Organizations: []Term{
			{Name: "BJP", Phrases: []string{"भाजपा", "भारतीय जनता पार्टी", "bjp"}},
			{Name: "INC", Phrases: []string{"कांग्रेस", "congress", "inc"}},
			{Name: "AAP", Phrases: []string{"आम आदमी पार्टी", "aam aadmi party", "aap"}},
			{Name: "BSP", Phrases: []string{"बसपा", "bsp"}},
			{Name: "BJYM", Phrases: []string{"भाजयुमो", "bjym"}},
			{Name: "NSUI", Phrases: []string{"एनएसयूआई", "nsui"}},
			{Name: "ABVP", Phrases: []string{"अभाविप", "abvp"}},
		},
		Places: []Term{
			{Name: "Raipur", Phrases: []string{"रायपुर", "raipur"}},
			{Name: "Bilaspur", Phrases: []string{"बिलासपुर", "bilaspur"}},
			{Name: "Durg", Phrases: []string{"दुर्ग", "durg"}},
			{Name: "Bhilai", Phrases: []string{"भिलाई", "bhilai"}},
			{Name: "Korba", Phrases: []string{"कोरबा", "korba"}},
			{Name: "Rajnandgaon", Phrases: []string{"राजनांदगांव", "rajnandgaon"}},
			{Name: "Jagdalpur", Phrases: []string{"जगदलपुर", "jagdalpur"}},
			{Name: "Raigarh", Phrases: []string{"रायगढ़", "raigarh"}},
			{Name: "Ambikapur", Phrases: []string{"अंबिकापुर", "ambikapur"}},
			{Name: "Dhamtari", Phrases: []string{"धमतरी", "dhamtari"}},
			{Name: "Mahasamund", Phrases: []string{"महासमुंद", "mahasamund"}},
			{Name: "Kanker", Phrases: []string{"कांकेर", "kanker"}},
			{Name: "Kawardha", Phrases: []string{"कवर्धा", "kawardha"}},
		},
		PersonTitles: []string{
			"श्री", "श्रीमती", "सुश्री", "माननीय", "मुख्यमंत्री", "उपमुख्यमंत्री", "मंत्री", "विधायक", "सांसद", "महापौर", "डॉ",
			"shri", "smt", "dr", "mla", "mp", "cm", "mayor", "minister",
		},
	}
}
