package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"postparser/internal/domain"
)

const extractionSystemPrompt = `You extract structured facts from short Indian political social-media posts written in Hindi, English or a mix of both.

Return ONLY one JSON object with exactly these keys:
- "locations": array of strings. Every place mentioned: village, gram panchayat, block, assembly constituency, district, city, urban body or ward. Keep administrative words with the name, e.g. "Raipur ward 5" or "Bhilai nagar nigam". Keep the script used in the post.
- "event_type": string or null. One of: meeting, public_meeting, rally, protest, inauguration, foundation_stone, visit, padyatra, press_conference, condolence, greetings, campaign, distribution, other.
- "schemes_mentioned": array of strings. Government schemes, yojanas and missions.
- "hashtags": array of strings, each starting with #.
- "people_mentioned": array of strings. Names or @handles of people, without titles such as Shri or ji.
- "organizations": array of strings. Political parties and organisations.

Use [] for empty lists. Do not add other keys, explanations or markdown.`

func buildExtractionUserPrompt(post domain.PostInput, maxChars int) string {
	text := truncateRunes(post.Text, maxChars)
	var b strings.Builder
	if post.AuthorHandle != "" {
		fmt.Fprintf(&b, "Author: @%s\n", strings.TrimPrefix(post.AuthorHandle, "@"))
	}
	b.WriteString("Post:\n")
	b.WriteString(text)
	return b.String()
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

var requiredKeys = []string{"locations", "event_type", "schemes_mentioned", "hashtags", "people_mentioned"}

var optionalKeys = map[string]bool{"organizations": true}

// parseExtractionResponse validates a model reply against the extraction
// object shape. Lists may be null; any other deviation is malformed.
func parseExtractionResponse(source domain.Source, raw string) (domain.LayerExtraction, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return domain.LayerExtraction{}, fmt.Errorf("%w: %v (response: %s)", domain.ErrMalformedResponse, err, truncateRunes(raw, 200))
	}
	if fields == nil {
		return domain.LayerExtraction{}, fmt.Errorf("%w: null object", domain.ErrMalformedResponse)
	}
	for _, k := range requiredKeys {
		if _, ok := fields[k]; !ok {
			return domain.LayerExtraction{}, fmt.Errorf("%w: missing key %q", domain.ErrMalformedResponse, k)
		}
	}
	for k := range fields {
		if !optionalKeys[k] && !contains(requiredKeys, k) {
			return domain.LayerExtraction{}, fmt.Errorf("%w: unexpected key %q", domain.ErrMalformedResponse, k)
		}
	}

	out := domain.LayerExtraction{Source: source, RawResponse: raw}
	var eventType *string
	if err := json.Unmarshal(fields["event_type"], &eventType); err != nil {
		return domain.LayerExtraction{}, fmt.Errorf("%w: event_type: %v", domain.ErrMalformedResponse, err)
	}
	if eventType != nil {
		out.EventType = strings.ToLower(strings.TrimSpace(*eventType))
	}

	lists := map[string]*[]string{
		"locations":         &out.Locations,
		"schemes_mentioned": &out.SchemesMentioned,
		"hashtags":          &out.Hashtags,
		"people_mentioned":  &out.PeopleMentioned,
		"organizations":     &out.Organizations,
	}
	for key, dst := range lists {
		items, err := decodeStringList(fields[key])
		if err != nil {
			return domain.LayerExtraction{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedResponse, key, err)
		}
		*dst = items
	}
	return out, nil
}

func decodeStringList(raw json.RawMessage) ([]string, error) {
	out := []string{}
	if len(raw) == 0 {
		return out, nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
