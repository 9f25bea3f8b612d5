package ai

import (
	"bytes"
	"encoding/json"
	"strings"

	"flowlens/internal/domain"
)

// PlaceholderAnalysis replaces a missing or empty analysis string.
const PlaceholderAnalysis = "Analysis not available"

// Normalize parses provider text into an AIAnalysis. It never fails: text
// that is not a JSON object yields the placeholder analysis and empty lists,
// and each required key that is missing or malformed is replaced on its
// own. Normalizing the JSON encoding of a normalized payload returns the
// same payload.
func Normalize(text string) domain.AIAnalysis {
	out := domain.AIAnalysis{
		Analysis:        PlaceholderAnalysis,
		Insights:        []domain.Insight{},
		Risks:           []domain.Risk{},
		Recommendations: []domain.Recommendation{},
		Actions:         []domain.Action{},
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(extractObject(text), &fields); err != nil {
		return out
	}
	var analysis string
	if decodeField(fields, "analysis", &analysis) && strings.TrimSpace(analysis) != "" {
		out.Analysis = analysis
	}
	var insights []domain.Insight
	if decodeField(fields, "insights", &insights) && insights != nil {
		out.Insights = insights
	}
	var risks []domain.Risk
	if decodeField(fields, "risks", &risks) && risks != nil {
		out.Risks = risks
	}
	var recs []domain.Recommendation
	if decodeField(fields, "recommendations", &recs) && recs != nil {
		out.Recommendations = recs
	}
	var actions []domain.Action
	if decodeField(fields, "actions", &actions) && actions != nil {
		out.Actions = actions
	}
	return Canonical(out)
}

// Canonical replaces nil lists with empty ones at every level so that a
// payload survives a JSON round trip unchanged.
func Canonical(a domain.AIAnalysis) domain.AIAnalysis {
	if a.Insights == nil {
		a.Insights = []domain.Insight{}
	}
	if a.Risks == nil {
		a.Risks = []domain.Risk{}
	}
	if a.Recommendations == nil {
		a.Recommendations = []domain.Recommendation{}
	}
	if a.Actions == nil {
		a.Actions = []domain.Action{}
	}
	for i := range a.Insights {
		a.Insights[i].Recommendations = emptyIfNil(a.Insights[i].Recommendations)
		a.Insights[i].AffectedTeams = emptyIfNil(a.Insights[i].AffectedTeams)
	}
	for i := range a.Risks {
		a.Risks[i].AffectedTeams = emptyIfNil(a.Risks[i].AffectedTeams)
	}
	for i := range a.Actions {
		a.Actions[i].AffectedCards = emptyIfNil(a.Actions[i].AffectedCards)
	}
	return a
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Missing lists the required keys absent from text, for logging.
func Missing(text string) []string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(extractObject(text), &fields); err != nil {
		return []string{"analysis", "insights", "risks", "recommendations"}
	}
	var out []string
	for _, k := range []string{"analysis", "insights", "risks", "recommendations"} {
		if _, ok := fields[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) bool {
	raw, ok := fields[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// extractObject strips markdown code fences and surrounding prose so that
// a reply like "Here you go: ```json {...} ```" still parses.
func extractObject(text string) []byte {
	b := bytes.TrimSpace([]byte(text))
	if len(b) > 0 && b[0] == '{' && json.Valid(b) {
		return b
	}
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end <= start {
		return b
	}
	return b[start : end+1]
}
