package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

type RiskCategory string

const (
	RiskTechnical RiskCategory = "technical"
	RiskResource  RiskCategory = "resource"
	RiskTimeline  RiskCategory = "timeline"
	RiskQuality   RiskCategory = "quality"
	RiskExternal  RiskCategory = "external"
)

type Insight struct {
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Severity        Severity `json:"severity,omitempty"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations"`
	AffectedTeams   []string `json:"affected_teams"`
}

type Risk struct {
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Severity      Severity     `json:"severity"`
	Probability   float64      `json:"probability"`
	Impact        float64      `json:"impact"`
	Category      RiskCategory `json:"category"`
	AffectedTeams []string     `json:"affected_teams"`
}

// Recommendation is free text with an optional priority. It travels as a
// plain JSON string unless a priority is attached.
type Recommendation struct {
	Text     string   `json:"text"`
	Priority Priority `json:"priority,omitempty"`
}

func (r Recommendation) MarshalJSON() ([]byte, error) {
	if r.Priority == "" {
		return json.Marshal(r.Text)
	}
	type plain Recommendation
	return json.Marshal(plain(r))
}

func (r *Recommendation) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Recommendation{Text: s}
		return nil
	}
	var obj struct {
		Text        string   `json:"text"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Priority    Priority `json:"priority"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	text := obj.Text
	if text == "" {
		text = strings.TrimSpace(strings.Join(nonEmpty(obj.Title, obj.Description), ": "))
	}
	*r = Recommendation{Text: text, Priority: obj.Priority}
	return nil
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

type Action struct {
	Type          string   `json:"type"`
	Priority      Priority `json:"priority,omitempty"`
	Description   string   `json:"description"`
	AffectedCards []string `json:"affected_cards"`
}

// AIAnalysis is the structured payload returned by a generative provider or
// the deterministic simulator.
type AIAnalysis struct {
	Analysis        string           `json:"analysis"`
	Insights        []Insight        `json:"insights"`
	Risks           []Risk           `json:"risks"`
	Recommendations []Recommendation `json:"recommendations"`
	Actions         []Action         `json:"actions"`
}
