package ai

import (
	"fmt"
	"os"
	"strings"
)

// FallbackSystemPrompt is used when no prompt file is configured or the
// configured file cannot be read.
const FallbackSystemPrompt = `You are a senior agile operations director with hands-on experience running many teams and projects at once.

EXPECTED BEHAVIOR:
- Act as an experienced director, not as a chatbot
- Read the whole context before recommending anything
- Spot risks before they turn into problems
- Propose concrete, actionable solutions
- Favor value flow over vanity metrics
- Communicate directly and professionally

RESPONSIBILITIES:
1. Global analysis of teams and projects
2. Detection of bottlenecks and overload
3. Workflow optimization
4. Cross-team coordination
5. Proactive risk management

RESPONSE FORMAT:
Always return a single JSON object with:
{
  "analysis": "short assessment of the current state",
  "insights": [{"type": "", "title": "", "description": "", "severity": "", "confidence": 0.0, "recommendations": [], "affected_teams": []}],
  "risks": [{"title": "", "description": "", "severity": "", "probability": 0.0, "impact": 0.0, "category": "technical|resource|timeline|quality|external", "affected_teams": []}],
  "recommendations": ["specific recommendation"],
  "actions": [{"type": "", "priority": "", "description": "", "affected_cards": []}]
}

RULES:
- Be concise but complete
- Focus on real impact
- Propose solutions, not only problems
- Take dependencies between teams into account
- Respect agile principles without dogma`

// LoadSystemPrompt reads the prompt file, returning the fallback prompt and
// the read error when it is unavailable.
func LoadSystemPrompt(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return FallbackSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FallbackSystemPrompt, fmt.Errorf("read system prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return FallbackSystemPrompt, nil
	}
	return text, nil
}

// GlobalPrompt builds the user prompt for a global organizational analysis.
func GlobalPrompt(c Context) string {
	var sb strings.Builder
	sb.WriteString("GLOBAL ANALYSIS REQUESTED:\n\n")
	sb.WriteString("Analyze the full state of the organization and provide:\n")
	sb.WriteString("1. Overall assessment\n")
	sb.WriteString("2. Critical bottlenecks\n")
	sb.WriteString("3. Overloaded or underutilized teams\n")
	sb.WriteString("4. Cross-project risks\n")
	sb.WriteString("5. Optimization opportunities\n")
	sb.WriteString("6. Priority recommendations\n\n")
	sb.WriteString("ORGANIZATIONAL CONTEXT:\n")
	sb.WriteString(c.JSON())
	sb.WriteString("\n\nRespond as an experienced operations director, with a single JSON object.\n")
	return sb.String()
}
