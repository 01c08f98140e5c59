package executor

import (
	"encoding/json"
	"strings"

	"hivemind/internal/graph"
)

// parsedResponse is the tolerant extraction of a provider response. Parse
// failures degrade to a raw-text result rather than erroring; the pipeline
// must keep progressing on formatting noise.
type parsedResponse struct {
	Text      string
	Score     float64 // 0 when the response carried no score
	HasScore  bool
	Artifacts *graph.Artifacts
}

// responseEnvelope covers all role response shapes; roles fill different
// subsets.
type responseEnvelope struct {
	Analysis           string   `json:"analysis"`
	Confidence         *float64 `json:"confidence"`
	Score              *float64 `json:"score"`
	Reasoning          string   `json:"reasoning"`
	Specification      string   `json:"specification"`
	ImplementationPlan string   `json:"implementation_plan"`
	Justification      string   `json:"justification"`
}

// parseResponse extracts a structured result: fenced JSON block first, then a
// balanced brace span, then raw parse. On total failure the raw text is the
// result and all structured fields stay at defaults.
func parseResponse(raw string) parsedResponse {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return parsedResponse{Text: strings.TrimSpace(raw)}
	}

	var env responseEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &env); err != nil {
		return parsedResponse{Text: strings.TrimSpace(raw)}
	}

	out := parsedResponse{}
	switch {
	case env.Analysis != "":
		out.Text = env.Analysis
	case env.Reasoning != "":
		out.Text = env.Reasoning
	default:
		out.Text = strings.TrimSpace(raw)
	}
	if env.Score != nil {
		out.Score = clampScore(*env.Score)
		out.HasScore = true
	} else if env.Confidence != nil {
		out.Score = clampScore(*env.Confidence)
		out.HasScore = true
	}
	if env.Specification != "" || env.ImplementationPlan != "" || env.Justification != "" {
		out.Artifacts = &graph.Artifacts{
			Specification:      env.Specification,
			ImplementationPlan: env.ImplementationPlan,
			Justification:      env.Justification,
		}
	}
	return out
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// extractJSON finds a JSON object or array in a response: a fenced code block
// wins, then the first balanced span.
func extractJSON(response string) string {
	if fenced := extractFenced(response); fenced != "" {
		if span := balancedSpan(fenced); span != "" {
			return span
		}
	}
	return balancedSpan(response)
}

// extractFenced returns the contents of the first ``` block, tolerating a
// language tag after the opening fence.
func extractFenced(response string) string {
	start := strings.Index(response, "```")
	if start == -1 {
		return ""
	}
	rest := response[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return rest[:end]
}

// balancedSpan returns the first balanced {...} or [...] span, whichever
// opens first. String contents are respected so braces inside values do not
// break the count.
func balancedSpan(s string) string {
	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start := objStart
	open, closeCh := byte('{'), byte('}')
	if start == -1 || (arrStart != -1 && arrStart < start) {
		start = arrStart
		open, closeCh = '[', ']'
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
