package executor

import (
	"fmt"
	"strings"
)

// forbiddenPatterns are hedging phrases that fail the quality gate. The gate
// retries at a higher temperature rather than shipping evasive output.
var forbiddenPatterns = []string{
	"as an ai",
	"i cannot provide",
	"i'm unable to",
	"it is difficult to say",
	"without more information",
	"i don't have enough context",
}

// minOutputLen guards against degenerate one-liner responses from roles that
// should produce substantive analysis.
const minOutputLen = 40

// validateOutput applies the quality gate for validated roles. It returns a
// reason string describing the first violation, empty when the output passes.
func validateOutput(parsed parsedResponse) string {
	text := strings.ToLower(parsed.Text)
	if strings.TrimSpace(text) == "" {
		return "empty output"
	}
	for _, pattern := range forbiddenPatterns {
		if strings.Contains(text, pattern) {
			return fmt.Sprintf("forbidden hedging pattern %q", pattern)
		}
	}
	if parsed.Artifacts != nil {
		if parsed.Artifacts.Specification == "" {
			return "missing required field: specification"
		}
		if parsed.Artifacts.ImplementationPlan == "" {
			return "missing required field: implementation_plan"
		}
		return ""
	}
	if len(parsed.Text) < minOutputLen {
		return fmt.Sprintf("output too short (%d chars)", len(parsed.Text))
	}
	return ""
}
