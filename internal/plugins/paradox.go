package plugins

import "strings"

// ParadoxCapability is the name of the builtin self-reference detector.
const ParadoxCapability = "handle_paradox"

const (
	paradoxMessage          = "Paradox detected: Self-referential contradiction found. Halting recursive processing to prevent infinite loop."
	potentialParadoxMessage = "Potential liar paradox detected. Processing with caution to avoid recursive loops."
)

var liarParadoxes = []string{
	"lying right now",
	"this statement is false",
	"am i telling the truth when i say i'm lying",
	"the next statement is true. the previous statement is false",
	"i always lie",
	"the following sentence is true. the previous sentence is false",
}

// DetectParadox matches input against known liar-paradox phrasings, then
// against a looser "this sentence is true/false" pattern.
func DetectParadox(input string) (string, bool) {
	lower := strings.ToLower(input)
	for _, p := range liarParadoxes {
		if strings.Contains(lower, p) {
			return paradoxMessage, true
		}
	}
	if strings.Contains(lower, "sentence is") &&
		(strings.Contains(lower, "false") || strings.Contains(lower, "true")) &&
		strings.Contains(lower, "this") {
		return potentialParadoxMessage, true
	}
	return "", false
}
