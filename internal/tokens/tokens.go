// Package tokens provides heuristic token estimation for context budgeting.
// Counts are approximations used for summarization triggers, not billing.
package tokens

const (
	// CharsPerToken is the approximate character-to-token ratio.
	CharsPerToken = 4

	// MessageOverhead accounts for the per-message framing (role, ids,
	// separators) the provider counts on top of the content itself.
	MessageOverhead = 8
)

// Estimate returns the approximate token count of a text. Ceiling division,
// so non-empty text never rounds to zero.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessage returns the approximate token cost of one message given
// its serialized content parts.
func EstimateMessage(parts ...string) int {
	total := MessageOverhead
	for _, p := range parts {
		total += Estimate(p)
	}
	return total
}

// EstimateAll sums the estimated cost of a message set, where each message
// is already serialized to a single string.
func EstimateAll(contents []string) int {
	total := 0
	for _, c := range contents {
		total += EstimateMessage(c)
	}
	return total
}
