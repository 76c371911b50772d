package agentloop

import "strings"

// TokenEstimator provides cheap token estimates for prompt budgeting,
// without an API round-trip. Estimates run high on purpose: overshooting a
// budget is the failure mode worth avoiding.
type TokenEstimator struct{}

// EstimateText approximates tokens for text at ~4 characters per token.
func (TokenEstimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// EstimateImage approximates tokens for an image by tiling: Gemini bills
// roughly 258 tokens per 768px tile.
func (TokenEstimator) EstimateImage(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	tilesX := (width + 767) / 768
	tilesY := (height + 767) / 768
	return tilesX * tilesY * 258
}

// trimToTokenBudget drops trailing element lines until the context fits the
// budget. The URL header line is always kept.
func trimToTokenBudget(domContext string, maxTokens int, est TokenEstimator) string {
	if maxTokens <= 0 || est.EstimateText(domContext) <= maxTokens {
		return domContext
	}
	lines := strings.Split(strings.TrimRight(domContext, "\n"), "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n") + "\n(truncated to fit token budget)\n"
		if est.EstimateText(candidate) <= maxTokens {
			return candidate
		}
	}
	return lines[0] + "\n(truncated to fit token budget)\n"
}
