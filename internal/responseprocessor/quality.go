package responseprocessor

import (
	"strings"
	"time"

	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// errorKeywords flags a response that looks like it's reporting its own
// failure rather than answering the request.
var errorKeywords = []string{"i cannot", "i'm unable", "an error occurred", "failed to", "i apologize, but i"}

// HeuristicScorer implements spec §4.6's quality-scoring formula: a base
// score adjusted by length fit, keyword overlap with the request, a
// coherent-termination bonus, an error-language penalty, and a latency
// adjustment. Left as the default behind QualityScorer so a model-based
// scorer can be substituted without touching Process, per SPEC_FULL §13's
// open-question decision.
type HeuristicScorer struct {
	// FastThreshold and SlowThreshold bound the latency adjustment: at or
	// under FastThreshold the response earns the full +0.5 bonus, at or
	// over SlowThreshold it takes the full -0.5 penalty, linear between.
	FastThreshold time.Duration
	SlowThreshold time.Duration
}

func (s HeuristicScorer) Score(content string, req reqtype.PreprocessedRequest, latency time.Duration) float64 {
	score := 5.0

	score += lengthFitBonus(content, req.Request.Content)
	score += keywordOverlapBonus(content, req.Request.Content)
	if endsWithSentencePunctuation(content) {
		score++
	}
	if containsErrorLanguage(content) {
		score -= 2
	}
	score += s.latencyAdjustment(latency)

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}

// lengthFitBonus awards up to +2 for a response-to-request length ratio
// within spec §4.6's [0.1, 3.0] sweet spot, tapering linearly from the
// ratio's distance to the nearer edge of that band and 0 outside it.
func lengthFitBonus(content, requestContent string) float64 {
	reqLen := len(requestContent)
	if reqLen == 0 {
		return 0
	}
	ratio := float64(len(content)) / float64(reqLen)
	const lo, hi = 0.1, 3.0
	if ratio < lo || ratio > hi {
		return 0
	}
	mid := (lo + hi) / 2
	span := hi - mid
	distance := ratio - mid
	if distance < 0 {
		distance = -distance
	}
	return 2 * (1 - distance/span)
}

// keywordOverlapBonus awards up to +2 for shared significant words
// between the request and the response, a cheap proxy for relevance
// absent a model-based scorer.
func keywordOverlapBonus(content, requestContent string) float64 {
	reqWords := significantWords(requestContent)
	if len(reqWords) == 0 {
		return 0
	}
	respWords := make(map[string]bool)
	for _, w := range significantWords(content) {
		respWords[w] = true
	}
	overlap := 0
	for _, w := range reqWords {
		if respWords[w] {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(reqWords))
	if ratio > 1 {
		ratio = 1
	}
	return 2 * ratio
}

// stopwords is short deliberately; this is a relevance proxy, not an NLP
// pipeline.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "is": true,
	"to": true, "of": true, "in": true, "for": true, "it": true, "on": true,
	"that": true, "this": true, "with": true, "as": true, "be": true,
}

func significantWords(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func endsWithSentencePunctuation(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	last := trimmed[len(trimmed)-1]
	return last == '.' || last == '!' || last == '?' || last == '`'
}

func containsErrorLanguage(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s HeuristicScorer) latencyAdjustment(latency time.Duration) float64 {
	fast, slow := s.FastThreshold, s.SlowThreshold
	if fast <= 0 {
		fast = 500 * time.Millisecond
	}
	if slow <= 0 {
		slow = 5 * time.Second
	}
	switch {
	case latency <= fast:
		return 0.5
	case latency >= slow:
		return -0.5
	default:
		frac := float64(latency-fast) / float64(slow-fast)
		return 0.5 - frac
	}
}
