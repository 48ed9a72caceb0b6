package responseprocessor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// standardTransforms builds spec §4.6's four ordered transforms plus the
// teacher's output-shaping supplemented feature (SPEC_FULL §12), which
// slots in right after the safety filter since it rewrites content before
// any cosmetic normalization runs.
func standardTransforms() []transform {
	return []transform{
		safetyFilterTransform(),
		outputShapingTransform(),
		contentFormattingTransform(),
		markdownEnhancementTransform(),
		perfMetricsTransform(),
	}
}

// credentialPatterns catches the shapes of secret most likely to leak into
// a generated response: vendor API keys, bearer tokens, and bare
// "key=value"/"key: value" assignments whose key looks credential-shaped.
// Mirrors the teacher's compiled-regexp idiom in router/format.go, applied
// to free-form content instead of a fixed tag.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]{20,}=*`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|token)\s*[:=]\s*['"]?[A-Za-z0-9\-._~+/]{8,}['"]?`),
}

func safetyFilterTransform() transform {
	return transform{
		name:     "safety-filter",
		priority: 20,
		apply: func(content string, req reqtype.PreprocessedRequest, _ transformContext) (string, reqtype.Transformation) {
			redactions := 0
			for _, re := range credentialPatterns {
				content = re.ReplaceAllStringFunc(content, func(string) string {
					redactions++
					return "[REDACTED]"
				})
			}
			if redactions == 0 {
				return content, reqtype.Transformation{}
			}
			return content, reqtype.Transformation{Name: "safety-filter", Detail: fmt.Sprintf("redacted %d credential-shaped string(s)", redactions)}
		},
	}
}

// thinkBlockRe strips a reasoning model's inline scratchpad, the same
// shape the teacher's router/format.go strips before a response reaches a
// caller.
var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// outputShapingTransform folds the teacher's ShapeOutput (think-stripping
// and format coercion driven by Request.Preferences.ResponseFormat) into
// the pipeline as a single named transform (SPEC_FULL §12).
func outputShapingTransform() transform {
	return transform{
		name:     "output-shaping",
		priority: 15,
		predicate: func(req reqtype.PreprocessedRequest) bool {
			return strings.Contains(req.Request.Content, "<think>") || req.Request.Preferences.ResponseFormat != ""
		},
		apply: func(content string, req reqtype.PreprocessedRequest, _ transformContext) (string, reqtype.Transformation) {
			before := content
			if strings.Contains(content, "<think>") {
				content = strings.TrimSpace(thinkBlockRe.ReplaceAllString(content, ""))
			}
			switch req.Request.Preferences.ResponseFormat {
			case "json":
				content = extractJSON(content)
			case "text":
				content = stripMarkdown(content)
			}
			if content == before {
				return content, reqtype.Transformation{}
			}
			return content, reqtype.Transformation{Name: "output-shaping", Detail: "format=" + req.Request.Preferences.ResponseFormat}
		},
	}
}

func extractJSON(content string) string {
	if idx := strings.Index(content, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(content[start:], "```"); end >= 0 {
			return strings.TrimSpace(content[start : start+end])
		}
	}
	content = strings.TrimSpace(content)
	return content
}

func stripMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimLeft(line, "#")
		line = strings.TrimSpace(line)
		line = strings.ReplaceAll(line, "**", "")
		line = strings.ReplaceAll(line, "*", "")
		line = strings.ReplaceAll(line, "`", "")
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

func contentFormattingTransform() transform {
	return transform{
		name:     "content-formatting",
		priority: 10,
		apply: func(content string, req reqtype.PreprocessedRequest, _ transformContext) (string, reqtype.Transformation) {
			before := content
			content = strings.ReplaceAll(content, "\r\n", "\n")
			content = blankLinesRe.ReplaceAllString(content, "\n\n")
			content = strings.TrimSpace(content)
			if content == before {
				return content, reqtype.Transformation{}
			}
			return content, reqtype.Transformation{Name: "content-formatting", Detail: "normalized whitespace"}
		},
	}
}

var fencedCodeRe = regexp.MustCompile("(?m)^```[ \\t]*\\n")

// markdownEnhancementTransform normalizes bare fenced code blocks (no
// language hint) to a generic "text" hint, for request types where a
// human is expected to read the rendered markdown: code generation,
// analytical writeups, and specialized tasks (spec §4.6's "documentation,
// explanation" categories map onto TypeAnalysis/TypeSpecialized since
// reqtype.Type has no literal "documentation" or "explanation" value).
func markdownEnhancementTransform() transform {
	return transform{
		name:     "markdown-enhancement",
		priority: 5,
		predicate: func(req reqtype.PreprocessedRequest) bool {
			switch req.Request.Type {
			case reqtype.TypeCode, reqtype.TypeAnalysis, reqtype.TypeSpecialized:
				return true
			}
			return false
		},
		apply: func(content string, req reqtype.PreprocessedRequest, _ transformContext) (string, reqtype.Transformation) {
			if !fencedCodeRe.MatchString(content) {
				return content, reqtype.Transformation{}
			}
			content = fencedCodeRe.ReplaceAllString(content, "```text\n")
			return content, reqtype.Transformation{Name: "markdown-enhancement", Detail: "labeled bare fenced code blocks"}
		},
	}
}

func perfMetricsTransform() transform {
	return transform{
		name:     "perf-metrics",
		priority: 1,
		apply: func(content string, req reqtype.PreprocessedRequest, tctx transformContext) (string, reqtype.Transformation) {
			chars := len(content)
			words := len(strings.Fields(content))
			lines := strings.Count(content, "\n") + 1
			latencyMs := tctx.now.Sub(tctx.startedAt).Milliseconds()
			detail := fmt.Sprintf("chars=%d words=%d lines=%d latencyMs=%d", chars, words, lines, latencyMs)
			return content, reqtype.Transformation{Name: "perf-metrics", Detail: detail}
		},
	}
}
