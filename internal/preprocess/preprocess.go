// Package preprocess implements the Preprocessor (spec C1): schema
// validation, content normalization, parameter sanitization, a safety
// blocklist pass, risk scoring, priority resolution, token/cost
// estimation, and fingerprinting — the single stage every submitted
// Request passes through before a RoutingDecision is ever attempted.
package preprocess

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// blockedPatterns is the default safety blocklist consulted during the
// safety pass: credential-shaped substrings a request should never carry
// as plain content. A real deployment would back this with a managed
// policy service, but the core only needs a pluggable predicate.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)token\s*[:=]\s*\S+`),
}

// scriptTagRE strips inline <script>...</script> blocks from sanitized
// string parameters (spec §4.1 step 3).
var scriptTagRE = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)

// sanitizeKeyRE replaces every character outside [a-z0-9_] with "_" once a
// parameter key has been lowercased.
var sanitizeKeyRE = regexp.MustCompile(`[^a-z0-9_]`)

// spamRepeatThreshold is the fraction of a content's words a single token
// may repeat before the safety pass treats it as spam (spec §4.1 step 4).
const spamRepeatThreshold = 0.3

// maxSanitizedArrayLen clamps array-valued parameters (spec §4.1 step 3).
const maxSanitizedArrayLen = 100

// Config tunes the Preprocessor independent of the pipeline-wide Config,
// so callers can unit test it without pulling in the full config package.
type Config struct {
	MaxContentLen   int
	TenantTierBonus map[string]int // e.g. "enterprise" -> +2

	// MaxParameterCount and MaxParameterLen bound schema validation (spec
	// §4.1 step 1): at most this many parameters, each serializing to at
	// most this many characters.
	MaxParameterCount int
	MaxParameterLen   int

	// DefaultCostPerInputToken/DefaultCostPerOutputToken are the provider
	// prices the Preprocessor estimates against before a RoutingDecision
	// has picked an actual Agent (spec §4.1 step 7).
	DefaultCostPerInputToken  float64
	DefaultCostPerOutputToken float64
}

const (
	defaultMaxParameterCount  = 20
	defaultMaxParameterLen    = 10000
	defaultCostPerInputToken  = 0.000003
	defaultCostPerOutputToken = 0.000015
)

// Preprocessor validates and normalizes a Request into a PreprocessedRequest.
type Preprocessor struct {
	cfg   Config
	clock clock.Clock
	bus   *events.Bus
}

// New builds a Preprocessor.
func New(cfg Config, clk clock.Clock, bus *events.Bus) *Preprocessor {
	if clk == nil {
		clk = clock.Real
	}
	if cfg.MaxContentLen <= 0 {
		cfg.MaxContentLen = 32768
	}
	if cfg.MaxParameterCount <= 0 {
		cfg.MaxParameterCount = defaultMaxParameterCount
	}
	if cfg.MaxParameterLen <= 0 {
		cfg.MaxParameterLen = defaultMaxParameterLen
	}
	if cfg.DefaultCostPerInputToken <= 0 {
		cfg.DefaultCostPerInputToken = defaultCostPerInputToken
	}
	if cfg.DefaultCostPerOutputToken <= 0 {
		cfg.DefaultCostPerOutputToken = defaultCostPerOutputToken
	}
	return &Preprocessor{cfg: cfg, clock: clk, bus: bus}
}

const truncationMarker = "… [truncated]"

// Process runs a Request through every normalization/validation step in
// order and returns the resulting PreprocessedRequest. A validation
// failure is returned as a *reqtype.CoreError of kind ErrValidation rather
// than a bare error, so callers can route it straight to the caller-facing
// taxonomy (spec §7).
func (p *Preprocessor) Process(ctx context.Context, req reqtype.Request) (reqtype.PreprocessedRequest, error) {
	var transforms []reqtype.Transformation

	if err := p.validateSchema(req); err != nil {
		p.publish(req, false)
		return reqtype.PreprocessedRequest{}, reqtype.NewError(reqtype.ErrValidation, req.ID, err.Error(), nil)
	}

	normalized, normTransforms := p.normalizeContent(req.Content)
	req.Content = normalized
	transforms = append(transforms, normTransforms...)

	if dir := parseDirectives(req.Content); dir != nil {
		req.Content = stripDirectives(req.Content)
		transforms = append(transforms, reqtype.Transformation{Name: "directive-override", Detail: directivePrefix})
		applyDirective(&req, dir)
	}

	sanitizeParameters(req.Parameters)

	if blocked, reason := p.safetyBlocked(req.Content); blocked {
		p.publish(req, false)
		return reqtype.PreprocessedRequest{}, reqtype.NewError(reqtype.ErrPolicyRejection, req.ID, fmt.Sprintf("content failed the safety pass: %s", reason), nil)
	}

	risk := p.riskScore(req)
	tokens := estimateTokens(req)
	cost := p.estimateCost(tokens)
	priority := p.resolvePriority(req)
	fingerprint := fingerprint(req)
	req.Fingerprint = fingerprint

	pre := reqtype.PreprocessedRequest{
		Request:                req,
		RiskScore:              risk,
		EstimatedTokens:        tokens,
		EstimatedCost:          cost,
		TransformationsApplied: transforms,
		ValidationPassed:       true,
		ResolvedPriority:       priority,
	}
	p.publish(req, true)
	return pre, nil
}

func (p *Preprocessor) publish(req reqtype.Request, passed bool) {
	if p.bus == nil {
		return
	}
	typ := events.RequestPreprocessed
	if !passed {
		typ = events.RequestRejected
	}
	p.bus.Publish(events.Event{Type: typ, RequestID: req.ID, TenantID: req.TenantID})
}

func (p *Preprocessor) validateSchema(req reqtype.Request) error {
	if req.ID == "" {
		return fmt.Errorf("request id is required")
	}
	if req.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return fmt.Errorf("request must carry content or at least one attachment")
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", req.Priority)
	}
	for _, a := range req.Attachments {
		if a.MimeType == "" {
			return fmt.Errorf("attachment %q missing mime type", a.Kind)
		}
	}
	if len(req.Parameters) > p.cfg.MaxParameterCount {
		return fmt.Errorf("parameter count %d exceeds maximum %d", len(req.Parameters), p.cfg.MaxParameterCount)
	}
	for k, v := range req.Parameters {
		if n := len(fmt.Sprintf("%v", v)); n > p.cfg.MaxParameterLen {
			return fmt.Errorf("parameter %q serializes to %d chars, exceeds maximum %d", k, n, p.cfg.MaxParameterLen)
		}
	}
	if !req.Deadline.IsZero() && !req.Deadline.After(p.clock.Now()) {
		return fmt.Errorf("deadline %s is not in the future", req.Deadline)
	}
	return nil
}

// normalizeContent strips control characters, collapses Unicode whitespace
// runs, and truncates content that exceeds the configured maximum, leaving
// room for the truncation marker.
func (p *Preprocessor) normalizeContent(content string) (string, []reqtype.Transformation) {
	var b strings.Builder
	b.Grow(len(content))
	lastWasSpace := false
	changed := false
	for _, r := range content {
		if r == '\t' || r == '\n' {
			r = ' '
		}
		if unicode.IsControl(r) {
			changed = true
			continue
		}
		if unicode.IsSpace(r) {
			if lastWasSpace {
				changed = true
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out != content {
		changed = true
	}

	var transforms []reqtype.Transformation
	if changed {
		transforms = append(transforms, reqtype.Transformation{Name: "normalize-content", Detail: "control/whitespace normalization"})
	}

	if p.cfg.MaxContentLen > 0 && len(out) > p.cfg.MaxContentLen {
		originalLen := len(out)
		limit := p.cfg.MaxContentLen - len(truncationMarker)
		if limit < 0 {
			limit = 0
		}
		out = out[:limit] + truncationMarker
		transforms = append(transforms, reqtype.Transformation{
			Name:   "truncation",
			Detail: fmt.Sprintf("originalLength=%d", originalLen),
		})
	}

	return out, transforms
}

// sanitizeParameters drops any parameter key that is empty or whose value
// is an unsupported type, in place.
func sanitizeParameters(params map[string]any) {
	if len(params) == 0 {
		return
	}
	type entry struct {
		key string
		val any
	}
	cleaned := make([]entry, 0, len(params))
	for k, v := range params {
		if strings.TrimSpace(k) == "" {
			continue
		}
		sv, ok := sanitizeValue(v)
		if !ok {
			continue
		}
		key := sanitizeKeyRE.ReplaceAllString(strings.ToLower(k), "_")
		cleaned = append(cleaned, entry{key, sv})
	}
	for k := range params {
		delete(params, k)
	}
	for _, e := range cleaned {
		params[e.key] = e.val
	}
}

// sanitizeValue applies spec §4.1 step 3's value-level rules: strip
// <script>...</script> blocks from strings, coerce NaN floats to 0, clamp
// arrays to 100 elements (recursively sanitizing their members), and drop
// any value of an unsupported type.
func sanitizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		return scriptTagRE.ReplaceAllString(val, ""), true
	case float64:
		if math.IsNaN(val) {
			return 0.0, true
		}
		return val, true
	case int, bool, nil:
		return val, true
	case []any:
		if len(val) > maxSanitizedArrayLen {
			val = val[:maxSanitizedArrayLen]
		}
		out := make([]any, 0, len(val))
		for _, elem := range val {
			if sv, ok := sanitizeValue(elem); ok {
				out = append(out, sv)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// safetyBlocked rejects content matching a credential-shaped pattern or
// exhibiting single-token spam repetition (spec §4.1 step 4).
func (p *Preprocessor) safetyBlocked(content string) (bool, string) {
	for _, re := range blockedPatterns {
		if m := re.FindString(content); m != "" {
			return true, fmt.Sprintf("matched credential-shaped pattern %q", re.String())
		}
	}
	if reason, ok := spamDetected(content); ok {
		return true, reason
	}
	return false, ""
}

// spamDetected flags content where a single token accounts for more than
// spamRepeatThreshold of all words.
func spamDetected(content string) (string, bool) {
	words := strings.Fields(content)
	if len(words) == 0 {
		return "", false
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[strings.ToLower(w)]++
	}
	for w, c := range counts {
		if float64(c)/float64(len(words)) > spamRepeatThreshold {
			return fmt.Sprintf("token %q repeats in more than %.0f%% of words", w, spamRepeatThreshold*100), true
		}
	}
	return "", false
}

// riskScore produces a [0,10] additive score (spec §4.1 step 5): content
// length and parameter-count tiers, high-risk request types, and anonymous
// (userless) requests each contribute, clamped to the scale's ceiling.
func (p *Preprocessor) riskScore(req reqtype.Request) float64 {
	score := 0
	switch {
	case len(req.Content) > 50000:
		score += 2
	case len(req.Content) > 10000:
		score += 1
	}
	if len(req.Parameters) > defaultMaxParameterCount {
		score += 2
	}
	if req.Type.IsHighRisk() {
		score += 3
	}
	if req.UserID == "" {
		score += 1
	}
	if score > 10 {
		score = 10
	}
	return float64(score)
}

// resolvePriority maps Priority plus a tenant-tier bonus onto the [1,10]
// numeric scale the Router and Batcher both consume (spec §4.1 step 6).
func (p *Preprocessor) resolvePriority(req reqtype.Request) int {
	base := map[reqtype.Priority]int{
		reqtype.PriorityLow:    2,
		reqtype.PriorityMedium: 5,
		reqtype.PriorityHigh:   8,
		reqtype.PriorityUrgent: 10,
	}[req.Priority]
	if base == 0 {
		base = 5
	}
	base += p.cfg.TenantTierBonus[req.TenantID]
	if req.Type.WantsSpecializedAgent() {
		base++
	}
	if base > 10 {
		base = 10
	}
	if base < 1 {
		base = 1
	}
	return base
}

const (
	minEstimatedOutputTokens = 100
	maxEstimatedOutputTokens = 4000
	outputToInputRatio       = 0.3
)

// estimateTokens applies the spec §4.1 step 7 formula: input tokens are a
// ceiling chars/4 estimate (attachments counted as a flat 256-token
// placeholder, since their real cost is backend-specific), and output
// tokens are 30% of input, clamped to [100, 4000].
func estimateTokens(req reqtype.Request) reqtype.TokenEstimate {
	input := (len(req.Content) + 3) / 4
	input += 256 * len(req.Attachments)

	output := int(math.Round(outputToInputRatio * float64(input)))
	if output < minEstimatedOutputTokens {
		output = minEstimatedOutputTokens
	}
	if output > maxEstimatedOutputTokens {
		output = maxEstimatedOutputTokens
	}
	return reqtype.TokenEstimate{Input: input, Output: output}
}

// estimateCost applies the spec §4.1 step 7 formula using the
// Preprocessor's configured default provider prices; the Router refines
// this once a specific Agent's per-token cost is known.
func (p *Preprocessor) estimateCost(tokens reqtype.TokenEstimate) float64 {
	return float64(tokens.Input)*p.cfg.DefaultCostPerInputToken + float64(tokens.Output)*p.cfg.DefaultCostPerOutputToken
}

// fingerprint derives a stable cache key from the normalized request
// shape: tenant, type, content, and sorted parameter keys/values. blake2b
// is used instead of a generic hash because it is already the pipeline's
// one cryptographic dependency (promoted from the credential-hashing use
// the rest of the stack no longer needs).
func fingerprint(req reqtype.Request) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(req.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(req.Type))
	h.Write([]byte{0})
	h.Write([]byte(req.Content))

	keys := make([]string, 0, len(req.Parameters))
	for k := range req.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(fmt.Sprintf("%v", req.Parameters[k])))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// applyDirective folds an in-band @@routingcore override onto req.
func applyDirective(req *reqtype.Request, d *directiveOverride) {
	if d.priority != "" {
		if p := reqtype.Priority(d.priority); p.Valid() {
			req.Priority = p
		}
	}
	if d.maxCostSet {
		req.Preferences.MaxCost = d.maxCost
	}
}
