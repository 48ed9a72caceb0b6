// Package reqtype defines the wire-independent data model shared by every
// pipeline stage: Request, the derived PreprocessedRequest, RoutingDecision,
// BatchJob, ExecutionAttempt, and ProcessedResponse. Nothing here talks to a
// provider or a transport; it is the vocabulary the rest of the core shares.
package reqtype

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kind of request being routed.
type Type string

const (
	TypeText        Type = "text"
	TypeChat        Type = "chat"
	TypeCode        Type = "code"
	TypeAnalysis    Type = "analysis"
	TypeMultimodal  Type = "multimodal"
	TypeEmbedding   Type = "embedding"
	TypeSpecialized Type = "specializedTask"
)

// highRiskTypes carries an elevated risk score in the Preprocessor (§4.1 step 5).
var highRiskTypes = map[Type]bool{
	"code_execution":  true,
	"file_access":     true,
	"network_request": true,
}

// IsHighRisk reports whether t is one of the Preprocessor's high-risk types.
func (t Type) IsHighRisk() bool { return highRiskTypes[t] }

// agentSpecializationTypes is consulted by the Router's agentSpecialization strategy.
var agentSpecializationTypes = map[Type]bool{
	TypeCode:        true,
	TypeAnalysis:    true,
	TypeSpecialized: true,
}

// WantsSpecializedAgent reports whether t should prefer a specialized agent.
func (t Type) WantsSpecializedAgent() bool { return agentSpecializationTypes[t] }

// Priority is the caller-declared urgency of a Request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the four enumerated priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Attachment carries a typed, non-textual payload for multimodal requests.
type Attachment struct {
	Kind      string `json:"kind"` // image, audio, file, ...
	MimeType  string `json:"mime_type"`
	URI       string `json:"uri,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Preferences carries optional caller hints that do not change eligibility
// on their own but bias Router strategy selection.
type Preferences struct {
	PreferredProvider string  `json:"preferred_provider,omitempty"`
	MaxCost           float64 `json:"max_cost,omitempty"`
	ResponseFormat    string  `json:"response_format,omitempty"`
}

// Request is created at submission and becomes immutable once normalized by
// the Preprocessor. The zero value is not meaningful; use NewRequest.
type Request struct {
	ID        string
	TenantID  string
	UserID    string // optional
	SessionID string // optional

	Type                 Type
	Content              string
	Attachments          []Attachment
	Parameters           map[string]any
	Priority              Priority
	Deadline              time.Time
	RequiredCapabilities  map[string]bool
	Preferences           Preferences

	// Fingerprint is populated by the Preprocessor; empty on a freshly
	// submitted Request.
	Fingerprint string

	SubmittedAt time.Time
}

// NewRequest builds a Request with a generated ID and SubmittedAt stamped at
// call time, since the pipeline forbids an ambient wall clock in hot paths
// (see the clock package) but submission itself is the one legitimate place
// time enters the system.
func NewRequest(tenantID string, typ Type, content string) Request {
	return Request{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Type:       typ,
		Content:    content,
		Parameters: make(map[string]any),
		Priority:   PriorityMedium,
		SubmittedAt: time.Now().UTC(),
	}
}

// TokenEstimate holds the Preprocessor's input/output token projection.
type TokenEstimate struct {
	Input  int
	Output int
}

// Transformation records one normalization/sanitization step applied to a
// Request, in order, for audit and idempotency checks (spec invariant 6).
type Transformation struct {
	Name   string
	Detail string
}

// PreprocessedRequest wraps a Request with the Preprocessor's derived metadata.
type PreprocessedRequest struct {
	Request Request

	RiskScore              float64
	EstimatedTokens        TokenEstimate
	EstimatedCost          float64
	TransformationsApplied []Transformation
	ValidationPassed       bool

	// ResolvedPriority is the [1,10] numeric priority after tenant-tier and
	// type bonuses (§4.1 step 6); Request.Priority remains the caller's enum.
	ResolvedPriority int
}
