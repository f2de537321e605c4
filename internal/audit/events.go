// Package audit defines the tagged-union security audit event model and a
// BoltDB-backed append-only log that records and queries it. Events are
// constructed through their kind-specific constructors.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks an audit event's urgency, ordered Info < Low < Medium <
// High < Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EventKind discriminates Event's variants.
type EventKind int

const (
	KindAuthentication EventKind = iota
	KindAuthorizationFailure
	KindEscrowStateChange
	KindRateLimit
	KindSignatureVerification
	KindUnusualPatternDetected
)

func (k EventKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorizationFailure:
		return "authorization_failure"
	case KindEscrowStateChange:
		return "escrow_state_change"
	case KindRateLimit:
		return "rate_limit"
	case KindSignatureVerification:
		return "signature_verification"
	case KindUnusualPatternDetected:
		return "unusual_pattern"
	default:
		return "unknown"
	}
}

// AuthAttempt details an authentication attempt.
type AuthAttempt struct {
	Success  bool
	Reason   string
	Source   string
	Method   string
	Identity string
}

// AuthorizationContext details a denied authorization check.
type AuthorizationContext struct {
	Resource            string
	Action              string
	Reason              string
	RequiredPermissions []string
	ActualPermissions   []string
}

// EscrowChange details an escrow contract's state transition.
type EscrowChange struct {
	EscrowID      string
	PreviousState string
	NewState      string
	Amount        string
	Parties       []string
}

// RateLimitViolation details a rate-limit breach.
type RateLimitViolation struct {
	LimitName     string
	CurrentCount  uint64
	MaxAllowed    uint64
	WindowSeconds uint64
	Source        string
}

// SignatureFailure details a signature verification failure.
type SignatureFailure struct {
	SignatureType string
	Reason        string
	PublicKey     string
	MessageHash   string
}

// UnusualPattern details an anomaly detection hit.
type UnusualPattern struct {
	PatternType   string
	Description   string
	Confidence    uint8
	RelatedEvents []uuid.UUID
}

// Event is a single security audit record: a common prefix plus exactly
// one populated detail payload, selected by Kind.
type Event struct {
	EventID   uuid.UUID
	Timestamp time.Time
	Severity  Severity
	ActorID   *uuid.UUID
	NodeID    *uuid.UUID
	Metadata  map[string]string

	Kind EventKind

	Auth       AuthAttempt
	AuthzCtx   AuthorizationContext
	Escrow     EscrowChange
	RateLimit  RateLimitViolation
	SigFailure SignatureFailure
	Pattern    UnusualPattern
}

func newEvent(kind EventKind, severity Severity) Event {
	return Event{
		EventID:   uuid.New(),
		Timestamp: time.Now(),
		Severity:  severity,
		Kind:      kind,
		Metadata:  make(map[string]string),
	}
}

// AuthenticationSuccess records a successful authentication attempt.
func AuthenticationSuccess(source string) Event {
	e := newEvent(KindAuthentication, SeverityInfo)
	e.Auth = AuthAttempt{Success: true, Source: source}
	return e
}

// AuthenticationFailure records a failed authentication attempt.
func AuthenticationFailure(reason, source string) Event {
	e := newEvent(KindAuthentication, SeverityMedium)
	e.Auth = AuthAttempt{Success: false, Reason: reason, Source: source}
	return e
}

// AuthorizationDenied records a denied authorization check.
func AuthorizationDenied(ctx AuthorizationContext) Event {
	e := newEvent(KindAuthorizationFailure, SeverityMedium)
	e.AuthzCtx = ctx
	return e
}

// EscrowChanged records an escrow contract state transition.
func EscrowChanged(change EscrowChange) Event {
	e := newEvent(KindEscrowStateChange, SeverityInfo)
	e.Escrow = change
	return e
}

// RateLimitExceeded records a rate-limit violation.
func RateLimitExceeded(limitName string, current, max, windowSecs uint64, source string) Event {
	e := newEvent(KindRateLimit, SeverityLow)
	e.RateLimit = RateLimitViolation{
		LimitName: limitName, CurrentCount: current, MaxAllowed: max,
		WindowSeconds: windowSecs, Source: source,
	}
	return e
}

// SignatureVerificationFailed records a signature verification failure.
func SignatureVerificationFailed(sigType, reason string) Event {
	e := newEvent(KindSignatureVerification, SeverityCritical)
	e.SigFailure = SignatureFailure{SignatureType: sigType, Reason: reason}
	return e
}

// UnusualPatternDetected records an anomaly-detection hit.
func UnusualPatternDetected(pattern UnusualPattern) Event {
	e := newEvent(KindUnusualPatternDetected, SeverityHigh)
	e.Pattern = pattern
	return e
}

// WithActor attaches the actor id responsible for (or subject of) the
// event.
func (e Event) WithActor(actorID uuid.UUID) Event { e.ActorID = &actorID; return e }

// WithNode attaches the node id the event occurred on.
func (e Event) WithNode(nodeID uuid.UUID) Event { e.NodeID = &nodeID; return e }

// WithMetadata attaches a metadata key/value pair.
func (e Event) WithMetadata(key, value string) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
