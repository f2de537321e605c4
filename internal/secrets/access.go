// Package secrets evaluates per-secret access policies and records every
// decision (grant or denial) to the audit log.
package secrets

import (
	"time"

	"github.com/gpufabric/fabricd/internal/audit"
	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// SecretID identifies a secret; reuses the fabric-wide resource id rule.
type SecretID = ids.ResourceID

// AccessorKind discriminates Accessor's variants.
type AccessorKind int

const (
	AccessorWorkload AccessorKind = iota
	AccessorNode
	AccessorAdmin
	AccessorSystem
)

// Accessor is whoever is attempting to access a secret.
type Accessor struct {
	Kind       AccessorKind
	WorkloadID ids.WorkloadID
	NodeID     ids.NodeID
	AdminName  string
}

func WorkloadAccessor(id ids.WorkloadID) Accessor {
	return Accessor{Kind: AccessorWorkload, WorkloadID: id}
}
func NodeAccessor(id ids.NodeID) Accessor { return Accessor{Kind: AccessorNode, NodeID: id} }
func AdminAccessor(name string) Accessor  { return Accessor{Kind: AccessorAdmin, AdminName: name} }
func SystemAccessor() Accessor            { return Accessor{Kind: AccessorSystem} }

func (a Accessor) String() string {
	switch a.Kind {
	case AccessorWorkload:
		return "workload:" + string(a.WorkloadID)
	case AccessorNode:
		return "node:" + string(a.NodeID)
	case AccessorAdmin:
		return "admin:" + a.AdminName
	case AccessorSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Policy governs which accessors may reach a secret, and for how long.
// MaxUses of zero means unlimited.
type Policy struct {
	AllowedWorkloads []ids.WorkloadID
	AllowedNodes     []ids.NodeID
	ExpiresAt        *time.Time
	MaxUses          uint64

	uses uint64
}

// IsExpired reports whether the policy's expiry has passed relative to now.
func (p Policy) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// exhaustedUses reports whether the policy's use budget (if any) is spent.
func (p *Policy) exhaustedUses() bool {
	return p.MaxUses > 0 && p.uses >= p.MaxUses
}

func (p Policy) allowsWorkload(id ids.WorkloadID) bool {
	for _, w := range p.AllowedWorkloads {
		if w == id {
			return true
		}
	}
	return false
}

func (p Policy) allowsNode(id ids.NodeID) bool {
	for _, n := range p.AllowedNodes {
		if n == id {
			return true
		}
	}
	return false
}

// AuditSink is the external audit log this controller records every
// decision to.
type AuditSink interface {
	Record(audit.Event) error
}

// Controller evaluates Policy against an Accessor and audits every
// decision through the injected AuditSink.
type Controller struct {
	audit AuditSink
}

// NewController builds a Controller that records every decision to sink.
func NewController(sink AuditSink) *Controller {
	return &Controller{audit: sink}
}

// Check evaluates whether accessor may reach secretID under policy, for
// reason. Every call, grant or denial, is recorded to the audit log.
//
// Order: expiry first, then the exhausted-use budget, then Admin/System
// short-circuit, then accessor-kind membership.
func (c *Controller) Check(secretID SecretID, policy *Policy, accessor Accessor, reason string) error {
	now := time.Now()

	if policy.IsExpired(now) {
		c.recordDenied(secretID, accessor, reason, "policy expired")
		return &xerrors.AccessDeniedError{Reason: "access policy has expired"}
	}
	if policy.exhaustedUses() {
		c.recordDenied(secretID, accessor, reason, "use budget exhausted")
		return &xerrors.AccessDeniedError{Reason: "access policy use budget is exhausted"}
	}

	allowed := false
	switch accessor.Kind {
	case AccessorWorkload:
		allowed = policy.allowsWorkload(accessor.WorkloadID)
	case AccessorNode:
		allowed = policy.allowsNode(accessor.NodeID)
	case AccessorAdmin, AccessorSystem:
		allowed = true
	}

	if !allowed {
		c.recordDenied(secretID, accessor, reason, "accessor not in policy")
		return &xerrors.AccessDeniedError{Reason: "accessor " + accessor.String() + " is not allowed by policy"}
	}

	policy.uses++
	_ = c.audit.Record(audit.AuthenticationSuccess(accessor.String()).
		WithMetadata("secret_id", string(secretID)).
		WithMetadata("reason", reason))
	return nil
}

func (c *Controller) recordDenied(secretID SecretID, accessor Accessor, reason, denialReason string) {
	fullReason := reason + " (denied: " + denialReason + ")"
	_ = c.audit.Record(audit.AuthorizationDenied(audit.AuthorizationContext{
		Resource: string(secretID),
		Action:   "access",
		Reason:   fullReason,
	}).WithMetadata("accessor", accessor.String()))
}
