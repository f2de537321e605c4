package secrets

import (
	"strings"
	"testing"
	"time"

	"github.com/gpufabric/fabricd/internal/audit"
	"github.com/gpufabric/fabricd/internal/ids"
)

type memSink struct {
	events []audit.Event
}

func (s *memSink) Record(e audit.Event) error {
	s.events = append(s.events, e)
	return nil
}

func mustWorkloadID(t *testing.T, s string) ids.WorkloadID {
	t.Helper()
	id, err := ids.NewWorkloadID(s)
	if err != nil {
		t.Fatalf("NewWorkloadID(%q): %v", s, err)
	}
	return id
}

func mustNodeID(t *testing.T, s string) ids.NodeID {
	t.Helper()
	id, err := ids.NewNodeID(s)
	if err != nil {
		t.Fatalf("NewNodeID(%q): %v", s, err)
	}
	return id
}

func mustSecretID(t *testing.T, s string) SecretID {
	t.Helper()
	id, err := ids.NewResourceID(s)
	if err != nil {
		t.Fatalf("NewResourceID(%q): %v", s, err)
	}
	return id
}

func TestCheckSystemAndAdminAlwaysAllowed(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	policy := &Policy{}

	if err := c.Check(secretID, policy, SystemAccessor(), "system access"); err != nil {
		t.Fatalf("system access: %v", err)
	}
	if err := c.Check(secretID, policy, AdminAccessor("alice"), "admin access"); err != nil {
		t.Fatalf("admin access: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("want 2 audit events, got %d", len(sink.events))
	}
}

func TestCheckWorkloadAllowedAndDenied(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	allowed := mustWorkloadID(t, "my-workload")
	denied := mustWorkloadID(t, "other-workload")
	policy := &Policy{AllowedWorkloads: []ids.WorkloadID{allowed}}

	if err := c.Check(secretID, policy, WorkloadAccessor(allowed), "routine"); err != nil {
		t.Fatalf("allowed workload: %v", err)
	}
	if err := c.Check(secretID, policy, WorkloadAccessor(denied), "attempted"); err == nil {
		t.Fatal("expected denial for unlisted workload")
	}
}

func TestCheckNodeAllowedAndDenied(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	allowed := mustNodeID(t, "node-a")
	denied := mustNodeID(t, "node-b")
	policy := &Policy{AllowedNodes: []ids.NodeID{allowed}}

	if err := c.Check(secretID, policy, NodeAccessor(allowed), "node access"); err != nil {
		t.Fatalf("allowed node: %v", err)
	}
	if err := c.Check(secretID, policy, NodeAccessor(denied), "attempted"); err == nil {
		t.Fatal("expected denial for unlisted node")
	}
}

func TestCheckExpiredPolicyDenied(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	workload := mustWorkloadID(t, "my-workload")
	past := time.Now().Add(-time.Hour)
	policy := &Policy{AllowedWorkloads: []ids.WorkloadID{workload}, ExpiresAt: &past}

	err := c.Check(secretID, policy, WorkloadAccessor(workload), "access attempt")
	if err == nil {
		t.Fatal("expected denial for expired policy")
	}
}

func TestCheckFutureExpiryAllowed(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	workload := mustWorkloadID(t, "my-workload")
	future := time.Now().Add(time.Hour)
	policy := &Policy{AllowedWorkloads: []ids.WorkloadID{workload}, ExpiresAt: &future}

	if err := c.Check(secretID, policy, WorkloadAccessor(workload), "access"); err != nil {
		t.Fatalf("unexpected denial: %v", err)
	}
}

func TestCheckMaxUsesExhausted(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	workload := mustWorkloadID(t, "my-workload")
	policy := &Policy{AllowedWorkloads: []ids.WorkloadID{workload}, MaxUses: 2}
	accessor := WorkloadAccessor(workload)

	for i := 0; i < 2; i++ {
		if err := c.Check(secretID, policy, accessor, "use"); err != nil {
			t.Fatalf("use %d: unexpected denial: %v", i, err)
		}
	}
	if err := c.Check(secretID, policy, accessor, "use"); err == nil {
		t.Fatal("expected denial after use budget exhausted")
	}
}

func TestCheckDeniedReasonIncludesContext(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	policy := &Policy{}

	_ = c.Check(secretID, policy, WorkloadAccessor(mustWorkloadID(t, "unauthorized")), "suspicious access")

	if len(sink.events) != 1 {
		t.Fatalf("want 1 audit event, got %d", len(sink.events))
	}
	reason := sink.events[0].AuthzCtx.Reason
	if reason == "" {
		t.Fatal("expected denial reason recorded")
	}
	if !strings.Contains(reason, "suspicious access") {
		t.Fatalf("denial reason %q does not include the caller's reason", reason)
	}
}

func TestCheckMultipleAccessesLogged(t *testing.T) {
	sink := &memSink{}
	c := NewController(sink)
	secretID := mustSecretID(t, "test-secret")
	workload := mustWorkloadID(t, "my-workload")
	policy := &Policy{AllowedWorkloads: []ids.WorkloadID{workload}}
	accessor := WorkloadAccessor(workload)

	for i := 0; i < 5; i++ {
		if err := c.Check(secretID, policy, accessor, "access"); err != nil {
			t.Fatalf("access %d: %v", i, err)
		}
	}
	if len(sink.events) != 5 {
		t.Fatalf("want 5 audit events, got %d", len(sink.events))
	}
}
