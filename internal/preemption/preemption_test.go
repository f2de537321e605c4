package preemption

import (
	"testing"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
)

func mustWorkloadID(t *testing.T, s string) ids.WorkloadID {
	t.Helper()
	id, err := ids.NewWorkloadID(s)
	if err != nil {
		t.Fatalf("NewWorkloadID(%q): %v", s, err)
	}
	return id
}

func candidate(t *testing.T, name string, class PriorityClass, gpus uint32, cost float64, age time.Duration) PreemptionCandidate {
	t.Helper()
	c := NewPreemptionCandidate(mustWorkloadID(t, name), class)
	started := time.Now().Add(-age)
	c.StartedAt = &started
	c.Resources = ResourceRequirements{GPUs: gpus}
	c.PreemptionCost = cost
	return c
}

func TestPriorityClassCanPreempt(t *testing.T) {
	high := HighPriorityClass()
	low := SpotClass()
	critical := SystemCriticalClass()

	if !high.CanPreempt(low) {
		t.Fatal("high priority should preempt spot")
	}
	if low.CanPreempt(high) {
		t.Fatal("spot should not preempt high priority")
	}
	if high.CanPreempt(critical) {
		t.Fatal("nothing should preempt a Never-policy class")
	}
}

func TestEngineCanPreemptMinDifferenceBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPriorityDifference = 300
	engine := NewEngine(cfg, NewNoOpEvictionHandler())

	high := HighPriorityClass()                                   // 750
	victim := candidate(t, "w1", DefaultPriorityClass(), 1, 0, 0) // 500, diff 250

	if engine.CanPreempt(high, victim) {
		t.Fatal("expected preemption blocked: priority diff 250 < required 300")
	}
}

func TestEngineCanPreemptDisabledEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	engine := NewEngine(cfg, NewNoOpEvictionHandler())

	victim := candidate(t, "w1", SpotClass(), 1, 0, 0)
	if engine.CanPreempt(HighPriorityClass(), victim) {
		t.Fatal("expected no preemption when engine disabled")
	}
}

func TestEngineCanPreemptVictimNotRunning(t *testing.T) {
	engine := NewEngineWithDefaults(NewNoOpEvictionHandler())
	victim := candidate(t, "w1", SpotClass(), 1, 0, 0)
	victim.State = WorkloadEvicted

	if engine.CanPreempt(HighPriorityClass(), victim) {
		t.Fatal("expected no preemption of a non-running victim")
	}
}

func TestFindVictimsLowestPriority(t *testing.T) {
	engine := NewEngineWithDefaults(NewNoOpEvictionHandler())

	candidates := []PreemptionCandidate{
		candidate(t, "spot-1", SpotClass(), 2, 10, 0),
		candidate(t, "default-1", DefaultPriorityClass(), 2, 10, 0),
		candidate(t, "preempt-1", PreemptibleClass(), 2, 10, 0),
	}

	req := Request{
		NeededResources:   ResourceRequirements{GPUs: 2},
		RequestorPriority: HighPriorityClass(),
	}

	victims := engine.FindVictims(req, candidates)
	if !victims.SatisfiesRequest {
		t.Fatal("expected request to be satisfied")
	}
	if victims.Len() != 1 {
		t.Fatalf("victims.Len() = %d, want 1", victims.Len())
	}
	if victims.Victims[0].WorkloadID != mustWorkloadID(t, "preempt-1") {
		t.Fatalf("expected lowest-priority victim selected first, got %v", victims.Victims[0].WorkloadID)
	}
}

func TestFindVictimsRespectsMaxCost(t *testing.T) {
	engine := NewEngineWithDefaults(NewNoOpEvictionHandler())

	candidates := []PreemptionCandidate{
		candidate(t, "cheap", SpotClass(), 1, 5, 0),
		candidate(t, "expensive", SpotClass(), 4, 500, 0),
	}

	maxCost := 50.0
	req := Request{
		NeededResources:   ResourceRequirements{GPUs: 4},
		RequestorPriority: HighPriorityClass(),
		MaxPreemptionCost: &maxCost,
	}

	victims := engine.FindVictims(req, candidates)
	if victims.SatisfiesRequest {
		t.Fatal("expected request not satisfied: only the cheap, insufficient victim fits the cost cap")
	}
	for _, v := range victims.Victims {
		if v.WorkloadID == mustWorkloadID(t, "expensive") {
			t.Fatal("expensive victim should have been skipped for exceeding max cost")
		}
	}
}

func TestFindVictimsDisabledReturnsEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	engine := NewEngine(cfg, NewNoOpEvictionHandler())

	candidates := []PreemptionCandidate{
		candidate(t, "spot-1", SpotClass(), 8, 0, 0),
	}
	req := Request{NeededResources: ResourceRequirements{GPUs: 1}, RequestorPriority: HighPriorityClass()}

	victims := engine.FindVictims(req, candidates)
	if victims.Len() != 0 {
		t.Fatalf("expected no victims when engine disabled, got %d", victims.Len())
	}
}

func TestFindVictimsFiltersByNode(t *testing.T) {
	engine := NewEngineWithDefaults(NewNoOpEvictionHandler())

	nodeA, err := ids.NewNodeID("node-a")
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	nodeB, err := ids.NewNodeID("node-b")
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}

	onA := candidate(t, "on-a", SpotClass(), 2, 0, 0)
	onA.NodeID = &nodeA
	onB := candidate(t, "on-b", SpotClass(), 2, 0, 0)
	onB.NodeID = &nodeB

	req := Request{
		NeededResources:   ResourceRequirements{GPUs: 2},
		RequestorPriority: HighPriorityClass(),
		NodeID:            &nodeA,
	}

	victims := engine.FindVictims(req, []PreemptionCandidate{onA, onB})
	if victims.Len() != 1 || victims.Victims[0].WorkloadID != mustWorkloadID(t, "on-a") {
		t.Fatalf("expected only the node-a candidate selected, got %+v", victims.Victims)
	}
}

func TestFindVictimsMaxVictimsPerOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxVictimsPerOperation = 1
	engine := NewEngine(cfg, NewNoOpEvictionHandler())

	candidates := []PreemptionCandidate{
		candidate(t, "spot-1", SpotClass(), 1, 0, 0),
		candidate(t, "spot-2", SpotClass(), 1, 0, 0),
	}
	req := Request{NeededResources: ResourceRequirements{GPUs: 10}, RequestorPriority: HighPriorityClass()}

	victims := engine.FindVictims(req, candidates)
	if victims.Len() != 1 {
		t.Fatalf("victims.Len() = %d, want 1 (capped by MaxVictimsPerOperation)", victims.Len())
	}
	if victims.SatisfiesRequest {
		t.Fatal("request should not be satisfied: victim cap hit before resources sufficed")
	}
}

func TestBalancedStrategyPrefersLowerPriorityAndShorterRuntime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VictimSelection = Balanced
	engine := NewEngine(cfg, NewNoOpEvictionHandler())

	longRunning := candidate(t, "long", SpotClass(), 1, 0, 2*time.Hour)
	shortRunning := candidate(t, "short", SpotClass(), 1, 0, time.Minute)

	req := Request{NeededResources: ResourceRequirements{GPUs: 1}, RequestorPriority: HighPriorityClass()}
	victims := engine.FindVictims(req, []PreemptionCandidate{longRunning, shortRunning})

	if victims.Len() == 0 || victims.Victims[0].WorkloadID != mustWorkloadID(t, "short") {
		t.Fatalf("expected shorter-running candidate scored higher under Balanced, got %+v", victims.Victims)
	}
}

func TestEvictSucceedsAndCapsGracePeriod(t *testing.T) {
	handler := NewNoOpEvictionHandler()
	engine := NewEngineWithDefaults(handler)

	victim := candidate(t, "w1", SpotClass(), 1, 0, 0)
	victim.GracePeriod = time.Hour // exceeds MaxGracePeriod of 5m

	result, err := engine.Evict([]PreemptionCandidate{victim})
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if !result.IsSuccessful() {
		t.Fatalf("expected successful eviction, got failures: %+v", result.Failures)
	}
	if result.EvictedCount() != 1 {
		t.Fatalf("EvictedCount() = %d, want 1", result.EvictedCount())
	}
	if result.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestEvictDisabledReturnsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	engine := NewEngine(cfg, NewNoOpEvictionHandler())

	_, err := engine.Evict([]PreemptionCandidate{candidate(t, "w1", SpotClass(), 1, 0, 0)})
	if err == nil {
		t.Fatal("expected error when preemption is disabled")
	}
}

func TestForceKillSkipsAlreadyTerminated(t *testing.T) {
	handler := NewNoOpEvictionHandler()
	engine := NewEngineWithDefaults(handler)

	w1 := mustWorkloadID(t, "w1")
	w2 := mustWorkloadID(t, "w2")
	handler.MarkTerminated(w1)

	killed := engine.ForceKill([]ids.WorkloadID{w1, w2})
	if len(killed) != 1 || killed[0] != w2 {
		t.Fatalf("expected only w2 force-killed, got %v", killed)
	}
	if !engine.IsTerminated(w2) {
		t.Fatal("expected w2 marked terminated after force kill")
	}
}

func TestResourceRequirementsSaturatingArithmetic(t *testing.T) {
	small := ResourceRequirements{GPUs: 2, MemoryBytes: 100}
	large := ResourceRequirements{GPUs: 6, MemoryBytes: 50}

	sum := small.Add(large)
	if sum.GPUs != 8 || sum.MemoryBytes != 150 {
		t.Fatalf("Add: got %+v", sum)
	}

	remainder := small.SubtractFrom(large)
	if remainder.GPUs != 4 || remainder.MemoryBytes != 0 {
		t.Fatalf("SubtractFrom: got %+v, want GPUs=4 MemoryBytes=0 (saturated)", remainder)
	}
}

func TestResourceRequirementsIsSatisfiedBy(t *testing.T) {
	need := ResourceRequirements{GPUs: 2, MemoryBytes: 1024}
	have := ResourceRequirements{GPUs: 4, MemoryBytes: 512}

	if need.IsSatisfiedBy(have) {
		t.Fatal("expected not satisfied: memory insufficient")
	}

	have.MemoryBytes = 2048
	if !need.IsSatisfiedBy(have) {
		t.Fatal("expected satisfied once memory is sufficient")
	}
}

func TestCandidateIsEvictable(t *testing.T) {
	running := candidate(t, "w1", SpotClass(), 1, 0, 0)
	if !running.IsEvictable() {
		t.Fatal("expected running spot candidate to be evictable")
	}

	critical := candidate(t, "w2", SystemCriticalClass(), 1, 0, 0)
	if critical.IsEvictable() {
		t.Fatal("expected system-critical candidate to never be evictable")
	}

	completed := candidate(t, "w3", SpotClass(), 1, 0, 0)
	completed.State = WorkloadCompleted
	if completed.IsEvictable() {
		t.Fatal("expected a completed candidate to not be evictable")
	}
}

func TestNewPriorityClassBoundaries(t *testing.T) {
	if _, err := NewPriorityClass("floor", 0, PreemptLowerPriority); err != nil {
		t.Fatalf("value 0 must be accepted: %v", err)
	}
	if _, err := NewPriorityClass("ceiling", 1000, Never); err != nil {
		t.Fatalf("value 1000 must be accepted: %v", err)
	}
	if _, err := NewPriorityClass("over", 1001, PreemptLowerPriority); err == nil {
		t.Fatal("value 1001 must be rejected")
	}
}
