package autoscaler

import (
	"testing"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
)

func mustPool(t *testing.T, nodes int, policy ScalingPolicy) *NodePool {
	t.Helper()
	pool, err := NewNodePool(ids.PoolID("pool-a"), "pool-a", policy)
	if err != nil {
		t.Fatalf("NewNodePool: %v", err)
	}
	for i := 0; i < nodes; i++ {
		id, _ := ids.NewNodeID("node-" + string(rune('a'+i)))
		pool.AddNode(NewNodeInfo(id, "h100", 8))
	}
	return pool
}

func TestEvaluateTargetUtilizationScalesUp(t *testing.T) {
	policy, err := NewScalingPolicy("p1", "p1", 1, 10, TargetUtilizationPolicy(70, 5))
	if err != nil {
		t.Fatalf("NewScalingPolicy: %v", err)
	}
	pool := mustPool(t, 2, policy)

	eval := NewEvaluator(0)
	snap := NewMetricsSnapshot()
	snap.AvgGPUUtilization = 95

	rec := eval.Evaluate(pool, snap, time.Now())
	if rec.Direction != ScaleUp {
		t.Fatalf("expected ScaleUp, got %v (target %d)", rec.Direction, rec.TargetNodes)
	}
	if rec.TargetNodes <= 2 {
		t.Fatalf("expected target above current 2, got %d", rec.TargetNodes)
	}
}

func TestEvaluateTargetUtilizationWithinBandIsNoop(t *testing.T) {
	policy, err := NewScalingPolicy("p1", "p1", 1, 10, TargetUtilizationPolicy(70, 10))
	if err != nil {
		t.Fatalf("NewScalingPolicy: %v", err)
	}
	pool := mustPool(t, 3, policy)

	eval := NewEvaluator(0)
	snap := NewMetricsSnapshot()
	snap.AvgGPUUtilization = 72

	rec := eval.Evaluate(pool, snap, time.Now())
	if rec.Direction != ScaleNone {
		t.Fatalf("expected ScaleNone, got %v", rec.Direction)
	}
	if rec.TargetNodes != 3 {
		t.Fatalf("expected target to equal current, got %d", rec.TargetNodes)
	}
}

func TestEvaluateRespectsScaleUpCooldown(t *testing.T) {
	policy, err := NewScalingPolicy("p1", "p1", 1, 10, TargetUtilizationPolicy(70, 5))
	if err != nil {
		t.Fatalf("NewScalingPolicy: %v", err)
	}
	pool := mustPool(t, 2, policy)
	now := time.Now()
	pool.RecordScaleUp(now)

	eval := NewEvaluator(0)
	snap := NewMetricsSnapshot()
	snap.AvgGPUUtilization = 95

	rec := eval.Evaluate(pool, snap, now.Add(time.Minute))
	if rec.Direction != ScaleNone {
		t.Fatalf("expected cooldown to suppress scale-up, got %v", rec.Direction)
	}
}

func TestEvaluateQueueDepthScalesDown(t *testing.T) {
	policy, err := NewScalingPolicy("p2", "p2", 1, 10, QueueDepthPolicy(5, 8, 1))
	if err != nil {
		t.Fatalf("NewScalingPolicy: %v", err)
	}
	pool := mustPool(t, 4, policy)

	eval := NewEvaluator(0)
	snap := NewMetricsSnapshot()
	snap.QueueDepth = 2 // 0.5 jobs/node, below scale-down threshold of 1

	rec := eval.Evaluate(pool, snap, time.Now())
	if rec.Direction != ScaleDown {
		t.Fatalf("expected ScaleDown, got %v", rec.Direction)
	}
}

func TestEvaluateScheduleAppliesDesiredNodes(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	rule, err := NewScheduleRule("always", []uint8{0, 1, 2, 3, 4, 5, 6}, 0, 23, 6)
	if err != nil {
		t.Fatalf("NewScheduleRule: %v", err)
	}
	policy, err := NewScalingPolicy("p3", "p3", 1, 10, SchedulePolicy([]ScheduleRule{rule}))
	if err != nil {
		t.Fatalf("NewScalingPolicy: %v", err)
	}
	pool := mustPool(t, 2, policy)

	eval := NewEvaluator(0)
	rec := eval.Evaluate(pool, NewMetricsSnapshot(), now)
	if rec.Direction != ScaleUp || rec.TargetNodes != 6 {
		t.Fatalf("expected scale up to 6, got dir=%v target=%d", rec.Direction, rec.TargetNodes)
	}
}

func TestEvaluateCombinedMostAggressive(t *testing.T) {
	util := TargetUtilizationPolicy(70, 5)
	queue := QueueDepthPolicy(5, 8, 1)
	combined := CombinedPolicy([]ScalingPolicyType{util, queue}, CombineMostAggressive)

	policy, err := NewScalingPolicy("p4", "p4", 1, 20, combined)
	if err != nil {
		t.Fatalf("NewScalingPolicy: %v", err)
	}
	pool := mustPool(t, 4, policy)

	eval := NewEvaluator(0)
	snap := NewMetricsSnapshot()
	snap.AvgGPUUtilization = 95
	snap.QueueDepth = 40 // 10 jobs/node, above scale-up threshold

	rec := eval.Evaluate(pool, snap, time.Now())
	if rec.Direction != ScaleUp {
		t.Fatalf("expected ScaleUp, got %v", rec.Direction)
	}
}

func TestEvaluateDisabledPolicyIsNoop(t *testing.T) {
	policy, err := NewScalingPolicy("p5", "p5", 1, 10, TargetUtilizationPolicy(70, 5))
	if err != nil {
		t.Fatalf("NewScalingPolicy: %v", err)
	}
	policy.Enabled = false
	pool := mustPool(t, 2, policy)

	eval := NewEvaluator(0)
	snap := NewMetricsSnapshot()
	snap.AvgGPUUtilization = 99

	rec := eval.Evaluate(pool, snap, time.Now())
	if rec.Direction != ScaleNone {
		t.Fatalf("expected disabled policy to be a no-op, got %v", rec.Direction)
	}
}
