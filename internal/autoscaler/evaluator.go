// Package autoscaler also hosts the recommendation engine: evaluator.go
// turns a pool's scaling policy plus a fresh MetricsSnapshot into a single
// ScaleRecommendation, clamped to the pool's node bounds and gated by its
// scale-up/scale-down cooldowns. Utilization samples are EWMA-smoothed
// per pool before they drive a decision.
package autoscaler

import (
	"math"
	"sync"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
)

// Evaluator holds per-pool utilization smoothers across evaluation cycles.
type Evaluator struct {
	alpha     float64
	mu        sync.Mutex
	smoothers map[ids.PoolID]*utilizationSmoother
}

// NewEvaluator constructs an evaluator. alpha is the EWMA smoothing factor
// applied to target-utilization policies; 0.5 is a reasonable default.
func NewEvaluator(alpha float64) *Evaluator {
	return &Evaluator{alpha: alpha, smoothers: make(map[ids.PoolID]*utilizationSmoother)}
}

func (e *Evaluator) smootherFor(poolID ids.PoolID) *utilizationSmoother {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.smoothers[poolID]
	if !ok {
		s = newUtilizationSmoother(e.alpha)
		e.smoothers[poolID] = s
	}
	return s
}

// Evaluate produces a recommendation for pool given the current snapshot,
// applying the pool's cooldown windows and node-count bounds.
func (e *Evaluator) Evaluate(pool *NodePool, snapshot MetricsSnapshot, now time.Time) ScaleRecommendation {
	current := pool.NodeCount()

	if !pool.Policy.Enabled {
		return NoChangeRecommendation(current, "scaling policy disabled")
	}

	rec := e.evaluatePolicyType(pool.Policy.PolicyType, pool, snapshot, current, now)
	rec = clampToBounds(rec, pool.Policy.MinNodes, pool.Policy.MaxNodes, current)

	switch rec.Direction {
	case ScaleUp:
		if !pool.CanScaleUp(now) {
			return NoChangeRecommendation(current, "scale-up cooldown active")
		}
	case ScaleDown:
		if !pool.CanScaleDown(now) {
			return NoChangeRecommendation(current, "scale-down cooldown active")
		}
	}
	return rec
}

func clampToBounds(rec ScaleRecommendation, minNodes, maxNodes, current uint32) ScaleRecommendation {
	target := rec.TargetNodes
	if target < minNodes {
		target = minNodes
	}
	if target > maxNodes {
		target = maxNodes
	}
	if target == current {
		return NoChangeRecommendation(current, rec.Reason).WithConfidence(rec.Confidence).withMetrics(rec.Metrics)
	}
	rec.TargetNodes = target
	if target > current {
		rec.Direction = ScaleUp
	} else {
		rec.Direction = ScaleDown
	}
	return rec
}

func (r ScaleRecommendation) withMetrics(m map[string]float64) ScaleRecommendation {
	for k, v := range m {
		r = r.WithMetric(k, v)
	}
	return r
}

func (e *Evaluator) evaluatePolicyType(pt ScalingPolicyType, pool *NodePool, snapshot MetricsSnapshot, current uint32, now time.Time) ScaleRecommendation {
	switch pt.Kind {
	case PolicyTargetUtilization:
		return e.evaluateTargetUtilization(pt, pool, snapshot, current)
	case PolicyQueueDepth:
		return evaluateQueueDepth(pt, snapshot, current)
	case PolicySchedule:
		return evaluateSchedule(pt, current, now)
	case PolicyCombined:
		return e.evaluateCombined(pt, pool, snapshot, current, now)
	default:
		return NoChangeRecommendation(current, "unrecognized policy kind")
	}
}

func (e *Evaluator) evaluateTargetUtilization(pt ScalingPolicyType, pool *NodePool, snapshot MetricsSnapshot, current uint32) ScaleRecommendation {
	smoothed := e.smootherFor(pool.ID).Update(snapshot.AvgGPUUtilization)

	upper := pt.TargetPercent + pt.TolerancePercent
	lower := pt.TargetPercent - pt.TolerancePercent

	if smoothed <= upper && smoothed >= lower {
		return NoChangeRecommendation(current, "gpu utilization within target band").
			WithMetric("smoothed_gpu_utilization", smoothed)
	}

	if current == 0 {
		return ScaleUpRecommendation(current, 1, "pool empty, utilization above target").
			WithMetric("smoothed_gpu_utilization", smoothed)
	}

	ratio := smoothed / pt.TargetPercent
	target := uint32(math.Ceil(float64(current) * ratio))
	if target < 1 {
		target = 1
	}

	confidence := math.Min(1.0, math.Abs(smoothed-pt.TargetPercent)/math.Max(pt.TargetPercent, 1))

	if smoothed > upper {
		return ScaleUpRecommendation(current, target, "gpu utilization above target band").
			WithConfidence(confidence).
			WithMetric("smoothed_gpu_utilization", smoothed)
	}
	return ScaleDownRecommendation(current, target, "gpu utilization below target band").
		WithConfidence(confidence).
		WithMetric("smoothed_gpu_utilization", smoothed)
}

func evaluateQueueDepth(pt ScalingPolicyType, snapshot MetricsSnapshot, current uint32) ScaleRecommendation {
	if current == 0 {
		if snapshot.QueueDepth > 0 {
			return ScaleUpRecommendation(0, 1, "queued jobs with no nodes available").
				WithMetric("queue_depth", float64(snapshot.QueueDepth))
		}
		return NoChangeRecommendation(0, "queue empty")
	}

	jobsPerNode := float64(snapshot.QueueDepth) / float64(current)

	switch {
	case uint32(jobsPerNode) >= pt.ScaleUpThreshold && pt.ScaleUpThreshold > 0:
		target := current
		if pt.TargetJobsPerNode > 0 {
			target = uint32(math.Ceil(float64(snapshot.QueueDepth) / float64(pt.TargetJobsPerNode)))
		}
		if target <= current {
			target = current + 1
		}
		return ScaleUpRecommendation(current, target, "queue depth per node above scale-up threshold").
			WithMetric("jobs_per_node", jobsPerNode)
	case uint32(jobsPerNode) <= pt.ScaleDownThreshold:
		target := current
		if pt.TargetJobsPerNode > 0 {
			target = uint32(math.Ceil(float64(snapshot.QueueDepth) / float64(pt.TargetJobsPerNode)))
		}
		if target >= current || target == 0 {
			if current > 0 {
				target = current - 1
			}
		}
		if target == current {
			return NoChangeRecommendation(current, "queue depth at target").WithMetric("jobs_per_node", jobsPerNode)
		}
		return ScaleDownRecommendation(current, target, "queue depth per node at or below scale-down threshold").
			WithMetric("jobs_per_node", jobsPerNode)
	default:
		return NoChangeRecommendation(current, "queue depth within band").WithMetric("jobs_per_node", jobsPerNode)
	}
}

func evaluateSchedule(pt ScalingPolicyType, current uint32, now time.Time) ScaleRecommendation {
	var best *ScheduleRule
	for i := range pt.Rules {
		r := &pt.Rules[i]
		if !r.AppliesAt(now) {
			continue
		}
		if best == nil || r.DesiredNodes > best.DesiredNodes {
			best = r
		}
	}
	if best == nil {
		return NoChangeRecommendation(current, "no schedule rule applies")
	}
	switch {
	case best.DesiredNodes > current:
		return ScaleUpRecommendation(current, best.DesiredNodes, "schedule rule \""+best.Name+"\" applies")
	case best.DesiredNodes < current:
		return ScaleDownRecommendation(current, best.DesiredNodes, "schedule rule \""+best.Name+"\" applies")
	default:
		return NoChangeRecommendation(current, "schedule rule \""+best.Name+"\" matches current size")
	}
}

func (e *Evaluator) evaluateCombined(pt ScalingPolicyType, pool *NodePool, snapshot MetricsSnapshot, current uint32, now time.Time) ScaleRecommendation {
	subs := make([]ScaleRecommendation, 0, len(pt.Policies))
	for _, sub := range pt.Policies {
		subs = append(subs, e.evaluatePolicyType(sub, pool, snapshot, current, now))
	}

	switch pt.Combination {
	case CombineAny:
		for _, s := range subs {
			if s.Direction != ScaleNone {
				return s
			}
		}
		return NoChangeRecommendation(current, "no sub-policy recommended a change")
	case CombineAll:
		dir := ScaleNone
		for i, s := range subs {
			if i == 0 {
				dir = s.Direction
			}
			if s.Direction == ScaleNone || s.Direction != dir {
				return NoChangeRecommendation(current, "sub-policies disagree")
			}
		}
		if dir == ScaleNone {
			return NoChangeRecommendation(current, "no sub-policy recommended a change")
		}
		return mostExtreme(subs, true)
	case CombineMostAggressive:
		return mostExtreme(subs, true)
	case CombineMostConservative:
		return mostExtreme(subs, false)
	default:
		return NoChangeRecommendation(current, "unrecognized combination strategy")
	}
}

func mostExtreme(subs []ScaleRecommendation, aggressive bool) ScaleRecommendation {
	var chosen ScaleRecommendation
	haveChoice := false
	for _, s := range subs {
		if s.Direction == ScaleNone {
			continue
		}
		d := absInt32(s.Delta())
		if !haveChoice {
			chosen, haveChoice = s, true
			continue
		}
		cd := absInt32(chosen.Delta())
		if (aggressive && d > cd) || (!aggressive && d < cd) {
			chosen = s
		}
	}
	if !haveChoice {
		return NoChangeRecommendation(subs[0].CurrentNodes, "no sub-policy recommended a change")
	}
	return chosen
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
