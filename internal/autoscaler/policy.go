// Package autoscaler implements the scaling-policy evaluator: a tagged
// union of policy types (target utilization, queue depth, schedule,
// combined), per-pool cooldown tracking, and an EWMA-smoothed
// recommendation engine.
package autoscaler

import (
	"time"

	"github.com/gpufabric/fabricd/internal/xerrors"
)

// PolicyKind discriminates ScalingPolicyType's variants.
type PolicyKind int

const (
	PolicyTargetUtilization PolicyKind = iota
	PolicyQueueDepth
	PolicySchedule
	PolicyCombined
)

// CombinationStrategy controls how a Combined policy's sub-policies are
// reconciled into one recommendation.
type CombinationStrategy int

const (
	CombineAny CombinationStrategy = iota
	CombineAll
	CombineMostAggressive
	CombineMostConservative
)

// ScheduleRule is a time-of-week scaling rule, evaluated in UTC.
type ScheduleRule struct {
	Name         string
	DaysOfWeek   []uint8 // 0 = Sunday .. 6 = Saturday
	StartHour    uint8
	EndHour      uint8
	DesiredNodes uint32
}

// NewScheduleRule validates hours ≤ 23 and days ≤ 6.
func NewScheduleRule(name string, daysOfWeek []uint8, startHour, endHour uint8, desiredNodes uint32) (ScheduleRule, error) {
	if startHour > 23 || endHour > 23 {
		return ScheduleRule{}, &xerrors.InvalidScheduleError{Reason: "hours must be 0-23"}
	}
	for _, d := range daysOfWeek {
		if d > 6 {
			return ScheduleRule{}, &xerrors.InvalidScheduleError{Reason: "days must be 0-6 (Sunday-Saturday)"}
		}
	}
	return ScheduleRule{
		Name:         name,
		DaysOfWeek:   append([]uint8(nil), daysOfWeek...),
		StartHour:    startHour,
		EndHour:      endHour,
		DesiredNodes: desiredNodes,
	}, nil
}

// AppliesAt reports whether the rule is in effect at t (UTC). Overnight
// spans (start > end) wrap across midnight.
func (r ScheduleRule) AppliesAt(t time.Time) bool {
	t = t.UTC()
	day := uint8(t.Weekday())
	hour := uint8(t.Hour())

	found := false
	for _, d := range r.DaysOfWeek {
		if d == day {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	if r.StartHour <= r.EndHour {
		return hour >= r.StartHour && hour < r.EndHour
	}
	return hour >= r.StartHour || hour < r.EndHour
}

// ScalingPolicyType is the tagged-union policy configuration. Exactly one
// of TargetUtilization/QueueDepth/Schedule/Combined fields is meaningful,
// selected by Kind.
type ScalingPolicyType struct {
	Kind PolicyKind

	TargetPercent    float64
	TolerancePercent float64

	TargetJobsPerNode  uint32
	ScaleUpThreshold   uint32
	ScaleDownThreshold uint32

	Rules []ScheduleRule

	Policies    []ScalingPolicyType
	Combination CombinationStrategy
}

func TargetUtilizationPolicy(targetPercent, tolerancePercent float64) ScalingPolicyType {
	return ScalingPolicyType{Kind: PolicyTargetUtilization, TargetPercent: targetPercent, TolerancePercent: tolerancePercent}
}

func QueueDepthPolicy(targetJobsPerNode, scaleUpThreshold, scaleDownThreshold uint32) ScalingPolicyType {
	return ScalingPolicyType{
		Kind:               PolicyQueueDepth,
		TargetJobsPerNode:  targetJobsPerNode,
		ScaleUpThreshold:   scaleUpThreshold,
		ScaleDownThreshold: scaleDownThreshold,
	}
}

func SchedulePolicy(rules []ScheduleRule) ScalingPolicyType {
	return ScalingPolicyType{Kind: PolicySchedule, Rules: append([]ScheduleRule(nil), rules...)}
}

func CombinedPolicy(policies []ScalingPolicyType, combination CombinationStrategy) ScalingPolicyType {
	return ScalingPolicyType{Kind: PolicyCombined, Policies: append([]ScalingPolicyType(nil), policies...), Combination: combination}
}

func validatePolicyType(pt ScalingPolicyType) error {
	switch pt.Kind {
	case PolicyTargetUtilization:
		if pt.TargetPercent <= 0 || pt.TargetPercent > 100 {
			return &xerrors.InvalidPolicyError{Reason: "target_percent must be between 0 and 100"}
		}
		if pt.TolerancePercent < 0 || pt.TolerancePercent > 50 {
			return &xerrors.InvalidPolicyError{Reason: "tolerance_percent must be between 0 and 50"}
		}
	case PolicyQueueDepth:
		if pt.ScaleDownThreshold >= pt.ScaleUpThreshold {
			return &xerrors.InvalidPolicyError{Reason: "scale_down_threshold must be less than scale_up_threshold"}
		}
	case PolicySchedule:
		if len(pt.Rules) == 0 {
			return &xerrors.InvalidPolicyError{Reason: "schedule policy must have at least one rule"}
		}
	case PolicyCombined:
		if len(pt.Policies) == 0 {
			return &xerrors.InvalidPolicyError{Reason: "combined policy must have at least one sub-policy"}
		}
		for _, sub := range pt.Policies {
			if err := validatePolicyType(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScalingPolicy is the complete, validated scaling configuration for a
// node pool.
type ScalingPolicy struct {
	ID                string
	Name              string
	MinNodes          uint32
	MaxNodes          uint32
	PolicyType        ScalingPolicyType
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
	Enabled           bool
}

// NewScalingPolicy constructs and validates a policy, defaulting to a
// 5 minute scale-up cooldown and a 10 minute scale-down cooldown.
func NewScalingPolicy(id, name string, minNodes, maxNodes uint32, policyType ScalingPolicyType) (ScalingPolicy, error) {
	p := ScalingPolicy{
		ID:                id,
		Name:              name,
		MinNodes:          minNodes,
		MaxNodes:          maxNodes,
		PolicyType:        policyType,
		ScaleUpCooldown:   5 * time.Minute,
		ScaleDownCooldown: 10 * time.Minute,
		Enabled:           true,
	}
	if err := p.Validate(); err != nil {
		return ScalingPolicy{}, err
	}
	return p, nil
}

// Validate applies the data-model invariants and recurses into Combined
// sub-policies.
func (p ScalingPolicy) Validate() error {
	if p.MinNodes > p.MaxNodes {
		return &xerrors.InvalidPolicyError{Reason: "min_nodes cannot exceed max_nodes"}
	}
	if p.MaxNodes == 0 {
		return &xerrors.InvalidPolicyError{Reason: "max_nodes must be at least 1"}
	}
	return validatePolicyType(p.PolicyType)
}
