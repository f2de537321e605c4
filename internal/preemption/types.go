// Package preemption implements priority classes, the preemption
// candidate state machine, victim selection, and graceful eviction.
package preemption

import (
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// PreemptionPolicy controls whether a priority class may ever be
// preempted.
type PreemptionPolicy int

const (
	PreemptLowerPriority PreemptionPolicy = iota
	Never
)

func (p PreemptionPolicy) AllowsPreemption() bool { return p == PreemptLowerPriority }
func (p PreemptionPolicy) IsNeverPreempt() bool   { return p == Never }

// PriorityClass classifies a workload's relative importance.
type PriorityClass struct {
	Name             string
	Value            uint16
	PreemptionPolicy PreemptionPolicy
	Description      string
	IsSystem         bool
}

// NewPriorityClass validates value ≤ 1000.
func NewPriorityClass(name string, value uint16, policy PreemptionPolicy) (PriorityClass, error) {
	if value > 1000 {
		return PriorityClass{}, &xerrors.InvalidPriorityClassError{
			Reason: "value exceeds maximum of 1000",
		}
	}
	return PriorityClass{Name: name, Value: value, PreemptionPolicy: policy}, nil
}

// CanPreempt reports whether this class may preempt victim: the victim
// must not carry Never, this class must allow preemption, and this
// class's value must be strictly greater.
func (p PriorityClass) CanPreempt(victim PriorityClass) bool {
	if victim.PreemptionPolicy.IsNeverPreempt() {
		return false
	}
	if !p.PreemptionPolicy.AllowsPreemption() {
		return false
	}
	return p.Value > victim.Value
}

// Built-in priority classes, registered by default in every Engine.

func SystemCriticalClass() PriorityClass {
	return PriorityClass{Name: "system-critical", Value: 1000, PreemptionPolicy: Never, IsSystem: true,
		Description: "Critical system workloads that should never be preempted"}
}

func HighPriorityClass() PriorityClass {
	return PriorityClass{Name: "high-priority", Value: 750, PreemptionPolicy: PreemptLowerPriority, IsSystem: true,
		Description: "High priority workloads that can preempt lower priority"}
}

func DefaultPriorityClass() PriorityClass {
	return PriorityClass{Name: "default", Value: 500, PreemptionPolicy: PreemptLowerPriority, IsSystem: true,
		Description: "Default priority for standard workloads"}
}

func SpotClass() PriorityClass {
	return PriorityClass{Name: "spot", Value: 100, PreemptionPolicy: PreemptLowerPriority, IsSystem: true,
		Description: "Low-cost spot workloads that can be preempted"}
}

func PreemptibleClass() PriorityClass {
	return PriorityClass{Name: "preemptible", Value: 0, PreemptionPolicy: PreemptLowerPriority, IsSystem: true,
		Description: "Lowest priority workloads that are always preemptible"}
}

// BuiltInClasses returns the five built-in priority classes.
func BuiltInClasses() []PriorityClass {
	return []PriorityClass{
		SystemCriticalClass(), HighPriorityClass(), DefaultPriorityClass(), SpotClass(), PreemptibleClass(),
	}
}

// WorkloadState is a preemption candidate's lifecycle state.
type WorkloadState int

const (
	WorkloadPending WorkloadState = iota
	WorkloadRunning
	WorkloadEvicting
	WorkloadEvicted
	WorkloadCompleted
	WorkloadFailed
)

func (s WorkloadState) IsPreemptible() bool { return s == WorkloadRunning }
func (s WorkloadState) IsTerminal() bool {
	return s == WorkloadEvicted || s == WorkloadCompleted || s == WorkloadFailed
}

// ResourceRequirements describes a workload's resource footprint, with
// saturating arithmetic over every field.
type ResourceRequirements struct {
	GPUs           uint32
	MemoryBytes    uint64
	CPUMillicores  uint32
	GPUMemoryBytes *uint64
	Custom         map[string]uint64
}

func saturatingAddU32(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(sum)
}

func saturatingSubU32(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

func saturatingAddU64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

func saturatingSubU64(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// IsSatisfiedBy reports whether every non-empty field of r is covered by
// available's corresponding field.
func (r ResourceRequirements) IsSatisfiedBy(available ResourceRequirements) bool {
	if r.GPUs > available.GPUs {
		return false
	}
	if r.MemoryBytes > available.MemoryBytes {
		return false
	}
	if r.CPUMillicores > available.CPUMillicores {
		return false
	}
	if r.GPUMemoryBytes != nil && available.GPUMemoryBytes != nil && *r.GPUMemoryBytes > *available.GPUMemoryBytes {
		return false
	}
	for name, needed := range r.Custom {
		if needed > available.Custom[name] {
			return false
		}
	}
	return true
}

// Add returns the saturating sum of r and other.
func (r ResourceRequirements) Add(other ResourceRequirements) ResourceRequirements {
	out := ResourceRequirements{
		GPUs:          saturatingAddU32(r.GPUs, other.GPUs),
		MemoryBytes:   saturatingAddU64(r.MemoryBytes, other.MemoryBytes),
		CPUMillicores: saturatingAddU32(r.CPUMillicores, other.CPUMillicores),
		Custom:        make(map[string]uint64, len(r.Custom)),
	}
	for k, v := range r.Custom {
		out.Custom[k] = v
	}
	if r.GPUMemoryBytes != nil || other.GPUMemoryBytes != nil {
		var base uint64
		if r.GPUMemoryBytes != nil {
			base = *r.GPUMemoryBytes
		}
		if other.GPUMemoryBytes != nil {
			base = saturatingAddU64(base, *other.GPUMemoryBytes)
		}
		out.GPUMemoryBytes = &base
	}
	for k, v := range other.Custom {
		out.Custom[k] = saturatingAddU64(out.Custom[k], v)
	}
	return out
}

// SubtractFrom returns available minus r, saturating at zero per field.
func (r ResourceRequirements) SubtractFrom(available ResourceRequirements) ResourceRequirements {
	out := ResourceRequirements{
		GPUs:          saturatingSubU32(available.GPUs, r.GPUs),
		MemoryBytes:   saturatingSubU64(available.MemoryBytes, r.MemoryBytes),
		CPUMillicores: saturatingSubU32(available.CPUMillicores, r.CPUMillicores),
		Custom:        make(map[string]uint64, len(available.Custom)),
	}
	for k, v := range available.Custom {
		out.Custom[k] = v
	}
	if r.GPUMemoryBytes != nil && available.GPUMemoryBytes != nil {
		v := saturatingSubU64(*available.GPUMemoryBytes, *r.GPUMemoryBytes)
		out.GPUMemoryBytes = &v
	} else if available.GPUMemoryBytes != nil {
		v := *available.GPUMemoryBytes
		out.GPUMemoryBytes = &v
	}
	for name, needed := range r.Custom {
		out.Custom[name] = saturatingSubU64(out.Custom[name], needed)
	}
	return out
}

// IsEmpty reports whether every field is zero.
func (r ResourceRequirements) IsEmpty() bool {
	if r.GPUs != 0 || r.MemoryBytes != 0 || r.CPUMillicores != 0 {
		return false
	}
	if r.GPUMemoryBytes != nil && *r.GPUMemoryBytes != 0 {
		return false
	}
	for _, v := range r.Custom {
		if v != 0 {
			return false
		}
	}
	return true
}

// PreemptionCandidate is a workload that may be preempted.
type PreemptionCandidate struct {
	WorkloadID     ids.WorkloadID
	PriorityClass  PriorityClass
	State          WorkloadState
	StartedAt      *time.Time
	Resources      ResourceRequirements
	PreemptionCost float64
	NodeID         *ids.NodeID
	Labels         map[string]string
	GracePeriod    time.Duration
}

// NewPreemptionCandidate constructs a Running candidate started now, with
// the default 30s grace period.
func NewPreemptionCandidate(workloadID ids.WorkloadID, class PriorityClass) PreemptionCandidate {
	now := time.Now()
	return PreemptionCandidate{
		WorkloadID:    workloadID,
		PriorityClass: class,
		State:         WorkloadRunning,
		StartedAt:     &now,
		Labels:        make(map[string]string),
		GracePeriod:   30 * time.Second,
	}
}

// RunningDuration returns how long the candidate has been running, if it
// has a start time.
func (c PreemptionCandidate) RunningDuration() (time.Duration, bool) {
	if c.StartedAt == nil {
		return 0, false
	}
	return time.Since(*c.StartedAt), true
}

// PriorityValue returns the candidate's priority class value.
func (c PreemptionCandidate) PriorityValue() uint16 { return c.PriorityClass.Value }

// CanBePreempted reports whether the candidate is in a preemptible state
// and its priority class allows it, independent of any specific requestor.
func (c PreemptionCandidate) CanBePreempted() bool {
	if !c.State.IsPreemptible() {
		return false
	}
	return !c.PriorityClass.PreemptionPolicy.IsNeverPreempt()
}

// IsEvictable is an alias for CanBePreempted.
func (c PreemptionCandidate) IsEvictable() bool { return c.CanBePreempted() }

// VictimSelectionStrategy orders eligible candidates during find_victims.
type VictimSelectionStrategy int

const (
	LowestPriority VictimSelectionStrategy = iota
	ShortestRunning
	LowestCost
	MostResources
	Balanced
)

// EvictionFailure records one victim whose eviction signal failed.
type EvictionFailure struct {
	WorkloadID ids.WorkloadID
	Reason     string
	FailedAt   time.Time
}

// EvictionResult is the outcome of an Evict call.
type EvictionResult struct {
	EvictedWorkloads []ids.WorkloadID
	FreedResources   ResourceRequirements
	TotalCost        float64
	InitiatedAt      time.Time
	CompletedAt      *time.Time
	Failures         []EvictionFailure
}

func newEvictionResult() EvictionResult {
	return EvictionResult{InitiatedAt: time.Now()}
}

func (r *EvictionResult) addEvicted(id ids.WorkloadID, resources ResourceRequirements, cost float64) {
	r.EvictedWorkloads = append(r.EvictedWorkloads, id)
	r.FreedResources = resources.Add(r.FreedResources)
	r.TotalCost += cost
}

func (r *EvictionResult) addFailure(id ids.WorkloadID, reason string) {
	r.Failures = append(r.Failures, EvictionFailure{WorkloadID: id, Reason: reason, FailedAt: time.Now()})
}

func (r *EvictionResult) complete() {
	now := time.Now()
	r.CompletedAt = &now
}

// IsSuccessful reports whether every eviction in the result succeeded.
func (r EvictionResult) IsSuccessful() bool { return len(r.Failures) == 0 }

// EvictedCount returns the number of evicted workloads.
func (r EvictionResult) EvictedCount() int { return len(r.EvictedWorkloads) }

// Config bounds preemption behavior.
type Config struct {
	DefaultGracePeriod          time.Duration
	MaxGracePeriod              time.Duration
	VictimSelection             VictimSelectionStrategy
	AllowSamePriorityPreemption bool
	MinPriorityDifference       uint16
	MaxVictimsPerOperation      int
	Enabled                     bool
}

// DefaultConfig returns the default engine configuration: 30s/300s grace
// periods, lowest-priority selection, 1-point minimum priority gap, 100
// victims per operation, enabled.
func DefaultConfig() Config {
	return Config{
		DefaultGracePeriod:     30 * time.Second,
		MaxGracePeriod:         5 * time.Minute,
		VictimSelection:        LowestPriority,
		MinPriorityDifference:  1,
		MaxVictimsPerOperation: 100,
		Enabled:                true,
	}
}

// Request specifies a resource need and the requestor's priority.
type Request struct {
	NeededResources   ResourceRequirements
	RequestorPriority PriorityClass
	NodeID            *ids.NodeID
	MaxPreemptionCost *float64
}

// VictimSet is the result of FindVictims.
type VictimSet struct {
	Victims             []PreemptionCandidate
	TotalFreedResources ResourceRequirements
	TotalCost           float64
	SatisfiesRequest    bool
}

func emptyVictimSet() VictimSet { return VictimSet{} }

func (v *VictimSet) addVictim(c PreemptionCandidate) {
	v.TotalFreedResources = v.TotalFreedResources.Add(c.Resources)
	v.TotalCost += c.PreemptionCost
	v.Victims = append(v.Victims, c)
}

// Len returns the number of selected victims.
func (v VictimSet) Len() int { return len(v.Victims) }
