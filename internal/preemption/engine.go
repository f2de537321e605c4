package preemption

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// EvictionHandler integrates the engine with a workload runtime.
type EvictionHandler interface {
	Evict(workloadID ids.WorkloadID, gracePeriod time.Duration) error
	Kill(workloadID ids.WorkloadID) error
	IsTerminated(workloadID ids.WorkloadID) bool
}

// NoOpEvictionHandler is a test double that tracks termination in memory
// without signaling any real workload.
type NoOpEvictionHandler struct {
	mu         sync.RWMutex
	terminated map[ids.WorkloadID]bool
}

func NewNoOpEvictionHandler() *NoOpEvictionHandler {
	return &NoOpEvictionHandler{terminated: make(map[ids.WorkloadID]bool)}
}

func (h *NoOpEvictionHandler) MarkTerminated(workloadID ids.WorkloadID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated[workloadID] = true
}

func (h *NoOpEvictionHandler) Evict(ids.WorkloadID, time.Duration) error { return nil }

func (h *NoOpEvictionHandler) Kill(workloadID ids.WorkloadID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated[workloadID] = true
	return nil
}

func (h *NoOpEvictionHandler) IsTerminated(workloadID ids.WorkloadID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.terminated[workloadID]
}

// Engine selects victims and executes evictions against an EvictionHandler.
type Engine struct {
	config  Config
	handler EvictionHandler

	mu              sync.RWMutex
	priorityClasses map[string]PriorityClass
}

// NewEngine constructs an engine with the five built-in priority classes
// pre-registered.
func NewEngine(config Config, handler EvictionHandler) *Engine {
	e := &Engine{
		config:          config,
		handler:         handler,
		priorityClasses: make(map[string]PriorityClass),
	}
	for _, c := range BuiltInClasses() {
		e.priorityClasses[c.Name] = c
	}
	return e
}

// NewEngineWithDefaults constructs an engine with DefaultConfig().
func NewEngineWithDefaults(handler EvictionHandler) *Engine {
	return NewEngine(DefaultConfig(), handler)
}

// Config returns the engine's current configuration.
func (e *Engine) Config() Config { return e.config }

// RegisterPriorityClass adds or replaces a custom priority class.
func (e *Engine) RegisterPriorityClass(class PriorityClass) error {
	if class.Value > 1000 {
		return &xerrors.InvalidPriorityClassError{
			Reason: fmt.Sprintf("value %d exceeds maximum of 1000", class.Value),
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priorityClasses[class.Name] = class
	return nil
}

// PriorityClassByName looks up a registered priority class.
func (e *Engine) PriorityClassByName(name string) (PriorityClass, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.priorityClasses[name]
	return c, ok
}

// PriorityClasses returns every registered priority class.
func (e *Engine) PriorityClasses() []PriorityClass {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PriorityClass, 0, len(e.priorityClasses))
	for _, c := range e.priorityClasses {
		out = append(out, c)
	}
	return out
}

// CanPreempt reports whether requestor may preempt victim, applying the
// engine's config (enabled flag and minimum priority difference) on top
// of the priority classes' own can-preempt rule.
func (e *Engine) CanPreempt(requestor PriorityClass, victim PreemptionCandidate) bool {
	if !e.config.Enabled {
		return false
	}
	if !victim.CanBePreempted() {
		return false
	}
	if requestor.Value <= victim.PriorityClass.Value {
		return false
	}
	priorityDiff := requestor.Value - victim.PriorityClass.Value
	if priorityDiff < e.config.MinPriorityDifference {
		return false
	}
	return requestor.CanPreempt(victim.PriorityClass)
}

// FindVictims selects candidates to preempt in order to satisfy request,
// respecting the victim-selection strategy, the per-operation victim
// cap, and an optional cost ceiling.
func (e *Engine) FindVictims(request Request, candidates []PreemptionCandidate) VictimSet {
	if !e.config.Enabled {
		return emptyVictimSet()
	}

	eligible := make([]PreemptionCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !e.CanPreempt(request.RequestorPriority, c) {
			continue
		}
		if request.NodeID != nil {
			if c.NodeID == nil || *c.NodeID != *request.NodeID {
				continue
			}
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return emptyVictimSet()
	}

	e.sortVictims(eligible)

	victimSet := emptyVictimSet()
	for _, candidate := range eligible {
		if victimSet.Len() >= e.config.MaxVictimsPerOperation {
			break
		}
		if request.MaxPreemptionCost != nil {
			if victimSet.TotalCost+candidate.PreemptionCost > *request.MaxPreemptionCost {
				continue
			}
		}

		victimSet.addVictim(candidate)

		if request.NeededResources.IsSatisfiedBy(victimSet.TotalFreedResources) {
			victimSet.SatisfiesRequest = true
			break
		}
	}

	return victimSet
}

func (e *Engine) sortVictims(victims []PreemptionCandidate) {
	switch e.config.VictimSelection {
	case LowestPriority:
		sort.SliceStable(victims, func(i, j int) bool {
			return victims[i].PriorityValue() < victims[j].PriorityValue()
		})
	case ShortestRunning:
		sort.SliceStable(victims, func(i, j int) bool {
			return runningDurationOrMax(victims[i]) < runningDurationOrMax(victims[j])
		})
	case LowestCost:
		sort.SliceStable(victims, func(i, j int) bool {
			return victims[i].PreemptionCost < victims[j].PreemptionCost
		})
	case MostResources:
		sort.SliceStable(victims, func(i, j int) bool {
			return victims[i].Resources.GPUs > victims[j].Resources.GPUs
		})
	case Balanced:
		sort.SliceStable(victims, func(i, j int) bool {
			return e.balancedScore(victims[i]) > e.balancedScore(victims[j])
		})
	}
}

func runningDurationOrMax(c PreemptionCandidate) time.Duration {
	if d, ok := c.RunningDuration(); ok {
		return d
	}
	return time.Duration(1<<63 - 1)
}

// balancedScore combines priority, cost, resource count, and runtime into
// a single [0,1]-weighted score; higher is a better eviction candidate.
func (e *Engine) balancedScore(c PreemptionCandidate) float64 {
	priorityScore := 1.0 - float64(c.PriorityValue())/1000.0

	costScore := 1.0 - clamp01(c.PreemptionCost/1000.0)

	resourceScore := clamp01(float64(c.Resources.GPUs) / 8.0)

	var runtimeScore float64
	if d, ok := c.RunningDuration(); ok {
		runtimeScore = 1.0 - clamp01(d.Seconds()/3600.0)
	} else {
		runtimeScore = 0.5
	}

	return 0.4*priorityScore + 0.2*costScore + 0.2*resourceScore + 0.2*runtimeScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Evict sends a graceful eviction signal to every victim, capping each
// one's grace period at the engine's configured maximum.
func (e *Engine) Evict(victims []PreemptionCandidate) (EvictionResult, error) {
	if !e.config.Enabled {
		return EvictionResult{}, &xerrors.PreemptionNotAllowedError{Reason: "preemption is disabled"}
	}
	if len(victims) == 0 {
		return newEvictionResult(), nil
	}

	result := newEvictionResult()

	for _, victim := range victims {
		gracePeriod := victim.GracePeriod
		if gracePeriod > e.config.MaxGracePeriod {
			gracePeriod = e.config.MaxGracePeriod
		}

		if err := e.handler.Evict(victim.WorkloadID, gracePeriod); err != nil {
			result.addFailure(victim.WorkloadID, err.Error())
			continue
		}
		result.addEvicted(victim.WorkloadID, victim.Resources, victim.PreemptionCost)
	}

	result.complete()
	return result, nil
}

// ForceKill kills every workload in workloadIDs that has not already
// terminated, per the handler's IsTerminated check. Kill failures are
// skipped rather than aborting the remaining workloads.
func (e *Engine) ForceKill(workloadIDs []ids.WorkloadID) []ids.WorkloadID {
	killed := make([]ids.WorkloadID, 0, len(workloadIDs))
	for _, workloadID := range workloadIDs {
		if e.handler.IsTerminated(workloadID) {
			continue
		}
		if err := e.handler.Kill(workloadID); err != nil {
			continue
		}
		killed = append(killed, workloadID)
	}
	return killed
}

// IsTerminated reports whether the handler considers workloadID terminated.
func (e *Engine) IsTerminated(workloadID ids.WorkloadID) bool {
	return e.handler.IsTerminated(workloadID)
}
