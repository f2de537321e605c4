package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// ResourceType identifies the resource axis a ResourceAlert concerns.
type ResourceType int

const (
	ResourceMemory ResourceType = iota
	ResourceCPU
	ResourceDisk
	ResourceGPU
	ResourceNetwork
	ResourceWorkloads
)

func (r ResourceType) String() string {
	switch r {
	case ResourceMemory:
		return "memory"
	case ResourceCPU:
		return "cpu"
	case ResourceDisk:
		return "disk"
	case ResourceGPU:
		return "gpu"
	case ResourceNetwork:
		return "network"
	case ResourceWorkloads:
		return "workloads"
	default:
		return "unknown"
	}
}

// ResourceAlert reports a resource axis crossing its alert threshold.
type ResourceAlert struct {
	Resource         ResourceType
	CurrentPercent   float64
	ThresholdPercent float64
	Message          string
}

// Tracker accounts for a node's outstanding resource reservations with
// atomic counters, and tracks per-workload self-reported usage behind a
// read-write mutex.
type Tracker struct {
	capacity NodeCapacity

	allocatedMemoryBytes   uint64 // atomic
	allocatedCPUMillicores uint64 // atomic
	allocatedDiskBytes     uint64 // atomic
	workloadCount          uint64 // atomic

	mu            sync.RWMutex
	workloadUsage map[ids.WorkloadID]ResourceUsage

	alertThresholdPercent uint8
}

// New constructs a Tracker for the given node capacity, with the default
// alert threshold of 80%.
func New(capacity NodeCapacity) *Tracker {
	return &Tracker{
		capacity:              capacity,
		workloadUsage:         make(map[ids.WorkloadID]ResourceUsage),
		alertThresholdPercent: DefaultAlertThresholdPercent,
	}
}

// WithAlertThreshold overrides the alert threshold percentage.
func (t *Tracker) WithAlertThreshold(percent uint8) *Tracker {
	t.alertThresholdPercent = percent
	return t
}

// CanAcceptWorkload reports whether the node has room for a workload with
// the given effective limits, without reserving anything. The answer is
// advisory: another reservation may land between this check and a
// subsequent Reserve, which re-runs it under the tracker lock.
func (t *Tracker) CanAcceptWorkload(limits EffectiveResourceLimits) error {
	currentCount := atomic.LoadUint64(&t.workloadCount)
	if currentCount >= uint64(t.capacity.MaxConcurrentWorkloads) {
		return &xerrors.MaxWorkloadsExceededError{Current: int(currentCount), Max: int(t.capacity.MaxConcurrentWorkloads)}
	}

	currentMemory := atomic.LoadUint64(&t.allocatedMemoryBytes)
	allocMem := t.capacity.AllocatableMemoryBytes()
	if saturatingAddU64(currentMemory, limits.MemoryBytes) > allocMem {
		return &xerrors.InsufficientResourceError{Resource: "memory", Requested: limits.MemoryBytes, Available: saturatingSubU64(allocMem, currentMemory)}
	}

	currentCPU := atomic.LoadUint64(&t.allocatedCPUMillicores)
	requestedMillicores := uint64(limits.CPUCores * 1000.0)
	allocatableMillicores := uint64(t.capacity.AllocatableCPUCores() * 1000.0)
	if saturatingAddU64(currentCPU, requestedMillicores) > allocatableMillicores {
		return &xerrors.InsufficientResourceError{Resource: "cpu_millicores", Requested: requestedMillicores, Available: saturatingSubU64(allocatableMillicores, currentCPU)}
	}

	currentDisk := atomic.LoadUint64(&t.allocatedDiskBytes)
	allocDisk := t.capacity.AllocatableDiskBytes()
	if saturatingAddU64(currentDisk, limits.DiskBytes) > allocDisk {
		return &xerrors.InsufficientResourceError{Resource: "disk", Requested: limits.DiskBytes, Available: saturatingSubU64(allocDisk, currentDisk)}
	}

	return nil
}

func saturatingAddU64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// Reserve admits a workload and accounts for its effective limits. The
// tracker lock is held across the admission check and the counter adds,
// so two concurrent reserves against a near-full node cannot both pass
// the check and overshoot allocatable capacity; a caller does not need
// to call CanAcceptWorkload separately. A concurrent Release only frees
// capacity, so it can never invalidate an admission granted here.
func (t *Tracker) Reserve(workloadID ids.WorkloadID, limits EffectiveResourceLimits) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.CanAcceptWorkload(limits); err != nil {
		return err
	}

	atomic.AddUint64(&t.allocatedMemoryBytes, limits.MemoryBytes)
	atomic.AddUint64(&t.allocatedCPUMillicores, uint64(limits.CPUCores*1000.0))
	atomic.AddUint64(&t.allocatedDiskBytes, limits.DiskBytes)
	atomic.AddUint64(&t.workloadCount, 1)

	t.workloadUsage[workloadID] = NewResourceUsage()
	return nil
}

// Release returns a workload's reserved resources to the pool. Each
// counter is clamped so a release never underflows below zero, matching
// Reserve's saturating admission arithmetic.
func (t *Tracker) Release(workloadID ids.WorkloadID, limits EffectiveResourceLimits) {
	subClamped(&t.allocatedMemoryBytes, limits.MemoryBytes)
	subClamped(&t.allocatedCPUMillicores, uint64(limits.CPUCores*1000.0))
	subClamped(&t.allocatedDiskBytes, limits.DiskBytes)

	for {
		current := atomic.LoadUint64(&t.workloadCount)
		if current == 0 {
			break
		}
		if atomic.CompareAndSwapUint64(&t.workloadCount, current, current-1) {
			break
		}
	}

	t.mu.Lock()
	delete(t.workloadUsage, workloadID)
	t.mu.Unlock()
}

func subClamped(counter *uint64, amount uint64) {
	for {
		current := atomic.LoadUint64(counter)
		next := amount
		if next > current {
			next = current
		}
		if atomic.CompareAndSwapUint64(counter, current, current-next) {
			return
		}
	}
}

// UpdateUsage records a workload's self-reported resource usage.
func (t *Tracker) UpdateUsage(workloadID ids.WorkloadID, usage ResourceUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workloadUsage[workloadID] = usage
}

// GetUsage returns the most recently reported usage for a workload.
func (t *Tracker) GetUsage(workloadID ids.WorkloadID) (ResourceUsage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.workloadUsage[workloadID]
	return u, ok
}

// CheckViolations reports workloads whose reported usage exceeds their
// effective limits.
func (t *Tracker) CheckViolations(limits map[ids.WorkloadID]EffectiveResourceLimits) []Violation {
	var violations []Violation

	t.mu.RLock()
	defer t.mu.RUnlock()

	for workloadID, usage := range t.workloadUsage {
		limit, ok := limits[workloadID]
		if !ok {
			continue
		}
		if usage.ExceedsMemoryLimit(limit.MemoryBytes) {
			violations = append(violations, Violation{
				WorkloadID: workloadID,
				Reason:     fmt.Sprintf("memory usage %d exceeds limit %d", usage.MemoryBytes, limit.MemoryBytes),
			})
		}
		if usage.ExceedsCPULimit(limit.CPUCores) {
			violations = append(violations, Violation{
				WorkloadID: workloadID,
				Reason:     fmt.Sprintf("cpu usage %.2f exceeds limit %.2f", usage.CPUUsage, limit.CPUCores),
			})
		}
		if usage.ExceedsDiskLimit(limit.DiskBytes) {
			violations = append(violations, Violation{
				WorkloadID: workloadID,
				Reason:     fmt.Sprintf("disk usage %d exceeds limit %d", usage.DiskBytes, limit.DiskBytes),
			})
		}
	}
	return violations
}

// Violation pairs a workload with the reason it breached its limits.
type Violation struct {
	WorkloadID ids.WorkloadID
	Reason     string
}

// CheckAlerts reports every resource axis currently at or above the alert
// threshold.
func (t *Tracker) CheckAlerts() []ResourceAlert {
	var alerts []ResourceAlert
	threshold := float64(t.alertThresholdPercent)

	memoryUsed := atomic.LoadUint64(&t.allocatedMemoryBytes)
	allocMem := t.capacity.AllocatableMemoryBytes()
	memoryPercent := 0.0
	if allocMem > 0 {
		memoryPercent = float64(memoryUsed) / float64(allocMem) * 100.0
	}
	if memoryPercent >= threshold {
		alerts = append(alerts, ResourceAlert{
			Resource: ResourceMemory, CurrentPercent: memoryPercent, ThresholdPercent: threshold,
			Message: fmt.Sprintf("memory usage at %.1f%% (%d of %d bytes)", memoryPercent, memoryUsed, allocMem),
		})
	}

	cpuUsed := atomic.LoadUint64(&t.allocatedCPUMillicores)
	cpuTotal := uint64(t.capacity.AllocatableCPUCores() * 1000.0)
	cpuPercent := 0.0
	if cpuTotal > 0 {
		cpuPercent = float64(cpuUsed) / float64(cpuTotal) * 100.0
	}
	if cpuPercent >= threshold {
		alerts = append(alerts, ResourceAlert{
			Resource: ResourceCPU, CurrentPercent: cpuPercent, ThresholdPercent: threshold,
			Message: fmt.Sprintf("cpu usage at %.1f%% (%.2f of %.2f cores)", cpuPercent, float64(cpuUsed)/1000.0, t.capacity.AllocatableCPUCores()),
		})
	}

	diskUsed := atomic.LoadUint64(&t.allocatedDiskBytes)
	allocDisk := t.capacity.AllocatableDiskBytes()
	diskPercent := 0.0
	if allocDisk > 0 {
		diskPercent = float64(diskUsed) / float64(allocDisk) * 100.0
	}
	if diskPercent >= threshold {
		alerts = append(alerts, ResourceAlert{
			Resource: ResourceDisk, CurrentPercent: diskPercent, ThresholdPercent: threshold,
			Message: fmt.Sprintf("disk usage at %.1f%% (%d of %d bytes)", diskPercent, diskUsed, allocDisk),
		})
	}

	workloadCount := atomic.LoadUint64(&t.workloadCount)
	workloadPercent := 0.0
	if t.capacity.MaxConcurrentWorkloads > 0 {
		workloadPercent = float64(workloadCount) / float64(t.capacity.MaxConcurrentWorkloads) * 100.0
	}
	if workloadPercent >= threshold {
		alerts = append(alerts, ResourceAlert{
			Resource: ResourceWorkloads, CurrentPercent: workloadPercent, ThresholdPercent: threshold,
			Message: fmt.Sprintf("workload count at %.1f%% (%d of %d)", workloadPercent, workloadCount, t.capacity.MaxConcurrentWorkloads),
		})
	}

	return alerts
}

// WorkloadCount returns the number of currently reserved workloads.
func (t *Tracker) WorkloadCount() uint64 { return atomic.LoadUint64(&t.workloadCount) }

// AllocatedMemory returns currently reserved memory in bytes.
func (t *Tracker) AllocatedMemory() uint64 { return atomic.LoadUint64(&t.allocatedMemoryBytes) }

// AllocatedCPUCores returns currently reserved CPU cores.
func (t *Tracker) AllocatedCPUCores() float64 {
	return float64(atomic.LoadUint64(&t.allocatedCPUMillicores)) / 1000.0
}

// Capacity returns the node's capacity configuration.
func (t *Tracker) Capacity() NodeCapacity { return t.capacity }
