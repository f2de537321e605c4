package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
)

func testCapacity() NodeCapacity {
	c := NewNodeCapacity(16*1024*1024*1024, 8, 500*1024*1024*1024)
	c.GPUMemoryMiB = []uint64{40960}
	return c
}

func TestResolveLimitsAppliesDefaults(t *testing.T) {
	// 16 cores leave 14.4 allocatable, above DefaultMaxCPUCores, so neither
	// default is capped.
	large := NewNodeCapacity(16*1024*1024*1024, 16, 500*1024*1024*1024)
	limits, err := ResolveLimits(ResourceLimits{}, large, 0)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}
	if limits.MemoryBytes != DefaultMaxMemoryBytes {
		t.Errorf("expected default memory, got %d", limits.MemoryBytes)
	}
	if limits.CPUCores != DefaultMaxCPUCores {
		t.Errorf("expected default cpu cores, got %v", limits.CPUCores)
	}
}

func TestResolveLimitsCapsToAllocatable(t *testing.T) {
	// On a node smaller than the defaults, unrequested limits are silently
	// capped to allocatable capacity rather than rejected.
	small := NewNodeCapacity(4*1024*1024*1024, 4, 20*1024*1024*1024)
	limits, err := ResolveLimits(ResourceLimits{}, small, 0)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}
	if limits.MemoryBytes != small.AllocatableMemoryBytes() {
		t.Errorf("resolved memory %d, want capped to allocatable %d", limits.MemoryBytes, small.AllocatableMemoryBytes())
	}
	if limits.CPUCores != small.AllocatableCPUCores() {
		t.Errorf("resolved cpu %v, want capped to allocatable %v", limits.CPUCores, small.AllocatableCPUCores())
	}
}

func TestResolveLimitsRejectsExplicitRequestAboveCapacity(t *testing.T) {
	over := testCapacity().AllocatableMemoryBytes() + 1
	_, err := ResolveLimits(ResourceLimits{MemoryBytes: &over}, testCapacity(), 0)
	if err == nil {
		t.Fatal("expected error for request exceeding capacity")
	}
}

func TestResolveLimitsGPUMemoryZeroWithoutGPUs(t *testing.T) {
	limits, err := ResolveLimits(ResourceLimits{}, testCapacity(), 0)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}
	if limits.GPUMemoryMiB != 0 {
		t.Errorf("expected zero gpu memory with gpuCount=0, got %d", limits.GPUMemoryMiB)
	}
}

func TestTrackerReserveAndRelease(t *testing.T) {
	tr := New(testCapacity())
	workloadID, _ := ids.NewWorkloadID("w1")
	limits, err := ResolveLimits(ResourceLimits{}, testCapacity(), 0)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}

	if err := tr.Reserve(workloadID, limits); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if tr.WorkloadCount() != 1 {
		t.Fatalf("expected workload count 1, got %d", tr.WorkloadCount())
	}
	if tr.AllocatedMemory() != limits.MemoryBytes {
		t.Fatalf("expected allocated memory %d, got %d", limits.MemoryBytes, tr.AllocatedMemory())
	}

	tr.Release(workloadID, limits)
	if tr.WorkloadCount() != 0 {
		t.Fatalf("expected workload count 0 after release, got %d", tr.WorkloadCount())
	}
	if tr.AllocatedMemory() != 0 {
		t.Fatalf("expected allocated memory 0 after release, got %d", tr.AllocatedMemory())
	}
}

func TestTrackerMaxWorkloadsExceeded(t *testing.T) {
	capacity := testCapacity()
	capacity.MaxConcurrentWorkloads = 1
	tr := New(capacity)

	limits, _ := ResolveLimits(ResourceLimits{}, capacity, 0)
	w1, _ := ids.NewWorkloadID("w1")
	w2, _ := ids.NewWorkloadID("w2")

	if err := tr.Reserve(w1, limits); err != nil {
		t.Fatalf("Reserve w1: %v", err)
	}
	if err := tr.Reserve(w2, limits); err == nil {
		t.Fatal("expected MaxWorkloadsExceededError on second reserve")
	}
}

func TestTrackerInsufficientMemory(t *testing.T) {
	capacity := testCapacity()
	tr := New(capacity)
	allAvailable := capacity.AllocatableMemoryBytes()
	limits := EffectiveResourceLimits{MemoryBytes: allAvailable}
	w1, _ := ids.NewWorkloadID("w1")
	w2, _ := ids.NewWorkloadID("w2")

	if err := tr.Reserve(w1, limits); err != nil {
		t.Fatalf("Reserve w1: %v", err)
	}
	if err := tr.Reserve(w2, EffectiveResourceLimits{MemoryBytes: 1}); err == nil {
		t.Fatal("expected insufficient memory error")
	}
}

func TestTrackerCheckAlertsAboveThreshold(t *testing.T) {
	capacity := testCapacity()
	tr := New(capacity).WithAlertThreshold(50)
	w1, _ := ids.NewWorkloadID("w1")
	half := capacity.AllocatableMemoryBytes()/2 + 1
	if err := tr.Reserve(w1, EffectiveResourceLimits{MemoryBytes: half}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	alerts := tr.CheckAlerts()
	found := false
	for _, a := range alerts {
		if a.Resource == ResourceMemory {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a memory alert, got %+v", alerts)
	}
}

func TestTrackerUsageTracking(t *testing.T) {
	tr := New(testCapacity())
	w1, _ := ids.NewWorkloadID("w1")
	limits, _ := ResolveLimits(ResourceLimits{}, testCapacity(), 0)
	if err := tr.Reserve(w1, limits); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	usage := NewResourceUsage()
	usage.MemoryBytes = 1024
	tr.UpdateUsage(w1, usage)

	got, ok := tr.GetUsage(w1)
	if !ok {
		t.Fatal("expected usage to be present")
	}
	if got.MemoryBytes != 1024 {
		t.Fatalf("expected memory 1024, got %d", got.MemoryBytes)
	}
}

func TestWatchdogDetectsTimeout(t *testing.T) {
	wd := NewWatchdog()
	w1, _ := ids.NewWorkloadID("w1")
	maxDur := time.Millisecond
	wd.Register(w1, &maxDur)

	time.Sleep(5 * time.Millisecond)

	timedOut := wd.CheckTimeouts()
	if len(timedOut) != 1 || timedOut[0] != w1 {
		t.Fatalf("expected w1 to time out, got %v", timedOut)
	}
}

func TestWatchdogNoTimeoutWithoutMaxDuration(t *testing.T) {
	wd := NewWatchdog()
	w1, _ := ids.NewWorkloadID("w1")
	wd.Register(w1, nil)

	if got := wd.CheckTimeouts(); len(got) != 0 {
		t.Fatalf("expected no timeouts, got %v", got)
	}
}

func TestWatchdogUnregister(t *testing.T) {
	wd := NewWatchdog()
	w1, _ := ids.NewWorkloadID("w1")
	maxDur := time.Millisecond
	wd.Register(w1, &maxDur)
	wd.Unregister(w1)

	time.Sleep(5 * time.Millisecond)
	if got := wd.CheckTimeouts(); len(got) != 0 {
		t.Fatalf("expected no timeouts after unregister, got %v", got)
	}
}

func TestTrackerConcurrentReserveNeverOvershoots(t *testing.T) {
	capacity := testCapacity()
	tr := New(capacity)

	// Each slot is a quarter of allocatable memory, so at most 4 of the
	// 32 racing reserves can be admitted.
	slot := capacity.AllocatableMemoryBytes() / 4
	limits := EffectiveResourceLimits{MemoryBytes: slot}

	const attempts = 32
	var wg sync.WaitGroup
	var admitted uint64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, _ := ids.NewWorkloadID(fmt.Sprintf("w%d", n))
			if err := tr.Reserve(id, limits); err == nil {
				atomic.AddUint64(&admitted, 1)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadUint64(&admitted); got != 4 {
		t.Fatalf("admitted %d workloads, want exactly 4", got)
	}
	if tr.AllocatedMemory() > capacity.AllocatableMemoryBytes() {
		t.Fatalf("allocated memory %d exceeds allocatable %d", tr.AllocatedMemory(), capacity.AllocatableMemoryBytes())
	}
	if tr.AllocatedMemory() != 4*slot {
		t.Fatalf("allocated memory %d, want %d (4 admitted slots)", tr.AllocatedMemory(), 4*slot)
	}
	if tr.WorkloadCount() != 4 {
		t.Fatalf("workload count %d, want 4", tr.WorkloadCount())
	}
}

func TestTrackerConcurrentReserveReleaseStaysConsistent(t *testing.T) {
	capacity := testCapacity()
	tr := New(capacity)
	slot := capacity.AllocatableMemoryBytes() / 8
	limits := EffectiveResourceLimits{MemoryBytes: slot}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, _ := ids.NewWorkloadID(fmt.Sprintf("w%d", n))
			for j := 0; j < 50; j++ {
				if err := tr.Reserve(id, limits); err == nil {
					tr.Release(id, limits)
				}
			}
		}(i)
	}
	wg.Wait()

	if tr.AllocatedMemory() != 0 {
		t.Fatalf("allocated memory %d after all releases, want 0", tr.AllocatedMemory())
	}
	if tr.WorkloadCount() != 0 {
		t.Fatalf("workload count %d after all releases, want 0", tr.WorkloadCount())
	}
}
