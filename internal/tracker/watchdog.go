package tracker

import (
	"sync"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
)

type watchdogEntry struct {
	start       time.Time
	maxDuration *time.Duration
}

// Watchdog detects workloads that have run longer than their registered
// maximum execution time.
type Watchdog struct {
	mu        sync.RWMutex
	workloads map[ids.WorkloadID]watchdogEntry
}

// NewWatchdog constructs an empty watchdog.
func NewWatchdog() *Watchdog {
	return &Watchdog{workloads: make(map[ids.WorkloadID]watchdogEntry)}
}

// Register starts tracking a workload's execution time. A nil maxDuration
// means the workload is never timed out.
func (w *Watchdog) Register(workloadID ids.WorkloadID, maxDuration *time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workloads[workloadID] = watchdogEntry{start: time.Now(), maxDuration: maxDuration}
}

// Unregister stops tracking a workload.
func (w *Watchdog) Unregister(workloadID ids.WorkloadID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.workloads, workloadID)
}

// CheckTimeouts returns the ids of every registered workload that has
// exceeded its maximum execution time.
func (w *Watchdog) CheckTimeouts() []ids.WorkloadID {
	now := time.Now()

	w.mu.RLock()
	defer w.mu.RUnlock()

	var timedOut []ids.WorkloadID
	for id, entry := range w.workloads {
		if entry.maxDuration == nil {
			continue
		}
		if now.Sub(entry.start) > *entry.maxDuration {
			timedOut = append(timedOut, id)
		}
	}
	return timedOut
}

// Elapsed returns how long a registered workload has been running.
func (w *Watchdog) Elapsed(workloadID ids.WorkloadID) (time.Duration, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	entry, ok := w.workloads[workloadID]
	if !ok {
		return 0, false
	}
	return time.Since(entry.start), true
}
