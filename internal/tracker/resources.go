// Package tracker tracks per-node GPU resource capacity and allocation: it
// resolves a workload's requested resource limits against node capacity,
// accounts for outstanding reservations with atomic counters, raises
// threshold alerts, and watches for workloads that overrun their execution
// deadline.
package tracker

import (
	"time"

	"github.com/gpufabric/fabricd/internal/xerrors"
)

// Default resource limits, applied when a ResourceLimits field is unset.
const (
	DefaultMaxMemoryBytes          uint64  = 8 * 1024 * 1024 * 1024
	DefaultMaxCPUCores             float64 = 8.0
	DefaultMaxDiskBytes            uint64  = 50 * 1024 * 1024 * 1024
	DefaultMaxNetworkBandwidthMbps uint32  = 1000
	DefaultMaxConcurrentWorkloads  uint32  = 64
	DefaultSystemReservedPercent   uint8   = 10
	DefaultAlertThresholdPercent   uint8   = 80
)

// ResourceLimits is a workload's requested resource footprint. A nil
// pointer field means "use the node default".
type ResourceLimits struct {
	MemoryBytes          *uint64
	CPUCores             *float64
	DiskBytes            *uint64
	GPUMemoryMiB         *uint64
	NetworkBandwidthMbps *uint32
	MaxExecutionTime     *time.Duration
	OOMScoreAdj          *int32
}

// Validate applies the data-model invariants on any set fields.
func (r ResourceLimits) Validate() error {
	if r.MemoryBytes != nil && *r.MemoryBytes == 0 {
		return &xerrors.InvalidPolicyError{Reason: "memory_bytes cannot be zero"}
	}
	if r.CPUCores != nil {
		if *r.CPUCores <= 0 {
			return &xerrors.InvalidPolicyError{Reason: "cpu_cores must be positive"}
		}
		if *r.CPUCores > 1024 {
			return &xerrors.InvalidPolicyError{Reason: "cpu_cores exceeds maximum (1024)"}
		}
	}
	if r.DiskBytes != nil && *r.DiskBytes == 0 {
		return &xerrors.InvalidPolicyError{Reason: "disk_bytes cannot be zero"}
	}
	if r.GPUMemoryMiB != nil && *r.GPUMemoryMiB == 0 {
		return &xerrors.InvalidPolicyError{Reason: "gpu_memory_mib cannot be zero"}
	}
	if r.OOMScoreAdj != nil && (*r.OOMScoreAdj < -1000 || *r.OOMScoreAdj > 1000) {
		return &xerrors.InvalidPolicyError{Reason: "oom_score_adj must be between -1000 and 1000"}
	}
	return nil
}

// NodeCapacity describes the total and allocatable resources of a node.
type NodeCapacity struct {
	TotalMemoryBytes          uint64
	TotalCPUCores             uint32
	TotalDiskBytes            uint64
	GPUMemoryMiB              []uint64 // per-GPU capacity, len == TotalGPUs
	TotalNetworkBandwidthMbps uint32
	SystemReservedPercent     uint8 // 0-50
	MaxConcurrentWorkloads    uint32
}

// TotalGPUs returns the GPU count implied by GPUMemoryMiB.
func (c NodeCapacity) TotalGPUs() uint32 { return uint32(len(c.GPUMemoryMiB)) }

// NewNodeCapacity constructs a capacity record with defaults for every
// field the caller doesn't override.
func NewNodeCapacity(totalMemoryBytes uint64, totalCPUCores uint32, totalDiskBytes uint64) NodeCapacity {
	return NodeCapacity{
		TotalMemoryBytes:          totalMemoryBytes,
		TotalCPUCores:             totalCPUCores,
		TotalDiskBytes:            totalDiskBytes,
		TotalNetworkBandwidthMbps: 10_000,
		SystemReservedPercent:     DefaultSystemReservedPercent,
		MaxConcurrentWorkloads:    DefaultMaxConcurrentWorkloads,
	}
}

// AllocatableMemoryBytes returns total memory minus the system reservation.
func (c NodeCapacity) AllocatableMemoryBytes() uint64 {
	reserved := c.TotalMemoryBytes * uint64(c.SystemReservedPercent) / 100
	return saturatingSubU64(c.TotalMemoryBytes, reserved)
}

// AllocatableCPUCores returns total CPU cores minus the system reservation.
func (c NodeCapacity) AllocatableCPUCores() float64 {
	total := float64(c.TotalCPUCores)
	reserved := total * float64(c.SystemReservedPercent) / 100.0
	return total - reserved
}

// AllocatableDiskBytes returns total disk minus the system reservation.
func (c NodeCapacity) AllocatableDiskBytes() uint64 {
	reserved := c.TotalDiskBytes * uint64(c.SystemReservedPercent) / 100
	return saturatingSubU64(c.TotalDiskBytes, reserved)
}

// Validate applies the data-model invariants.
func (c NodeCapacity) Validate() error {
	if c.TotalMemoryBytes == 0 {
		return &xerrors.InvalidPolicyError{Reason: "total_memory_bytes cannot be zero"}
	}
	if c.TotalCPUCores == 0 {
		return &xerrors.InvalidPolicyError{Reason: "total_cpu_cores cannot be zero"}
	}
	if c.SystemReservedPercent > 50 {
		return &xerrors.InvalidPolicyError{Reason: "system_reserved_percent cannot exceed 50"}
	}
	if c.MaxConcurrentWorkloads == 0 {
		return &xerrors.InvalidPolicyError{Reason: "max_concurrent_workloads cannot be zero"}
	}
	return nil
}

// EffectiveResourceLimits is the resolved, capacity-bounded limit set for a
// single workload.
type EffectiveResourceLimits struct {
	MemoryBytes          uint64
	CPUCores             float64
	DiskBytes            uint64
	GPUMemoryMiB         uint64
	NetworkBandwidthMbps uint32
	MaxExecutionTime     *time.Duration
	OOMScoreAdj          int32
}

// ResolveLimits resolves a workload's requested limits against node
// capacity. Memory, CPU and disk default to the package default if
// unrequested and are then capped to the node's allocatable capacity; an
// explicit request for one of them that exceeds allocatable capacity is a
// hard error instead of a silent cap. GPU memory (only when gpuCount > 0)
// defaults to the smallest per-GPU capacity and network bandwidth to the
// package default; requests for either are capped silently.
func ResolveLimits(requested ResourceLimits, capacity NodeCapacity, gpuCount uint32) (EffectiveResourceLimits, error) {
	allocMem := capacity.AllocatableMemoryBytes()
	memoryBytes := DefaultMaxMemoryBytes
	if requested.MemoryBytes != nil {
		memoryBytes = *requested.MemoryBytes
		if memoryBytes > allocMem {
			return EffectiveResourceLimits{}, &xerrors.ResourceExceedsCapacityError{Resource: "memory", Requested: memoryBytes, Available: allocMem}
		}
	}
	if memoryBytes > allocMem {
		memoryBytes = allocMem
	}

	allocCPU := capacity.AllocatableCPUCores()
	cpuCores := DefaultMaxCPUCores
	if requested.CPUCores != nil {
		cpuCores = *requested.CPUCores
		if cpuCores > allocCPU {
			return EffectiveResourceLimits{}, &xerrors.ResourceExceedsCapacityError{Resource: "cpu_cores", Requested: uint64(cpuCores), Available: uint64(allocCPU)}
		}
	}
	if cpuCores > allocCPU {
		cpuCores = allocCPU
	}

	allocDisk := capacity.AllocatableDiskBytes()
	diskBytes := DefaultMaxDiskBytes
	if requested.DiskBytes != nil {
		diskBytes = *requested.DiskBytes
		if diskBytes > allocDisk {
			return EffectiveResourceLimits{}, &xerrors.ResourceExceedsCapacityError{Resource: "disk", Requested: diskBytes, Available: allocDisk}
		}
	}
	if diskBytes > allocDisk {
		diskBytes = allocDisk
	}

	var gpuMemoryMiB uint64
	if gpuCount > 0 {
		maxGPUMem := minUint64(capacity.GPUMemoryMiB)
		gpuMemoryMiB = maxGPUMem
		if requested.GPUMemoryMiB != nil {
			gpuMemoryMiB = *requested.GPUMemoryMiB
		}
		if gpuMemoryMiB > maxGPUMem {
			gpuMemoryMiB = maxGPUMem
		}
	}

	networkBandwidthMbps := DefaultMaxNetworkBandwidthMbps
	if requested.NetworkBandwidthMbps != nil {
		networkBandwidthMbps = *requested.NetworkBandwidthMbps
	}
	if networkBandwidthMbps > capacity.TotalNetworkBandwidthMbps {
		networkBandwidthMbps = capacity.TotalNetworkBandwidthMbps
	}

	var oomScoreAdj int32
	if requested.OOMScoreAdj != nil {
		oomScoreAdj = *requested.OOMScoreAdj
	}

	return EffectiveResourceLimits{
		MemoryBytes:          memoryBytes,
		CPUCores:             cpuCores,
		DiskBytes:            diskBytes,
		GPUMemoryMiB:         gpuMemoryMiB,
		NetworkBandwidthMbps: networkBandwidthMbps,
		MaxExecutionTime:     requested.MaxExecutionTime,
		OOMScoreAdj:          oomScoreAdj,
	}, nil
}

func minUint64(vs []uint64) uint64 {
	if len(vs) == 0 {
		return ^uint64(0)
	}
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func saturatingSubU64(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// ResourceUsage is a workload's most recently reported resource consumption.
type ResourceUsage struct {
	MemoryBytes    uint64
	CPUUsage       float64 // 0.0-1.0 per core, can exceed 1.0 for multi-core
	DiskBytes      uint64
	GPUMemoryMiB   map[uint32]uint64
	NetworkTxBytes uint64
	NetworkRxBytes uint64
	LastUpdated    time.Time
}

// NewResourceUsage constructs a zeroed usage record.
func NewResourceUsage() ResourceUsage {
	return ResourceUsage{GPUMemoryMiB: make(map[uint32]uint64)}
}

func (u ResourceUsage) ExceedsMemoryLimit(limit uint64) bool { return u.MemoryBytes > limit }
func (u ResourceUsage) ExceedsCPULimit(limit float64) bool   { return u.CPUUsage > limit }
func (u ResourceUsage) ExceedsDiskLimit(limit uint64) bool   { return u.DiskBytes > limit }

// MemoryPercent returns memory usage as a percentage of limit, or 0 if
// limit is zero.
func (u ResourceUsage) MemoryPercent(limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(u.MemoryBytes) / float64(limit) * 100.0
}
