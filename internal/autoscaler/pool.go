package autoscaler

import (
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
)

// NodeStatus is a node's current lifecycle status within a pool.
type NodeStatus int

const (
	NodeReady NodeStatus = iota
	NodePending
	NodeDraining
	NodeUnhealthy
	NodeTerminating
)

// NodeInfo describes one node in a pool.
type NodeInfo struct {
	ID        ids.NodeID
	Status    NodeStatus
	GPUModel  string
	GPUCount  uint32
	CreatedAt time.Time
	Labels    map[string]string
}

// NewNodeInfo constructs a Ready node created now.
func NewNodeInfo(id ids.NodeID, gpuModel string, gpuCount uint32) NodeInfo {
	return NodeInfo{ID: id, Status: NodeReady, GPUModel: gpuModel, GPUCount: gpuCount, CreatedAt: time.Now(), Labels: make(map[string]string)}
}

// IsReady reports whether the node is accepting workloads.
func (n NodeInfo) IsReady() bool { return n.Status == NodeReady }

// NodePool groups nodes sharing one scaling policy and tracks per-pool
// scale cooldowns.
type NodePool struct {
	ID            ids.PoolID
	Name          string
	Nodes         []NodeInfo
	Policy        ScalingPolicy
	LastScaleUp   *time.Time
	LastScaleDown *time.Time
	Labels        map[string]string
}

// NewNodePool constructs an empty pool with a validated policy.
func NewNodePool(id ids.PoolID, name string, policy ScalingPolicy) (*NodePool, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &NodePool{ID: id, Name: name, Policy: policy, Labels: make(map[string]string)}, nil
}

// AddNode appends a node to the pool.
func (p *NodePool) AddNode(node NodeInfo) { p.Nodes = append(p.Nodes, node) }

// RemoveNode removes and returns the node with the given id, if present.
func (p *NodePool) RemoveNode(nodeID ids.NodeID) (NodeInfo, bool) {
	for i, n := range p.Nodes {
		if n.ID == nodeID {
			removed := n
			p.Nodes = append(p.Nodes[:i], p.Nodes[i+1:]...)
			return removed, true
		}
	}
	return NodeInfo{}, false
}

// NodeCount returns the number of nodes in the pool.
func (p *NodePool) NodeCount() uint32 { return uint32(len(p.Nodes)) }

// ReadyNodeCount returns the number of Ready nodes in the pool.
func (p *NodePool) ReadyNodeCount() uint32 {
	var n uint32
	for _, node := range p.Nodes {
		if node.IsReady() {
			n++
		}
	}
	return n
}

// TotalGPUCount sums GPUCount across every node in the pool.
func (p *NodePool) TotalGPUCount() uint32 {
	var n uint32
	for _, node := range p.Nodes {
		n += node.GPUCount
	}
	return n
}

// CanScaleUp reports whether the pool's scale-up cooldown has elapsed, or
// true if it has never scaled up.
func (p *NodePool) CanScaleUp(now time.Time) bool {
	if p.LastScaleUp == nil {
		return true
	}
	return !now.Before(p.LastScaleUp.Add(p.Policy.ScaleUpCooldown))
}

// CanScaleDown reports whether the pool's scale-down cooldown has
// elapsed, or true if it has never scaled down.
func (p *NodePool) CanScaleDown(now time.Time) bool {
	if p.LastScaleDown == nil {
		return true
	}
	return !now.Before(p.LastScaleDown.Add(p.Policy.ScaleDownCooldown))
}

// RecordScaleUp records a scale-up event at timestamp.
func (p *NodePool) RecordScaleUp(timestamp time.Time) { t := timestamp; p.LastScaleUp = &t }

// RecordScaleDown records a scale-down event at timestamp.
func (p *NodePool) RecordScaleDown(timestamp time.Time) { t := timestamp; p.LastScaleDown = &t }

// SetPolicy replaces the pool's policy after validating it.
func (p *NodePool) SetPolicy(policy ScalingPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	p.Policy = policy
	return nil
}

// MetricsSnapshot captures the signals the evaluator needs for one
// evaluation cycle.
type MetricsSnapshot struct {
	AvgGPUUtilization    float64
	MaxGPUUtilization    float64
	MinGPUUtilization    float64
	QueueDepth           uint32
	AvgMemoryUtilization float64
	Custom               map[string]float64
}

func NewMetricsSnapshot() MetricsSnapshot {
	return MetricsSnapshot{Custom: make(map[string]float64)}
}
