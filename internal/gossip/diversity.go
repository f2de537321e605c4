package gossip

import (
	"fmt"
	"net"
	"sync"
)

// DiversityConfig controls the peer diversity tracker's acceptance policy.
// No suitable third-party library covers private-IP classification or
// CIDR bucketing more concisely than the standard `net` package, so this
// stays on the standard library by design.
type DiversityConfig struct {
	AllowPrivateIPs bool
	MaxPerSubnet    int // IPv4 /24
	MaxPerPrefix    int // IPv6 /48
	MaxPerASN       int // 0 disables the ASN cap
	Disabled        bool
}

// DefaultDiversityConfig is a balanced default: up to 3 peers per /24 or
// /48, up to 5 per ASN, private IPs rejected.
func DefaultDiversityConfig() DiversityConfig {
	return DiversityConfig{MaxPerSubnet: 3, MaxPerPrefix: 3, MaxPerASN: 5}
}

// StrictDiversityConfig tightens the caps for adversarial environments.
func StrictDiversityConfig() DiversityConfig {
	return DiversityConfig{MaxPerSubnet: 1, MaxPerPrefix: 1, MaxPerASN: 2}
}

// PermissiveDiversityConfig relaxes the caps for small trusted networks.
func PermissiveDiversityConfig() DiversityConfig {
	return DiversityConfig{AllowPrivateIPs: true, MaxPerSubnet: 16, MaxPerPrefix: 16, MaxPerASN: 32}
}

// DisabledDiversityConfig auto-accepts every peer and tracks nothing.
func DisabledDiversityConfig() DiversityConfig {
	return DiversityConfig{Disabled: true, AllowPrivateIPs: true}
}

// RejectionReason structures why a peer was rejected by the diversity
// tracker, including the offending bucket and its current/limit counts.
type RejectionReason struct {
	Kind    string // "private_ip", "subnet", "prefix", "asn"
	Bucket  string
	Current int
	Limit   int
}

func (r RejectionReason) String() string {
	if r.Kind == "private_ip" {
		return "private IP address rejected"
	}
	return fmt.Sprintf("%s %s at capacity (%d/%d)", r.Kind, r.Bucket, r.Current, r.Limit)
}

// DiversityResult is the outcome of a diversity check.
type DiversityResult struct {
	Accepted bool
	Reason   *RejectionReason
}

// IsAccepted reports acceptance.
func (d DiversityResult) IsAccepted() bool { return d.Accepted }

// IsRejected reports rejection.
func (d DiversityResult) IsRejected() bool { return !d.Accepted }

// RejectionReason returns the structured rejection detail, or nil if accepted.
func (d DiversityResult) RejectionReason() *RejectionReason { return d.Reason }

type peerDiversityInfo struct {
	ip        net.IP
	asn       *uint32
	geoRegion *string
	subnetKey string
	prefixKey string
}

// DiversityStats summarizes the tracker's current bucket population.
type DiversityStats struct {
	PeerCount   int
	SubnetCount int
	PrefixCount int
	ASNCount    int
	RegionCount int
}

// DiversityScore is the average of distinct-subnet/peer and distinct-ASN/peer
// ratios, in [0,1]. A score near 1 means peers are maximally spread across
// subnets and ASNs; a score near 0 means they cluster in a few buckets.
func (s DiversityStats) DiversityScore() float64 {
	if s.PeerCount == 0 {
		return 0
	}
	subnetRatio := float64(s.SubnetCount) / float64(s.PeerCount)
	asnRatio := float64(s.ASNCount) / float64(s.PeerCount)
	return (subnetRatio + asnRatio) / 2
}

// IsHealthy reports whether the diversity score is at least 0.5.
func (s DiversityStats) IsHealthy() bool { return s.DiversityScore() >= 0.5 }

// DiversityTracker enforces subnet/prefix/ASN caps on the known peer set
// to mitigate eclipse attacks. Regions are recorded but not capped.
type DiversityTracker struct {
	mu       sync.RWMutex
	cfg      DiversityConfig
	peers    map[string]peerDiversityInfo // keyed by ip.String()
	subnets  map[string]int
	prefixes map[string]int
	asns     map[uint32]int
	regions  map[string]int
}

// NewDiversityTracker constructs a tracker with the given configuration.
func NewDiversityTracker(cfg DiversityConfig) *DiversityTracker {
	return &DiversityTracker{
		cfg:      cfg,
		peers:    make(map[string]peerDiversityInfo),
		subnets:  make(map[string]int),
		prefixes: make(map[string]int),
		asns:     make(map[uint32]int),
		regions:  make(map[string]int),
	}
}

// Config returns the tracker's current configuration.
func (t *DiversityTracker) Config() DiversityConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// SetConfig replaces the tracker's configuration. Existing peer counters
// are left untouched; the new caps apply to subsequent checks.
func (t *DiversityTracker) SetConfig(cfg DiversityConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

// subnetKey returns the IPv4 /24 or IPv6 /48 bucket key for ip.
func subnetKey(ip net.IP) (kind, key string, ok bool) {
	if v4 := ip.To4(); v4 != nil {
		return "subnet", fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2]), true
	}
	if v6 := ip.To16(); v6 != nil {
		_, network, err := net.ParseCIDR(fmt.Sprintf("%s/48", ip.String()))
		if err != nil {
			return "", "", false
		}
		return "prefix", network.String(), true
	}
	return "", "", false
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	private := []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"fc00::/7",
	}
	for _, cidr := range private {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

// Check evaluates whether ip/asn would be accepted without mutating state.
func (t *DiversityTracker) Check(ip net.IP, asn *uint32) DiversityResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.check(ip, asn)
}

func (t *DiversityTracker) check(ip net.IP, asn *uint32) DiversityResult {
	if t.cfg.Disabled {
		return DiversityResult{Accepted: true}
	}
	if !t.cfg.AllowPrivateIPs && isPrivateIP(ip) {
		return DiversityResult{Reason: &RejectionReason{Kind: "private_ip"}}
	}

	kind, key, ok := subnetKey(ip)
	if ok {
		if kind == "subnet" {
			if c := t.subnets[key]; c >= t.cfg.MaxPerSubnet && t.cfg.MaxPerSubnet > 0 {
				return DiversityResult{Reason: &RejectionReason{Kind: "subnet", Bucket: key, Current: c, Limit: t.cfg.MaxPerSubnet}}
			}
		} else {
			if c := t.prefixes[key]; c >= t.cfg.MaxPerPrefix && t.cfg.MaxPerPrefix > 0 {
				return DiversityResult{Reason: &RejectionReason{Kind: "prefix", Bucket: key, Current: c, Limit: t.cfg.MaxPerPrefix}}
			}
		}
	}

	if asn != nil && t.cfg.MaxPerASN > 0 {
		if c := t.asns[*asn]; c >= t.cfg.MaxPerASN {
			return DiversityResult{Reason: &RejectionReason{Kind: "asn", Bucket: fmt.Sprintf("AS%d", *asn), Current: c, Limit: t.cfg.MaxPerASN}}
		}
	}

	return DiversityResult{Accepted: true}
}

// CheckAndAdd atomically checks and, on acceptance, inserts the peer.
func (t *DiversityTracker) CheckAndAdd(ip net.IP, asn *uint32, region *string) DiversityResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := t.check(ip, asn)
	if !result.Accepted {
		return result
	}
	t.addUnchecked(ip, asn, region)
	return result
}

// AddUnchecked inserts a peer without running diversity checks, for
// trusted bootstrap peers or test fixtures.
func (t *DiversityTracker) AddUnchecked(ip net.IP, asn *uint32, region *string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addUnchecked(ip, asn, region)
}

func (t *DiversityTracker) addUnchecked(ip net.IP, asn *uint32, region *string) {
	key := ip.String()
	if _, exists := t.peers[key]; exists {
		return
	}
	info := peerDiversityInfo{ip: ip, asn: asn, geoRegion: region}
	if kind, bucketKey, ok := subnetKey(ip); ok {
		if kind == "subnet" {
			info.subnetKey = bucketKey
			t.subnets[bucketKey]++
		} else {
			info.prefixKey = bucketKey
			t.prefixes[bucketKey]++
		}
	}
	if asn != nil {
		t.asns[*asn]++
	}
	if region != nil {
		t.regions[*region]++
	}
	t.peers[key] = info
}

// Remove decrements all counters for ip and removes the peer entry.
// Returns false if the peer was not tracked.
func (t *DiversityTracker) Remove(ip net.IP) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ip.String()
	info, ok := t.peers[key]
	if !ok {
		return false
	}
	if info.subnetKey != "" {
		t.decrement(t.subnets, info.subnetKey)
	}
	if info.prefixKey != "" {
		t.decrement(t.prefixes, info.prefixKey)
	}
	if info.asn != nil {
		if c := t.asns[*info.asn]; c <= 1 {
			delete(t.asns, *info.asn)
		} else {
			t.asns[*info.asn] = c - 1
		}
	}
	if info.geoRegion != nil {
		t.decrement(t.regions, *info.geoRegion)
	}
	delete(t.peers, key)
	return true
}

func (t *DiversityTracker) decrement(m map[string]int, key string) {
	if c := m[key]; c <= 1 {
		delete(m, key)
	} else {
		m[key] = c - 1
	}
}

// PeerCount returns the number of tracked peers.
func (t *DiversityTracker) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Stats returns a snapshot of the tracker's bucket population.
func (t *DiversityTracker) Stats() DiversityStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return DiversityStats{
		PeerCount:   len(t.peers),
		SubnetCount: len(t.subnets),
		PrefixCount: len(t.prefixes),
		ASNCount:    len(t.asns),
		RegionCount: len(t.regions),
	}
}

// Clear removes every tracked peer and resets all counters.
func (t *DiversityTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]peerDiversityInfo)
	t.subnets = make(map[string]int)
	t.prefixes = make(map[string]int)
	t.asns = make(map[uint32]int)
	t.regions = make(map[string]int)
}

// WouldImproveGeoDiversity reports whether adding a peer from region would
// increase the number of distinct regions represented.
func (t *DiversityTracker) WouldImproveGeoDiversity(region string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.regions[region]
	return !exists
}
