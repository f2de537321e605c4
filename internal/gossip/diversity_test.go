package gossip

import (
	"net"
	"testing"
)

func TestDiversityTrackerRejectsPrivateIPByDefault(t *testing.T) {
	tr := NewDiversityTracker(DefaultDiversityConfig())
	result := tr.Check(net.ParseIP("10.0.0.5"), nil)
	if result.IsAccepted() {
		t.Fatal("expected private IP to be rejected")
	}
	if result.RejectionReason().Kind != "private_ip" {
		t.Fatalf("want private_ip rejection, got %q", result.RejectionReason().Kind)
	}
}

func TestDiversityTrackerEnforcesSubnetCap(t *testing.T) {
	cfg := DiversityConfig{AllowPrivateIPs: true, MaxPerSubnet: 2}
	tr := NewDiversityTracker(cfg)

	ips := []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"}
	for i, ip := range ips[:2] {
		result := tr.CheckAndAdd(net.ParseIP(ip), nil, nil)
		if !result.IsAccepted() {
			t.Fatalf("peer %d: expected acceptance, got rejection %v", i, result.RejectionReason())
		}
	}

	result := tr.CheckAndAdd(net.ParseIP(ips[2]), nil, nil)
	if result.IsAccepted() {
		t.Fatal("expected third peer in same /24 to be rejected")
	}
	if result.RejectionReason().Kind != "subnet" {
		t.Fatalf("want subnet rejection, got %q", result.RejectionReason().Kind)
	}
}

func TestDiversityTrackerEnforcesASNCap(t *testing.T) {
	cfg := DiversityConfig{AllowPrivateIPs: true, MaxPerASN: 1}
	tr := NewDiversityTracker(cfg)
	asn := uint32(64512)

	first := tr.CheckAndAdd(net.ParseIP("198.51.100.1"), &asn, nil)
	if !first.IsAccepted() {
		t.Fatalf("expected first peer for ASN to be accepted: %v", first.RejectionReason())
	}

	second := tr.CheckAndAdd(net.ParseIP("198.51.100.2"), &asn, nil)
	if second.IsAccepted() {
		t.Fatal("expected second peer on capped ASN to be rejected")
	}
}

func TestDiversityTrackerDisabledAcceptsEverything(t *testing.T) {
	tr := NewDiversityTracker(DisabledDiversityConfig())
	result := tr.Check(net.ParseIP("10.0.0.1"), nil)
	if !result.IsAccepted() {
		t.Fatal("expected disabled tracker to accept every peer")
	}
}

func TestDiversityTrackerRemoveFreesCapacity(t *testing.T) {
	cfg := DiversityConfig{AllowPrivateIPs: true, MaxPerSubnet: 1}
	tr := NewDiversityTracker(cfg)

	ip1 := net.ParseIP("203.0.113.10")
	ip2 := net.ParseIP("203.0.113.11")

	if !tr.CheckAndAdd(ip1, nil, nil).IsAccepted() {
		t.Fatal("expected first peer to be accepted")
	}
	if tr.CheckAndAdd(ip2, nil, nil).IsAccepted() {
		t.Fatal("expected second peer to be rejected while subnet is full")
	}
	if !tr.Remove(ip1) {
		t.Fatal("expected Remove to report the peer was tracked")
	}
	if !tr.CheckAndAdd(ip2, nil, nil).IsAccepted() {
		t.Fatal("expected second peer to be accepted after the first was removed")
	}
}

func TestDiversityStatsScorePositiveForDistinctSubnets(t *testing.T) {
	tr := NewDiversityTracker(DiversityConfig{AllowPrivateIPs: true})
	tr.AddUnchecked(net.ParseIP("203.0.113.1"), nil, nil)
	tr.AddUnchecked(net.ParseIP("198.51.100.1"), nil, nil)

	stats := tr.Stats()
	if stats.PeerCount != 2 {
		t.Fatalf("want 2 peers, got %d", stats.PeerCount)
	}
	if stats.DiversityScore() <= 0 {
		t.Fatal("expected a positive diversity score for peers in distinct subnets")
	}
}

func TestWouldImproveGeoDiversity(t *testing.T) {
	tr := NewDiversityTracker(DiversityConfig{AllowPrivateIPs: true})
	us := "us-east"
	tr.AddUnchecked(net.ParseIP("203.0.113.1"), nil, &us)

	if tr.WouldImproveGeoDiversity(us) {
		t.Fatal("expected no improvement from a region already represented")
	}
	eu := "eu-west"
	if !tr.WouldImproveGeoDiversity(eu) {
		t.Fatal("expected improvement from a new region")
	}
}

func TestDiversityTrackerClear(t *testing.T) {
	tr := NewDiversityTracker(DiversityConfig{AllowPrivateIPs: true})
	tr.AddUnchecked(net.ParseIP("203.0.113.1"), nil, nil)
	tr.Clear()
	if tr.PeerCount() != 0 {
		t.Fatalf("want 0 peers after Clear, got %d", tr.PeerCount())
	}
}
