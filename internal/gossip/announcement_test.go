package gossip

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestAnnouncementSignAndVerify(t *testing.T) {
	peer, priv := mustPeerID(t)
	ann := NewCapacityAnnouncement(peer, []GPUOffer{{GPUModel: "A100", VRAMGB: 40, Count: 4}}, Pricing{GPUHourCents: 120}, []string{"inference"}, time.Minute)
	if err := ann.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := ann.VerifySelf(); err != nil {
		t.Fatalf("VerifySelf: %v", err)
	}
}

func TestAnnouncementVerifyRejectsTamperedPayload(t *testing.T) {
	peer, priv := mustPeerID(t)
	ann := NewCapacityAnnouncement(peer, []GPUOffer{{GPUModel: "A100", VRAMGB: 40, Count: 4}}, Pricing{GPUHourCents: 120}, nil, time.Minute)
	if err := ann.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ann.Pricing.GPUHourCents = 999
	if err := ann.VerifySelf(); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestAnnouncementVerifyRejectsWrongKey(t *testing.T) {
	peer, priv := mustPeerID(t)
	ann := NewCapacityAnnouncement(peer, nil, Pricing{}, nil, time.Minute)
	if err := ann.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := ann.Verify(otherPub); err == nil {
		t.Fatal("expected verification failure against unrelated key")
	}
}

func TestAnnouncementIsExpired(t *testing.T) {
	peer, priv := mustPeerID(t)
	ann := NewCapacityAnnouncement(peer, nil, Pricing{}, nil, -time.Second)
	if err := ann.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !ann.IsExpired() {
		t.Fatal("expected announcement with negative ttl to be expired")
	}
}

func TestAnnouncementMatchesFilter(t *testing.T) {
	peer, priv := mustPeerID(t)
	ann := NewCapacityAnnouncement(peer, []GPUOffer{{GPUModel: "H100", VRAMGB: 80, Count: 2}}, Pricing{GPUHourCents: 300}, []string{"training"}, time.Hour)
	if err := ann.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	model := "H100"
	if !ann.MatchesFilter(QueryFilter{GPUModel: &model}) {
		t.Fatal("expected filter match on GPU model")
	}

	other := "A100"
	if ann.MatchesFilter(QueryFilter{GPUModel: &other}) {
		t.Fatal("expected filter mismatch on unrelated GPU model")
	}

	minVRAM := uint32(100)
	if ann.MatchesFilter(QueryFilter{MinVRAMGB: &minVRAM}) {
		t.Fatal("expected filter mismatch for VRAM above what's offered")
	}

	maxPrice := uint64(100)
	if ann.MatchesFilter(QueryFilter{MaxGPUHourCents: &maxPrice}) {
		t.Fatal("expected filter mismatch for price above cap")
	}
}
