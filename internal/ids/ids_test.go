package ids

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/gpufabric/fabricd/internal/xerrors"
)

func TestNewResourceIDAccepts(t *testing.T) {
	longest := make([]byte, 253)
	for i := range longest {
		longest[i] = 'a'
	}
	cases := []string{"a", "volume-1", "vol_2", "abc123", string(longest)}
	for _, s := range cases {
		if _, err := NewResourceID(s); err != nil {
			t.Errorf("NewResourceID(%q): unexpected error: %v", s, err)
		}
	}
}

func TestNewResourceIDRejects(t *testing.T) {
	cases := []string{"", "-abc", "abc-", "ABC", "has space", string(make([]byte, 254))}
	for _, s := range cases {
		if _, err := NewResourceID(s); err == nil {
			t.Errorf("NewResourceID(%q): expected error, got nil", s)
		} else if !errors.Is(err, xerrors.ErrInvalidIdentifier) {
			t.Errorf("NewResourceID(%q): want ErrInvalidIdentifier, got %v", s, err)
		}
	}
}

func TestNewVolumeIDWrapsErrInvalidVolumeID(t *testing.T) {
	_, err := NewVolumeID("")
	if !errors.Is(err, xerrors.ErrInvalidVolumeID) {
		t.Fatalf("want ErrInvalidVolumeID, got %v", err)
	}
}

func TestPeerIDRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	peer, err := NewPeerID(pub)
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	if !peer.Key().Equal(pub) {
		t.Fatal("Key() did not reconstruct the original public key")
	}
	if len(peer.String()) != ed25519.PublicKeySize*2 {
		t.Fatalf("want hex string of length %d, got %d", ed25519.PublicKeySize*2, len(peer.String()))
	}
}

func TestNewPeerIDRejectsWrongSize(t *testing.T) {
	if _, err := NewPeerID([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for undersized public key")
	}
}

func TestOpaqueIDsRejectEmpty(t *testing.T) {
	if _, err := NewWorkloadID(""); err == nil {
		t.Error("expected error for empty workload id")
	}
	if _, err := NewNodeID(""); err == nil {
		t.Error("expected error for empty node id")
	}
	if _, err := NewPoolID(""); err == nil {
		t.Error("expected error for empty pool id")
	}
	if _, err := NewWorkloadID("ok"); err != nil {
		t.Errorf("unexpected error for non-empty workload id: %v", err)
	}
}

func TestMessageIDUniqueAndRoundTrips(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	if a == b {
		t.Fatal("expected two freshly minted message ids to differ")
	}
	raw := a.Bytes()
	reconstructed := MessageIDFromBytes(raw)
	if reconstructed != a {
		t.Fatal("MessageIDFromBytes did not round trip Bytes()")
	}
	if a.String() == "" {
		t.Fatal("expected a non-empty string representation")
	}
}
