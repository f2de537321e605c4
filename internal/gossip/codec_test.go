package gossip

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
)

func mustPeerID(t *testing.T) (ids.PeerID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	peer, err := ids.NewPeerID(pub)
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	return peer, priv
}

func signedAnnouncement(t *testing.T) CapacityAnnouncement {
	t.Helper()
	peer, priv := mustPeerID(t)
	ann := NewCapacityAnnouncement(peer, []GPUOffer{{GPUModel: "H100", VRAMGB: 80, Count: 8}}, Pricing{GPUHourCents: 250}, []string{"training"}, time.Hour)
	if err := ann.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ann
}

func TestEncodeDecodeAnnounceRoundTrip(t *testing.T) {
	ann := signedAnnouncement(t)
	msg := NewAnnounce(ann, 4)

	raw, err := Encode(msg, ProtocolVersionCurrent)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != MessageTypeAnnounce {
		t.Fatalf("want Announce, got %v", decoded.Type)
	}
	if decoded.Announce.Announcement.PeerID != ann.PeerID {
		t.Fatal("peer id mismatch after round trip")
	}
	if err := decoded.Announce.Announcement.VerifySelf(); err != nil {
		t.Fatalf("signature did not survive round trip: %v", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	ann := signedAnnouncement(t)
	msg := NewAnnounce(ann, 4)
	raw, err := Encode(msg, ProtocolVersionCurrent)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw = bumpVersionForTest(raw, 99)
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected decode failure for unsupported version")
	}
}

func TestDecodeRejectsMalformedEnvelope(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected decode failure for malformed envelope")
	}
}

// bumpVersionForTest rewrites the envelope's version field in the raw JSON,
// exploiting the fact Encode produces a flat {msg_type,payload,version} object.
func bumpVersionForTest(raw []byte, version uint32) []byte {
	var env envelope
	_ = json.Unmarshal(raw, &env)
	env.Version = version
	out, _ := json.Marshal(env)
	return out
}
