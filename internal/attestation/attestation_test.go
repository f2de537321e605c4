package attestation

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

func testGPU() GPUInfo {
	return GPUInfo{Vendor: GPUVendorNVIDIA, Model: "RTX 4090", VRAMMB: 24576, ComputeCapability: "8.9"}
}

func mustNodeID(t *testing.T, s string) ids.NodeID {
	t.Helper()
	id, err := ids.NewNodeID(s)
	if err != nil {
		t.Fatalf("NewNodeID(%q): %v", s, err)
	}
	return id
}

func TestCreateAndVerifyAttestation(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")

	att, err := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	if err != nil {
		t.Fatalf("CreateAndSign: %v", err)
	}
	if err := att.Verify(pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyWrongKeyFails(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")

	att, err := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	if err != nil {
		t.Fatalf("CreateAndSign: %v", err)
	}
	if err := att.VerifySignature(otherPub); err == nil {
		t.Fatal("expected signature verification failure with wrong key")
	}
}

func TestVerifyExpiredReturnsExpired(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")

	att, err := CreateAndSign(node, []GPUInfo{testGPU()}, -time.Hour, priv)
	if err != nil {
		t.Fatalf("CreateAndSign: %v", err)
	}
	if !att.IsExpired() {
		t.Fatal("expected attestation to be expired")
	}
	pub := priv.Public().(ed25519.PublicKey)
	if err := att.Verify(pub); err == nil {
		t.Fatal("expected Verify to fail on expired attestation")
	}
}

func TestChainWrongNodeRejected(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node1 := mustNodeID(t, "node-1")
	node2 := mustNodeID(t, "node-2")

	chain := NewAttestationChainWithRateLimit(node1, NoLimitRateLimit())

	att, err := CreateAndSign(node2, []GPUInfo{testGPU()}, time.Hour, priv)
	if err != nil {
		t.Fatalf("CreateAndSign: %v", err)
	}
	if err := chain.AddAttestationUnchecked(att, true); err == nil {
		t.Fatal("expected chain to reject attestation for different node")
	}
}

func TestChainIntegrity(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, NoLimitRateLimit())

	for i := 0; i < 5; i++ {
		att, err := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
		if err != nil {
			t.Fatalf("CreateAndSign: %v", err)
		}
		if err := chain.AddAttestationUnchecked(att, i%2 == 0); err != nil {
			t.Fatalf("AddAttestationUnchecked: %v", err)
		}
	}

	if chain.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", chain.Len())
	}
	if err := chain.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
}

func TestTrustScoreAllPassed(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, NoLimitRateLimit())

	for i := 0; i < 10; i++ {
		att, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
		chain.AddAttestationUnchecked(att, true)
	}

	if got := chain.TrustScore(); got != 1.0 {
		t.Fatalf("TrustScore() = %v, want 1.0", got)
	}
}

func TestTrustScoreAllFailed(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, NoLimitRateLimit())

	for i := 0; i < 10; i++ {
		att, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
		chain.AddAttestationUnchecked(att, false)
	}

	if got := chain.TrustScore(); got != 0.0 {
		t.Fatalf("TrustScore() = %v, want 0.0", got)
	}
}

func TestTrustScoreEmptyChain(t *testing.T) {
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, NoLimitRateLimit())
	if got := chain.TrustScore(); got != 0.0 {
		t.Fatalf("TrustScore() on empty chain = %v, want 0.0", got)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, RateLimitConfig{
		MinVerificationInterval:    time.Minute,
		FailedVerificationCooldown: 2 * time.Minute,
	})

	att1, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	if err := chain.AddAttestation(att1, true); err != nil {
		t.Fatalf("first AddAttestation: %v", err)
	}

	att2, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	err := chain.AddAttestation(att2, true)
	if err == nil {
		t.Fatal("expected rate limit error on immediate re-verification")
	}
}

// A failed verification puts the chain in cooldown, and the cooldown
// error must be returned even though the (much shorter) minimum interval
// has elapsed.
func TestCooldownTakesPrecedence(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, RateLimitConfig{
		MinVerificationInterval:    0,
		FailedVerificationCooldown: time.Hour,
	})

	failedAtt, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	if err := chain.AddAttestationUnchecked(failedAtt, false); err != nil {
		t.Fatalf("seed failed verification: %v", err)
	}

	if !chain.IsCooldownActive() {
		t.Fatal("expected cooldown to be active after failed verification")
	}

	att2, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	err := chain.AddAttestation(att2, true)
	var cooldown *xerrors.CooldownActiveError
	if !errors.As(err, &cooldown) {
		t.Fatalf("want CooldownActiveError, got %v", err)
	}
	var rateLimited *xerrors.RateLimitExceededError
	if errors.As(err, &rateLimited) {
		t.Fatal("cooldown must take precedence over the rate limit")
	}
	if cooldown.RemainingSecs <= 0 {
		t.Fatalf("want positive remaining cooldown, got %v", cooldown.RemainingSecs)
	}
}

func TestClearCooldown(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, RateLimitConfig{
		MinVerificationInterval:    0,
		FailedVerificationCooldown: time.Hour,
	})

	failedAtt, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	chain.AddAttestationUnchecked(failedAtt, false)
	chain.ClearCooldown()

	if chain.IsCooldownActive() {
		t.Fatal("expected cooldown cleared")
	}
}

func TestTimeSpanRequiresTwoEntries(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	node := mustNodeID(t, "node-1")
	chain := NewAttestationChainWithRateLimit(node, NoLimitRateLimit())

	if _, ok := chain.TimeSpan(); ok {
		t.Fatal("expected no time span for empty chain")
	}

	att1, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	chain.AddAttestationUnchecked(att1, true)
	if _, ok := chain.TimeSpan(); ok {
		t.Fatal("expected no time span for single-entry chain")
	}

	att2, _ := CreateAndSign(node, []GPUInfo{testGPU()}, time.Hour, priv)
	chain.AddAttestationUnchecked(att2, true)
	if _, ok := chain.TimeSpan(); !ok {
		t.Fatal("expected a time span with two entries")
	}
}

func TestParseGPUVendor(t *testing.T) {
	cases := map[string]GPUVendor{
		"NVIDIA":  GPUVendorNVIDIA,
		"radeon":  GPUVendorAMD,
		"Intel":   GPUVendorIntel,
		"apple":   GPUVendorApple,
		"unknown": GPUVendorUnknown,
		"":        GPUVendorUnknown,
	}
	for in, want := range cases {
		if got := ParseGPUVendor(in); got != want {
			t.Errorf("ParseGPUVendor(%q) = %v, want %v", in, got, want)
		}
	}
}
