// Package attestation implements the hardware attestation chain: signed
// GPU manifests, an append-only hash-chained verification history with
// rate-limited re-verification, and a recency-weighted trust score.
package attestation

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

const hardwareSigningTag = "hardware_attestation_v1"
const attestationEntryTag = "attestation_entry_v1"

// GPUVendor enumerates known accelerator vendors.
type GPUVendor int

const (
	GPUVendorUnknown GPUVendor = iota
	GPUVendorNVIDIA
	GPUVendorAMD
	GPUVendorIntel
	GPUVendorApple
)

func (v GPUVendor) String() string {
	switch v {
	case GPUVendorNVIDIA:
		return "nvidia"
	case GPUVendorAMD:
		return "amd"
	case GPUVendorIntel:
		return "intel"
	case GPUVendorApple:
		return "apple"
	default:
		return "unknown"
	}
}

// ParseGPUVendor parses a vendor name case-insensitively.
func ParseGPUVendor(s string) GPUVendor {
	switch lower(s) {
	case "nvidia":
		return GPUVendorNVIDIA
	case "amd", "radeon":
		return GPUVendorAMD
	case "intel":
		return GPUVendorIntel
	case "apple":
		return GPUVendorApple
	default:
		return GPUVendorUnknown
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// GPUInfo describes one physical accelerator in an attestation manifest.
type GPUInfo struct {
	Vendor            GPUVendor
	Model             string
	VRAMMB            uint64
	ComputeCapability string
}

// HardwareAttestation is a node's signed claim about its GPU manifest.
type HardwareAttestation struct {
	NodeID    ids.NodeID
	GPUs      []GPUInfo
	Timestamp time.Time
	ExpiresAt time.Time
	Signature []byte
}

func (a HardwareAttestation) signingDigest() []byte {
	h := blake3.New()
	h.Write([]byte(hardwareSigningTag))
	h.Write([]byte(a.NodeID))
	for _, g := range a.GPUs {
		h.Write([]byte(g.Vendor.String()))
		h.Write([]byte(g.Model))
		writeUint64(h, g.VRAMMB)
		h.Write([]byte(g.ComputeCapability))
	}
	writeInt64(h, a.Timestamp.Unix())
	writeInt64(h, a.ExpiresAt.Unix())
	return h.Sum(nil)
}

func writeUint64(w interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func writeInt64(w interface{ Write([]byte) (int, error) }, v int64) {
	writeUint64(w, uint64(v))
}

// CreateAndSign builds a signed HardwareAttestation for nodeID/gpus, valid
// until ttl from now.
func CreateAndSign(nodeID ids.NodeID, gpus []GPUInfo, ttl time.Duration, signingKey ed25519.PrivateKey) (HardwareAttestation, error) {
	now := time.Now().UTC()
	att := HardwareAttestation{
		NodeID:    nodeID,
		GPUs:      append([]GPUInfo(nil), gpus...),
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
	}
	if len(signingKey) != ed25519.PrivateKeySize {
		return HardwareAttestation{}, fmt.Errorf("attestation: invalid private key size %d", len(signingKey))
	}
	att.Signature = ed25519.Sign(signingKey, att.signingDigest())
	return att, nil
}

// VerifySignature strictly verifies the attestation's Ed25519 signature.
func (a HardwareAttestation) VerifySignature(verifyingKey ed25519.PublicKey) error {
	if !ed25519.Verify(verifyingKey, a.signingDigest(), a.Signature) {
		return xerrors.ErrSignatureVerification
	}
	return nil
}

// IsExpired reports whether the attestation's ExpiresAt has passed.
func (a HardwareAttestation) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// Verify checks expiry then signature, in that order, returning distinct
// errors for each failure mode.
func (a HardwareAttestation) Verify(verifyingKey ed25519.PublicKey) error {
	if a.IsExpired() {
		return xerrors.ErrExpired
	}
	return a.VerifySignature(verifyingKey)
}
