package attestation

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// RateLimitConfig bounds how often verifications may be appended to a
// chain: a floor between successful entries, and a longer cooldown after a
// failed verification.
type RateLimitConfig struct {
	MinVerificationInterval    time.Duration
	FailedVerificationCooldown time.Duration
}

// DefaultChainRateLimit is one hour between verifications, with two
// hours' cooldown after a failure.
func DefaultChainRateLimit() RateLimitConfig {
	return RateLimitConfig{
		MinVerificationInterval:    time.Hour,
		FailedVerificationCooldown: 2 * time.Hour,
	}
}

// NoLimitRateLimit disables rate limiting entirely, for bulk import and
// tests.
func NoLimitRateLimit() RateLimitConfig {
	return RateLimitConfig{}
}

// AttestationEntry records one verification event in a chain.
type AttestationEntry struct {
	Attestation        HardwareAttestation
	PreviousHash       []byte
	VerifiedAt         time.Time
	VerificationPassed bool
}

// Hash mixes the entry's fields for chaining, per the entry digest format:
// tag, node_id, timestamp, signature, previous_hash (if any), verified_at,
// and the pass/fail byte.
func (e AttestationEntry) Hash() []byte {
	h := blake3.New()
	h.Write([]byte(attestationEntryTag))
	h.Write([]byte(e.Attestation.NodeID))
	writeInt64(h, e.Attestation.Timestamp.Unix())
	h.Write(e.Attestation.Signature)
	if e.PreviousHash != nil {
		h.Write(e.PreviousHash)
	}
	writeInt64(h, e.VerifiedAt.Unix())
	if e.VerificationPassed {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// AttestationChain is an append-only, hash-chained verification history
// for a single node, with rate-limited appends and a recency-weighted
// trust score.
type AttestationChain struct {
	nodeID                 ids.NodeID
	entries                []AttestationEntry
	rateLimit              RateLimitConfig
	lastFailedVerification *time.Time
}

// NewAttestationChain constructs an empty chain with the default rate
// limit configuration.
func NewAttestationChain(nodeID ids.NodeID) *AttestationChain {
	return NewAttestationChainWithRateLimit(nodeID, DefaultChainRateLimit())
}

// NewAttestationChainWithRateLimit constructs an empty chain with a custom
// rate limit configuration.
func NewAttestationChainWithRateLimit(nodeID ids.NodeID, cfg RateLimitConfig) *AttestationChain {
	return &AttestationChain{nodeID: nodeID, rateLimit: cfg}
}

// NodeID returns the node this chain tracks.
func (c *AttestationChain) NodeID() ids.NodeID { return c.nodeID }

// Len returns the number of entries in the chain.
func (c *AttestationChain) Len() int { return len(c.entries) }

// IsEmpty reports whether the chain has no entries.
func (c *AttestationChain) IsEmpty() bool { return len(c.entries) == 0 }

// Entries returns the chain's entries in insertion order.
func (c *AttestationChain) Entries() []AttestationEntry {
	return append([]AttestationEntry(nil), c.entries...)
}

// RateLimitConfig returns the chain's current rate limit configuration.
func (c *AttestationChain) RateLimitConfig() RateLimitConfig { return c.rateLimit }

// SetRateLimitConfig replaces the chain's rate limit configuration.
func (c *AttestationChain) SetRateLimitConfig(cfg RateLimitConfig) { c.rateLimit = cfg }

// LatestHash returns the hash of the most recent entry, or nil for an
// empty chain.
func (c *AttestationChain) LatestHash() []byte {
	if len(c.entries) == 0 {
		return nil
	}
	h := c.entries[len(c.entries)-1].Hash()
	return h
}

// LastVerificationTime returns the VerifiedAt of the most recent entry.
func (c *AttestationChain) LastVerificationTime() (time.Time, bool) {
	if len(c.entries) == 0 {
		return time.Time{}, false
	}
	return c.entries[len(c.entries)-1].VerifiedAt, true
}

// LastFailedVerificationTime returns the timestamp of the last failed
// verification, if any is currently tracked for cooldown purposes.
func (c *AttestationChain) LastFailedVerificationTime() (time.Time, bool) {
	if c.lastFailedVerification == nil {
		return time.Time{}, false
	}
	return *c.lastFailedVerification, true
}

// CheckRateLimit reports whether a verification attempt is currently
// allowed. Cooldown after a failed verification takes precedence over the
// minimum-interval check.
func (c *AttestationChain) CheckRateLimit() error {
	now := time.Now()

	if c.lastFailedVerification != nil {
		elapsed := now.Sub(*c.lastFailedVerification)
		if elapsed < c.rateLimit.FailedVerificationCooldown {
			remaining := c.rateLimit.FailedVerificationCooldown - elapsed
			return &xerrors.CooldownActiveError{RemainingSecs: remaining.Seconds()}
		}
	}

	if len(c.entries) > 0 {
		last := c.entries[len(c.entries)-1]
		elapsed := now.Sub(last.VerifiedAt)
		if elapsed < c.rateLimit.MinVerificationInterval {
			remaining := c.rateLimit.MinVerificationInterval - elapsed
			return &xerrors.RateLimitExceededError{RemainingSecs: remaining.Seconds()}
		}
	}

	return nil
}

// IsCooldownActive reports whether the chain is currently within a failed
// verification's cooldown window.
func (c *AttestationChain) IsCooldownActive() bool {
	_, isCooldown := c.CheckRateLimit().(*xerrors.CooldownActiveError)
	return isCooldown
}

// SecondsUntilVerificationAllowed returns 0 if a verification is currently
// allowed, or the number of seconds remaining otherwise.
func (c *AttestationChain) SecondsUntilVerificationAllowed() float64 {
	switch e := c.CheckRateLimit().(type) {
	case nil:
		return 0
	case *xerrors.CooldownActiveError:
		return e.RemainingSecs
	case *xerrors.RateLimitExceededError:
		return e.RemainingSecs
	default:
		return 0
	}
}

// AddAttestation appends a verified attestation to the chain, enforcing
// the rate limit.
func (c *AttestationChain) AddAttestation(att HardwareAttestation, verificationPassed bool) error {
	if err := c.CheckRateLimit(); err != nil {
		return err
	}
	return c.AddAttestationUnchecked(att, verificationPassed)
}

// AddAttestationUnchecked appends a verified attestation without enforcing
// the rate limit. Intended for historical import and tests.
func (c *AttestationChain) AddAttestationUnchecked(att HardwareAttestation, verificationPassed bool) error {
	if att.NodeID != c.nodeID {
		return &xerrors.HardwareVerificationError{
			Detail: fmt.Sprintf("attestation node_id %s does not match chain node_id %s", att.NodeID, c.nodeID),
		}
	}

	previousHash := c.LatestHash()
	verifiedAt := time.Now()
	entry := AttestationEntry{
		Attestation:        att,
		PreviousHash:       previousHash,
		VerifiedAt:         verifiedAt,
		VerificationPassed: verificationPassed,
	}

	if !verificationPassed {
		t := verifiedAt
		c.lastFailedVerification = &t
	}

	c.entries = append(c.entries, entry)
	return nil
}

// ClearCooldown resets the failed-verification cooldown state.
func (c *AttestationChain) ClearCooldown() {
	c.lastFailedVerification = nil
}

// VerifyIntegrity checks that every entry is correctly hash-chained to its
// predecessor and that every entry's node_id matches the chain's.
func (c *AttestationChain) VerifyIntegrity() error {
	for i, entry := range c.entries {
		if entry.Attestation.NodeID != c.nodeID {
			return &xerrors.HardwareVerificationError{Detail: fmt.Sprintf("entry %d has wrong node_id", i)}
		}
		if i == 0 {
			if entry.PreviousHash != nil {
				return &xerrors.HardwareVerificationError{Detail: "genesis entry should have no previous hash"}
			}
			continue
		}
		expected := c.entries[i-1].Hash()
		if entry.PreviousHash == nil {
			return &xerrors.HardwareVerificationError{Detail: fmt.Sprintf("entry %d missing previous hash", i)}
		}
		if !bytes.Equal(entry.PreviousHash, expected) {
			return &xerrors.HardwareVerificationError{Detail: fmt.Sprintf("entry %d has incorrect previous hash", i)}
		}
	}
	return nil
}

// SuccessfulVerificationCount returns the number of entries that passed
// verification.
func (c *AttestationChain) SuccessfulVerificationCount() int {
	n := 0
	for _, e := range c.entries {
		if e.VerificationPassed {
			n++
		}
	}
	return n
}

// FailedVerificationCount returns the number of entries that failed
// verification.
func (c *AttestationChain) FailedVerificationCount() int {
	return len(c.entries) - c.SuccessfulVerificationCount()
}

// TrustScore computes a [0,1] trust score: the midpoint of the raw
// success ratio and a recency-weighted ratio where entry i (1-indexed)
// carries weight i/n. An empty chain scores 0.
func (c *AttestationChain) TrustScore() float64 {
	n := len(c.entries)
	if n == 0 {
		return 0
	}

	total := float64(n)
	successful := float64(c.SuccessfulVerificationCount())
	baseScore := successful / total

	var weightedSum, maxWeighted float64
	for i, e := range c.entries {
		weight := float64(i+1) / total
		maxWeighted += weight
		if e.VerificationPassed {
			weightedSum += weight
		}
	}

	var recencyScore float64
	if maxWeighted > 0 {
		recencyScore = weightedSum / maxWeighted
	}

	return (baseScore + recencyScore) / 2
}

// TimeSpan returns the duration between the first and last entry's
// VerifiedAt, or false if the chain has fewer than two entries.
func (c *AttestationChain) TimeSpan() (time.Duration, bool) {
	if len(c.entries) < 2 {
		return 0, false
	}
	first := c.entries[0]
	last := c.entries[len(c.entries)-1]
	return last.VerifiedAt.Sub(first.VerifiedAt), true
}

// VerifyAndAdd verifies att against verifyingKey, then adds the result
// (pass or fail) to the chain under the rate limit. This is the typical
// caller-facing entry point: a single operation that both checks the
// signature/expiry and records the outcome, so a forged or expired
// attestation still counts as a failed verification for cooldown purposes.
func (c *AttestationChain) VerifyAndAdd(att HardwareAttestation, verifyingKey ed25519.PublicKey) error {
	passed := att.Verify(verifyingKey) == nil
	return c.AddAttestation(att, passed)
}
