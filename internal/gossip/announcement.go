package gossip

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// announcementSigningTag domain-separates announcement signatures from
// hardware attestation signatures.
const announcementSigningTag = "capacity_announcement_v1"

// GPUOffer describes one class of accelerator a peer is offering.
type GPUOffer struct {
	GPUModel string
	VRAMGB   uint32
	Count    uint32
}

// Pricing is the per-hour price a peer charges for its capacity.
type Pricing struct {
	GPUHourCents uint64
	CPUHourCents uint64
}

// CapacityAnnouncement is a peer's signed declaration of GPU capacity and
// pricing, valid until ExpiresAt.
type CapacityAnnouncement struct {
	PeerID    ids.PeerID
	GPUs      []GPUOffer
	Pricing   Pricing
	JobTypes  []string
	CreatedAt time.Time
	ExpiresAt time.Time
	Signature []byte
}

// NewCapacityAnnouncement constructs an unsigned announcement valid for ttl
// from now. Call Sign before broadcasting it.
func NewCapacityAnnouncement(peer ids.PeerID, gpus []GPUOffer, pricing Pricing, jobTypes []string, ttl time.Duration) CapacityAnnouncement {
	now := time.Now().UTC()
	return CapacityAnnouncement{
		PeerID:    peer,
		GPUs:      append([]GPUOffer(nil), gpus...),
		Pricing:   pricing,
		JobTypes:  append([]string(nil), jobTypes...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// signingDigest computes the BLAKE3 digest of the domain-separated,
// canonical serialization of the announcement's signed fields: tag,
// peer id bytes, each GPU tuple in list order, pricing, sorted job types,
// created.unix, expires.unix.
func (a CapacityAnnouncement) signingDigest() []byte {
	h := blake3.New()
	h.Write([]byte(announcementSigningTag))
	h.Write(a.PeerID.Bytes())

	for _, g := range a.GPUs {
		h.Write([]byte(g.GPUModel))
		writeUint64(h, uint64(g.VRAMGB))
		writeUint64(h, uint64(g.Count))
	}

	writeUint64(h, a.Pricing.GPUHourCents)
	writeUint64(h, a.Pricing.CPUHourCents)

	sortedJobTypes := append([]string(nil), a.JobTypes...)
	sort.Strings(sortedJobTypes)
	for _, jt := range sortedJobTypes {
		h.Write([]byte(jt))
	}

	writeInt64(h, a.CreatedAt.Unix())
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

// Sign signs the announcement with the given Ed25519 private key, which
// must correspond to a.PeerID.
func (a *CapacityAnnouncement) Sign(signingKey ed25519.PrivateKey) error {
	if len(signingKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("gossip: sign: invalid private key size %d", len(signingKey))
	}
	a.Signature = ed25519.Sign(signingKey, a.signingDigest())
	return nil
}

// Verify strictly verifies the announcement's signature against the given
// verifying key.
func (a CapacityAnnouncement) Verify(verifyingKey ed25519.PublicKey) error {
	if len(verifyingKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key size %d", xerrors.ErrSignatureVerification, len(verifyingKey))
	}
	if !ed25519.Verify(verifyingKey, a.signingDigest(), a.Signature) {
		return xerrors.ErrSignatureVerification
	}
	return nil
}

// VerifySelf verifies the announcement using the key embedded in its own
// PeerID — the common case for inbound gossip, where the claimed identity
// is the peer id carried in the announcement itself.
func (a CapacityAnnouncement) VerifySelf() error {
	return a.Verify(a.PeerID.Key())
}

// IsExpired reports whether the announcement's ExpiresAt has passed.
func (a CapacityAnnouncement) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// MatchesFilter reports whether the announcement satisfies every provided
// (non-nil) field of filter. Missing filter fields act as wildcards; all
// provided fields are ANDed together.
func (a CapacityAnnouncement) MatchesFilter(filter QueryFilter) bool {
	if filter.GPUModel != nil {
		found := false
		for _, g := range a.GPUs {
			if g.GPUModel == *filter.GPUModel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.MinVRAMGB != nil {
		found := false
		for _, g := range a.GPUs {
			if g.VRAMGB >= *filter.MinVRAMGB {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.JobType != nil {
		found := false
		for _, jt := range a.JobTypes {
			if jt == *filter.JobType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.MaxGPUHourCents != nil && a.Pricing.GPUHourCents > *filter.MaxGPUHourCents {
		return false
	}
	return true
}
