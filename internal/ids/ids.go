// Package ids provides validated identifier newtypes shared across the
// fabric core: resource ids (volumes, claims, storage classes), peer ids
// derived from Ed25519 keys, and opaque node/workload/pool/message ids.
package ids

import (
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"

	"github.com/gpufabric/fabricd/internal/xerrors"
)

// ResourceID is a validated identifier for volumes, claims, and storage
// classes: 1-253 lowercase alphanumeric/hyphen/underscore characters,
// starting with an alphanumeric and not ending with a hyphen.
type ResourceID string

// NewResourceID validates and constructs a ResourceID.
func NewResourceID(s string) (ResourceID, error) {
	if err := validateResourceID(s); err != nil {
		return "", err
	}
	return ResourceID(s), nil
}

func validateResourceID(s string) error {
	n := len(s)
	if n < 1 || n > 253 {
		return fmt.Errorf("%w: length %d outside [1,253]", xerrors.ErrInvalidIdentifier, n)
	}
	if !isAlphanumeric(s[0]) {
		return fmt.Errorf("%w: must start with alphanumeric", xerrors.ErrInvalidIdentifier)
	}
	if s[n-1] == '-' {
		return fmt.Errorf("%w: must not end with hyphen", xerrors.ErrInvalidIdentifier)
	}
	for i := 0; i < n; i++ {
		c := s[i]
		if isAlphanumeric(c) || c == '-' || c == '_' {
			continue
		}
		return fmt.Errorf("%w: invalid character %q", xerrors.ErrInvalidIdentifier, c)
	}
	return nil
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// VolumeID, ClaimID, and StorageClassID reuse ResourceID's validation rule.
type (
	VolumeID       = ResourceID
	ClaimID        = ResourceID
	StorageClassID = ResourceID
)

// NewVolumeID validates a volume identifier.
func NewVolumeID(s string) (VolumeID, error) {
	id, err := NewResourceID(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", xerrors.ErrInvalidVolumeID, err)
	}
	return id, nil
}

// PeerID is derived from an Ed25519 verifying key.
type PeerID [ed25519.PublicKeySize]byte

// NewPeerID builds a PeerID from a raw Ed25519 public key.
func NewPeerID(pub ed25519.PublicKey) (PeerID, error) {
	var id PeerID
	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("%w: ed25519 public key must be %d bytes, got %d",
			xerrors.ErrInvalidIdentifier, ed25519.PublicKeySize, len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

// Bytes returns the raw key bytes.
func (p PeerID) Bytes() []byte { return p[:] }

// Key reconstructs the Ed25519 public key.
func (p PeerID) Key() ed25519.PublicKey { return ed25519.PublicKey(p[:]) }

func (p PeerID) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(p)*2)
	for i, b := range p {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// WorkloadID, PoolID, and NodeID are opaque strings — any non-empty value
// is acceptable; no charset restriction is imposed by the fabric, since
// they are minted by external schedulers and orchestrators.
type (
	WorkloadID string
	PoolID     string
	NodeID     string
)

// NewWorkloadID validates that the id is non-empty.
func NewWorkloadID(s string) (WorkloadID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: workload id must not be empty", xerrors.ErrInvalidIdentifier)
	}
	return WorkloadID(s), nil
}

// NewNodeID validates that the id is non-empty.
func NewNodeID(s string) (NodeID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: node id must not be empty", xerrors.ErrInvalidIdentifier)
	}
	return NodeID(s), nil
}

// NewPoolID validates that the id is non-empty.
func NewPoolID(s string) (PoolID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: pool id must not be empty", xerrors.ErrInvalidIdentifier)
	}
	return PoolID(s), nil
}

// MessageID is a random 128-bit value identifying a gossip message for
// deduplication and correlation.
type MessageID [16]byte

// NewMessageID mints a new random message id.
func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

// MessageIDFromBytes reconstructs a MessageID from raw bytes.
func MessageIDFromBytes(b [16]byte) MessageID { return MessageID(b) }

// Bytes returns the raw id bytes.
func (m MessageID) Bytes() [16]byte { return m }

func (m MessageID) String() string { return uuid.UUID(m).String() }
