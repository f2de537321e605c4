package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/uuid"
)

const bucketEvents = "audit_events"

// record is Event's JSON-on-disk shape; Event's uuid.UUID/ *uuid.UUID
// fields marshal fine directly, so record exists only to give the
// BoltDB value a stable, explicit field order independent of Event's Go
// layout.
type record struct {
	EventID   uuid.UUID         `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  Severity          `json:"severity"`
	ActorID   *uuid.UUID        `json:"actor_id,omitempty"`
	NodeID    *uuid.UUID        `json:"node_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Kind      EventKind         `json:"kind"`

	Auth       AuthAttempt          `json:"auth,omitempty"`
	AuthzCtx   AuthorizationContext `json:"authz_context,omitempty"`
	Escrow     EscrowChange         `json:"escrow,omitempty"`
	RateLimit  RateLimitViolation   `json:"rate_limit,omitempty"`
	SigFailure SignatureFailure     `json:"signature_failure,omitempty"`
	Pattern    UnusualPattern       `json:"pattern,omitempty"`
}

func toRecord(e Event) record {
	return record{
		EventID: e.EventID, Timestamp: e.Timestamp, Severity: e.Severity,
		ActorID: e.ActorID, NodeID: e.NodeID, Metadata: e.Metadata, Kind: e.Kind,
		Auth: e.Auth, AuthzCtx: e.AuthzCtx, Escrow: e.Escrow,
		RateLimit: e.RateLimit, SigFailure: e.SigFailure, Pattern: e.Pattern,
	}
}

func (r record) toEvent() Event {
	return Event{
		EventID: r.EventID, Timestamp: r.Timestamp, Severity: r.Severity,
		ActorID: r.ActorID, NodeID: r.NodeID, Metadata: r.Metadata, Kind: r.Kind,
		Auth: r.Auth, AuthzCtx: r.AuthzCtx, Escrow: r.Escrow,
		RateLimit: r.RateLimit, SigFailure: r.SigFailure, Pattern: r.Pattern,
	}
}

// eventKeyTimeFormat is RFC 3339 in UTC with a fixed nine-digit fraction,
// so every key's timestamp part has the same width.
const eventKeyTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// eventKey is a sortable BoltDB key: fixed-width UTC timestamp + "_" + the
// event id, so lexicographic order matches chronological order even
// when two events share a timestamp.
func eventKey(e Event) []byte {
	return []byte(fmt.Sprintf("%s_%s", e.Timestamp.UTC().Format(eventKeyTimeFormat), e.EventID))
}

// Log is an append-only, BoltDB-backed store of audit events.
type Log struct {
	db *bolt.DB
}

// OpenLog opens (or creates) the audit event database at path.
func OpenLog(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEvents))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit log bucket init: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database file.
func (l *Log) Close() error { return l.db.Close() }

// Record appends an event to the log.
func (l *Log) Record(e Event) error {
	data, err := json.Marshal(toRecord(e))
	if err != nil {
		return fmt.Errorf("audit event marshal: %w", err)
	}
	key := eventKey(e)
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).Put(key, data)
	})
}

// Filter selects a subset of the log for Query. A zero-value field
// means "don't filter on this axis".
type Filter struct {
	Kind        *EventKind
	MinSeverity *Severity
	ActorID     *uuid.UUID
	NodeID      *uuid.UUID
	Since       time.Time
	Until       time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	if f.MinSeverity != nil && e.Severity < *f.MinSeverity {
		return false
	}
	if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
		return false
	}
	if f.NodeID != nil && (e.NodeID == nil || *e.NodeID != *f.NodeID) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns every recorded event matching filter, oldest first.
func (l *Log) Query(filter Filter) ([]Event, error) {
	var out []Event
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).ForEach(func(_, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			e := r.toEvent()
			if filter.matches(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// All returns every recorded event, oldest first.
func (l *Log) All() ([]Event, error) { return l.Query(Filter{}) }
