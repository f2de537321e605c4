package gossip

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gpufabric/fabricd/internal/ids"
	"github.com/gpufabric/fabricd/internal/xerrors"
)

// BroadcastConfig configures a Broadcaster's caches, fanout, and cleanup
// cadence.
type BroadcastConfig struct {
	SelfPeerID ids.PeerID

	Fanout int

	MaxSeenCache int
	SeenCacheTTL time.Duration

	MaxAnnouncementsPerPeer int
	MaxTotalAnnouncements   int

	CleanupInterval time.Duration

	RateLimit RateLimitConfig
}

// SmallNetworkConfig tunes fanout and cache sizes for a handful of peers,
// where a large fanout would forward to the whole swarm on every hop.
func SmallNetworkConfig(self ids.PeerID) BroadcastConfig {
	return BroadcastConfig{
		SelfPeerID:              self,
		Fanout:                  2,
		MaxSeenCache:            2048,
		SeenCacheTTL:            5 * time.Minute,
		MaxAnnouncementsPerPeer: 8,
		MaxTotalAnnouncements:   2048,
		CleanupInterval:         30 * time.Second,
		RateLimit:               DefaultRateLimitConfig(),
	}
}

// LargeNetworkConfig tunes for large swarms: wider fanout, bigger caches.
func LargeNetworkConfig(self ids.PeerID) BroadcastConfig {
	return BroadcastConfig{
		SelfPeerID:              self,
		Fanout:                  6,
		MaxSeenCache:            65536,
		SeenCacheTTL:            10 * time.Minute,
		MaxAnnouncementsPerPeer: 32,
		MaxTotalAnnouncements:   65536,
		CleanupInterval:         time.Minute,
		RateLimit:               DefaultRateLimitConfig(),
	}
}

// PrepareResult is returned by PrepareAnnounce.
type PrepareResult struct {
	MessageID    ids.MessageID
	TargetPeers  []string
	WasDuplicate bool
}

// HandleResult is returned by HandleMessage.
type HandleResult struct {
	WasDuplicate bool
	TargetPeers  []string
}

// BroadcasterStats summarizes cache and peer population for
// introspection.
type BroadcasterStats struct {
	SeenCacheSize         int
	AnnouncementCacheSize int
	KnownPeerCount        int
}

// Broadcaster is the fanout gossip core: it mints and tracks outbound
// announcements, verifies and forwards inbound messages, answers cache
// queries, and manages the known-peer set.
//
// Network I/O is external: every method here is synchronous and returns
// the list of peers the caller's transport should forward to.
type Broadcaster struct {
	mu  sync.Mutex
	log *zap.Logger

	cfg BroadcastConfig

	seen  *seenCache
	cache *announcementCache
	rate  *RateLimiter

	knownPeers  map[string]struct{}
	lastCleanup time.Time
	rng         *rand.Rand
}

// NewBroadcaster constructs a Broadcaster from cfg.
func NewBroadcaster(cfg BroadcastConfig, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		log:         log,
		cfg:         cfg,
		seen:        newSeenCache(cfg.MaxSeenCache, cfg.SeenCacheTTL),
		cache:       newAnnouncementCache(cfg.MaxAnnouncementsPerPeer, cfg.MaxTotalAnnouncements),
		rate:        NewRateLimiter(cfg.RateLimit),
		knownPeers:  make(map[string]struct{}),
		lastCleanup: time.Now(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddPeer registers peer as a known fanout candidate.
func (b *Broadcaster) AddPeer(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.knownPeers[peer] = struct{}{}
}

// RemovePeer drops peer from the known set and purges its cached
// announcements from both cache levels.
func (b *Broadcaster) RemovePeer(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.knownPeers, peer)
	b.cache.RemovePeer(peer)
}

// PeerCount returns the number of known peers.
func (b *Broadcaster) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.knownPeers)
}

// KnownPeers returns a snapshot of the known peer set.
func (b *Broadcaster) KnownPeers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.knownPeers))
	for p := range b.knownPeers {
		out = append(out, p)
	}
	return out
}

// HasSeen reports whether a message id is present in the seen cache.
func (b *Broadcaster) HasSeen(id ids.MessageID) bool {
	return b.seen.Contains(id)
}

// CachedAnnouncementCount returns the number of announcements cached
// globally.
func (b *Broadcaster) CachedAnnouncementCount() int {
	return b.cache.TotalCount()
}

// PrepareAnnounce mints a new message id for ann, marks it seen, caches it
// locally, and selects up to Fanout target peers.
func (b *Broadcaster) PrepareAnnounce(ann CapacityAnnouncement) PrepareResult {
	id := ids.NewMessageID()

	b.seen.MarkSeen(id, "")
	b.cache.Insert(ann)

	b.mu.Lock()
	candidates := b.candidatesExcluding("")
	targets := b.selectFanout(candidates)
	b.mu.Unlock()

	return PrepareResult{MessageID: id, TargetPeers: targets}
}

// HandleMessage dispatches msg by variant.
func (b *Broadcaster) HandleMessage(msg GossipMessage, fromPeer string) (HandleResult, error) {
	switch msg.Type {
	case MessageTypeAnnounce:
		return b.handleAnnounce(msg.Announce, fromPeer)
	case MessageTypeQuery:
		return b.handleQuery(msg.Query, fromPeer)
	case MessageTypeResponse:
		if id, ok := msg.MessageIDOf(); ok {
			b.seen.MarkSeen(id, fromPeer)
		}
		return HandleResult{}, nil
	case MessageTypeHeartbeat, MessageTypeSyncRequest, MessageTypeSyncResponse:
		return HandleResult{}, nil
	default:
		return HandleResult{}, &xerrors.ProtocolError{Detail: fmt.Sprintf("unhandled message type %d", msg.Type)}
	}
}

func (b *Broadcaster) handleAnnounce(a *AnnounceMessage, fromPeer string) (HandleResult, error) {
	verdict := b.rate.Check(fromPeer)
	switch verdict.Verdict {
	case RateLimitThrottled:
		return HandleResult{}, &xerrors.RateLimitedError{Peer: fromPeer}
	case RateLimitBanned:
		return HandleResult{}, &xerrors.PeerBannedError{Peer: fromPeer, Remaining: verdict.Remaining.String()}
	}

	b.maybeCleanup()

	if b.seen.Contains(a.MessageID) {
		return HandleResult{WasDuplicate: true}, nil
	}

	if err := a.Announcement.VerifySelf(); err != nil {
		return HandleResult{}, fmt.Errorf("%w: announce from %s", xerrors.ErrSignatureVerification, fromPeer)
	}

	if a.TTLHops == 0 {
		b.seen.MarkSeen(a.MessageID, fromPeer)
		b.cache.Insert(a.Announcement)
		return HandleResult{}, nil
	}

	if a.Announcement.IsExpired() {
		return HandleResult{}, xerrors.ErrExpired
	}

	b.seen.MarkSeen(a.MessageID, fromPeer)
	b.cache.Insert(a.Announcement)

	b.mu.Lock()
	candidates := b.candidatesExcluding(fromPeer)
	targets := b.selectFanout(candidates)
	b.mu.Unlock()

	return HandleResult{TargetPeers: targets}, nil
}

func (b *Broadcaster) handleQuery(q *GossipQuery, fromPeer string) (HandleResult, error) {
	if b.seen.Contains(q.QueryID) {
		return HandleResult{WasDuplicate: true}, nil
	}
	b.seen.MarkSeen(q.QueryID, fromPeer)

	if q.TTLHops == 0 {
		return HandleResult{}, nil
	}

	b.mu.Lock()
	candidates := b.candidatesExcluding(fromPeer, q.FromPeer.String())
	targets := b.selectFanout(candidates)
	b.mu.Unlock()

	return HandleResult{TargetPeers: targets}, nil
}

// candidatesExcluding returns known peers minus self and the given
// exclusions. Caller must hold the lock.
func (b *Broadcaster) candidatesExcluding(excluded ...string) []string {
	exclude := make(map[string]struct{}, len(excluded)+1)
	exclude[b.cfg.SelfPeerID.String()] = struct{}{}
	for _, e := range excluded {
		if e != "" {
			exclude[e] = struct{}{}
		}
	}
	out := make([]string, 0, len(b.knownPeers))
	for p := range b.knownPeers {
		if _, skip := exclude[p]; skip {
			continue
		}
		out = append(out, p)
	}
	return out
}

// selectFanout returns all candidates if there are Fanout or fewer;
// otherwise it returns a uniformly random subset of size Fanout without
// replacement. Self is guaranteed never to appear (candidates already
// excludes it).
func (b *Broadcaster) selectFanout(candidates []string) []string {
	if len(candidates) <= b.cfg.Fanout {
		return candidates
	}
	shuffled := append([]string(nil), candidates...)
	b.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:b.cfg.Fanout]
}

// QueryCache returns live, filter-matching cached announcements.
func (b *Broadcaster) QueryCache(filter QueryFilter, maxResults int) []CapacityAnnouncement {
	return b.cache.Query(filter, maxResults)
}

// Cleanup purges expired seen-cache entries. Safe to call directly;
// HandleMessage also triggers it automatically every CleanupInterval.
func (b *Broadcaster) Cleanup() {
	b.seen.PurgeExpired()
	b.mu.Lock()
	b.lastCleanup = time.Now()
	b.mu.Unlock()
}

func (b *Broadcaster) maybeCleanup() {
	b.mu.Lock()
	due := time.Since(b.lastCleanup) >= b.cfg.CleanupInterval
	b.mu.Unlock()
	if due {
		b.Cleanup()
	}
}

// Stats returns a snapshot of cache and peer population.
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		SeenCacheSize:         b.seen.Len(),
		AnnouncementCacheSize: b.cache.TotalCount(),
		KnownPeerCount:        b.PeerCount(),
	}
}
