package gossip

import (
	"container/list"
	"sync"
)

// annKey identifies one announcement cache slot: a peer plus the creation
// timestamp of the announcement it holds. A new announcement from the same
// peer with the same created_at replaces the prior entry rather than
// coexisting with it.
type annKey struct {
	peer      string
	createdAt int64
}

// announcementCache is the broadcaster's two-level LRU: a per-peer list
// bounded by maxPerPeer, and a global insertion-ordered list bounded by
// maxTotal that evicts oldest-first across all peers.
type announcementCache struct {
	mu sync.RWMutex

	maxPerPeer int
	maxTotal   int

	perPeerList  map[string]*list.List
	perPeerIndex map[string]map[int64]*list.Element

	global      *list.List
	globalIndex map[annKey]*list.Element
}

func newAnnouncementCache(maxPerPeer, maxTotal int) *announcementCache {
	return &announcementCache{
		maxPerPeer:   maxPerPeer,
		maxTotal:     maxTotal,
		perPeerList:  make(map[string]*list.List),
		perPeerIndex: make(map[string]map[int64]*list.Element),
		global:       list.New(),
		globalIndex:  make(map[annKey]*list.Element),
	}
}

// Insert adds or replaces ann in the cache.
func (c *announcementCache) Insert(ann CapacityAnnouncement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	peer := ann.PeerID.String()
	createdAt := ann.CreatedAt.Unix()
	key := annKey{peer: peer, createdAt: createdAt}

	if idx, ok := c.perPeerIndex[peer]; ok {
		if elem, ok := idx[createdAt]; ok {
			elem.Value = ann
			if gelem, ok := c.globalIndex[key]; ok {
				gelem.Value = key
			}
			return
		}
	}

	if _, ok := c.perPeerList[peer]; !ok {
		c.perPeerList[peer] = list.New()
		c.perPeerIndex[peer] = make(map[int64]*list.Element)
	}

	elem := c.perPeerList[peer].PushBack(ann)
	c.perPeerIndex[peer][createdAt] = elem

	if c.perPeerList[peer].Len() > c.maxPerPeer {
		c.evictOldestForPeer(peer)
	}

	gelem := c.global.PushBack(key)
	c.globalIndex[key] = gelem

	if c.global.Len() > c.maxTotal {
		c.evictOldestGlobal()
	}
}

// evictOldestForPeer drops the oldest entry in peer's per-peer list and its
// corresponding global entry. Caller must hold the lock.
func (c *announcementCache) evictOldestForPeer(peer string) {
	front := c.perPeerList[peer].Front()
	if front == nil {
		return
	}
	oldest := front.Value.(CapacityAnnouncement)
	c.perPeerList[peer].Remove(front)
	delete(c.perPeerIndex[peer], oldest.CreatedAt.Unix())

	key := annKey{peer: peer, createdAt: oldest.CreatedAt.Unix()}
	if gelem, ok := c.globalIndex[key]; ok {
		c.global.Remove(gelem)
		delete(c.globalIndex, key)
	}
}

// evictOldestGlobal drops the globally oldest entry across all peers.
// Caller must hold the lock.
func (c *announcementCache) evictOldestGlobal() {
	front := c.global.Front()
	if front == nil {
		return
	}
	key := front.Value.(annKey)
	c.global.Remove(front)
	delete(c.globalIndex, key)

	if elem, ok := c.perPeerIndex[key.peer][key.createdAt]; ok {
		c.perPeerList[key.peer].Remove(elem)
		delete(c.perPeerIndex[key.peer], key.createdAt)
	}
}

// RemovePeer drops every entry attributed to peer from both cache levels.
func (c *announcementCache) RemovePeer(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.perPeerIndex[peer]
	if !ok {
		return
	}
	for createdAt := range idx {
		key := annKey{peer: peer, createdAt: createdAt}
		if gelem, ok := c.globalIndex[key]; ok {
			c.global.Remove(gelem)
			delete(c.globalIndex, key)
		}
	}
	delete(c.perPeerList, peer)
	delete(c.perPeerIndex, peer)
}

// Query returns up to maxResults live (non-expired), filter-matching
// announcements, newest-first by global insertion order.
func (c *announcementCache) Query(filter QueryFilter, maxResults int) []CapacityAnnouncement {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []CapacityAnnouncement
	for elem := c.global.Back(); elem != nil; elem = elem.Prev() {
		key := elem.Value.(annKey)
		peerElem, ok := c.perPeerIndex[key.peer][key.createdAt]
		if !ok {
			continue
		}
		ann := peerElem.Value.(CapacityAnnouncement)
		if ann.IsExpired() {
			continue
		}
		if !ann.MatchesFilter(filter) {
			continue
		}
		out = append(out, ann)
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
	}
	return out
}

// TotalCount returns the number of announcements tracked globally.
func (c *announcementCache) TotalCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global.Len()
}

// PeerCount returns the number of distinct peers with cached announcements.
func (c *announcementCache) PeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.perPeerList)
}
