package dht

import (
	"container/list"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// K is the maximum number of peers held in a single bucket.
const K = 20

// NumBuckets is the number of distance buckets, one per bit of the
// identifier.
const NumBuckets = IDLength * 8

// PeerInfo identifies a remote node: its identifier and the public key the
// identifier was derived from.
type PeerInfo struct {
	ID        NodeID `json:"id"`
	PubKeyHex string `json:"pub_key_hex"`
}

// bucket is an LRU list of peers: least-recently-seen at the front,
// most-recently-seen at the back.
type bucket struct {
	peers *list.List //of *PeerInfo
}

func newBucket() *bucket {
	return &bucket{peers: list.New()}
}

func (b *bucket) find(id NodeID) *list.Element {
	for e := b.peers.Front(); e != nil; e = e.Next() {
		if e.Value.(*PeerInfo).ID == id {
			return e
		}
	}
	return nil
}

// add inserts or refreshes a peer. A peer that is already present moves to
// the back (most recently seen). When the bucket is full, the
// least-recently-seen peer at the front is evicted to make room.
func (b *bucket) add(info *PeerInfo) (evicted *PeerInfo) {
	if e := b.find(info.ID); e != nil {
		e.Value = info
		b.peers.MoveToBack(e)
		return nil
	}

	if b.peers.Len() >= K {
		front := b.peers.Front()
		evicted = front.Value.(*PeerInfo)
		b.peers.Remove(front)
	}

	b.peers.PushBack(info)
	return evicted
}

func (b *bucket) remove(id NodeID) bool {
	if e := b.find(id); e != nil {
		b.peers.Remove(e)
		return true
	}
	return false
}

// RoutingTable is a Kademlia routing table keyed on the XOR distance to the
// local node.
type RoutingTable struct {
	sync.RWMutex

	localID NodeID
	buckets [NumBuckets]*bucket
	logger  *logrus.Entry
}

// NewRoutingTable instantiates a RoutingTable centered on the given local
// identifier.
func NewRoutingTable(localID NodeID, logger *logrus.Entry) *RoutingTable {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	rt := &RoutingTable{
		localID: localID,
		logger:  logger,
	}

	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}

	return rt
}

// AddPeer inserts or refreshes a peer in the bucket corresponding to its
// distance from the local node. The local node itself is never added.
func (rt *RoutingTable) AddPeer(info *PeerInfo) {
	index := rt.localID.Distance(info.ID).BucketIndex()
	if index < 0 {
		return
	}

	rt.Lock()
	evicted := rt.buckets[index].add(info)
	rt.Unlock()

	if evicted != nil {
		rt.logger.WithFields(logrus.Fields{
			"bucket":  index,
			"evicted": evicted.ID.String(),
			"added":   info.ID.String(),
		}).Debug("Bucket full, evicted least-recently-seen peer")
	}
}

// RemovePeer drops a peer from the table. It is a no-op if the peer is
// unknown.
func (rt *RoutingTable) RemovePeer(id NodeID) {
	index := rt.localID.Distance(id).BucketIndex()
	if index < 0 {
		return
	}

	rt.Lock()
	defer rt.Unlock()

	rt.buckets[index].remove(id)
}

// FindClosest returns up to count peers, sorted by ascending XOR distance
// to the target.
func (rt *RoutingTable) FindClosest(target NodeID, count int) []*PeerInfo {
	all := rt.GetAllPeers()

	sort.Slice(all, func(i, j int) bool {
		di := all[i].ID.Distance(target)
		dj := all[j].ID.Distance(target)
		return di.Less(dj)
	})

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// GetAllPeers returns every peer known to the table.
func (rt *RoutingTable) GetAllPeers() []*PeerInfo {
	rt.RLock()
	defer rt.RUnlock()

	res := []*PeerInfo{}
	for _, b := range rt.buckets {
		for e := b.peers.Front(); e != nil; e = e.Next() {
			res = append(res, e.Value.(*PeerInfo))
		}
	}
	return res
}

// GetPeerCount returns the number of peers in the table.
func (rt *RoutingTable) GetPeerCount() int {
	rt.RLock()
	defer rt.RUnlock()

	count := 0
	for _, b := range rt.buckets {
		count += b.peers.Len()
	}
	return count
}
