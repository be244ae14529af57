// Package ringview maps entries to the peers responsible for them.
//
// Active replicators are placed on a [0,1) ring by a hash of their id and
// own contiguous arcs, in ring order, whose widths are their factors
// normalized to sum to 1. An entry's slot is a hash of its gid, so a causal
// group always lands on the same peers. A View is an immutable snapshot,
// every peer holding the same announcements computes the same answers.
package ringview

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"

	"github.com/google/btree"

	"sharedlog/pkg/replication"
	"sharedlog/pkg/types"
)

const (
	peerDomain = "sharedlog/ring/peer"
	gidDomain  = "sharedlog/ring/gid"

	epsilon = 1e-9
)

// Point maps a domain separated hash to [0,1).
func Point(domain string, key string) float64 {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte(key))
	sum := h.Sum(nil)
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// Slot is the ring position of a causal group.
func Slot(gid types.Gid) float64 {
	return Point(gidDomain, gid)
}

// Peer is an active replicator and its arc.
type Peer struct {
	ID     types.PeerID
	Factor float64
	Point  float64
	// Offset and Width describe the arc, Offset relative to the first peer.
	Offset float64
	Width  float64
}

type arc struct {
	offset float64
	idx    int
}

func (a arc) Less(than btree.Item) bool {
	return a.offset < than.(arc).offset
}

type View struct {
	self   types.PeerID
	policy replication.Factor
	peers  []Peer
	index  map[types.PeerID]int
	arcs   *btree.BTree
	origin float64
}

// New builds a view from the factors of known peers. Peers with factor <= 0
// are not replicators.
func New(self types.PeerID, policy replication.Factor, factors map[types.PeerID]float64) *View {
	v := &View{
		self:   self,
		policy: policy,
		index:  make(map[types.PeerID]int),
		arcs:   btree.New(8),
	}
	var total float64
	for id, f := range factors {
		if f <= 0 || math.IsNaN(f) {
			continue
		}
		v.peers = append(v.peers, Peer{ID: id, Factor: f, Point: Point(peerDomain, string(id))})
		total += f
	}
	// упорядочиваем по позиции на кольце, id разрешает коллизии
	sort.Slice(v.peers, func(i, j int) bool {
		if v.peers[i].Point != v.peers[j].Point {
			return v.peers[i].Point < v.peers[j].Point
		}
		return v.peers[i].ID < v.peers[j].ID
	})

	var offset float64
	for i := range v.peers {
		p := &v.peers[i]
		p.Offset = offset
		p.Width = p.Factor / total
		offset += p.Width
		v.index[p.ID] = i
		v.arcs.ReplaceOrInsert(arc{offset: p.Offset, idx: i})
	}
	if len(v.peers) > 0 {
		v.origin = v.peers[0].Point
	}
	return v
}

func (v *View) Self() types.PeerID { return v.self }

func (v *View) Policy() replication.Factor { return v.policy }

// Len is the number of active replicators.
func (v *View) Len() int { return len(v.peers) }

func (v *View) Peers() []Peer {
	return append([]Peer(nil), v.peers...)
}

// Peer returns the arc of id if it is an active replicator.
func (v *View) Peer(id types.PeerID) (Peer, bool) {
	i, ok := v.index[id]
	if !ok {
		return Peer{}, false
	}
	return v.peers[i], true
}

// Leaders is the replica count k for the current peer set.
func (v *View) Leaders() int {
	if len(v.peers) == 0 {
		return 1
	}
	return v.policy.Leaders(len(v.peers))
}

// owner returns the index of the peer whose arc covers x.
func (v *View) owner(x float64) int {
	rel := math.Mod(x-v.origin+1, 1)
	idx := 0
	v.arcs.DescendLessOrEqual(arc{offset: rel}, func(i btree.Item) bool {
		idx = i.(arc).idx
		return false
	})
	return idx
}

// LeadersOf returns the k distinct peers responsible for gid, the first
// one owning the gid slot. With no replicators the local peer is the only
// leader.
func (v *View) LeadersOf(gid types.Gid) []types.PeerID {
	n := len(v.peers)
	if n == 0 {
		return []types.PeerID{v.self}
	}
	k := v.Leaders()
	slot := Slot(gid)
	chosen := make(map[int]struct{}, k)
	out := make([]types.PeerID, 0, k)
	for j := 0; j < k; j++ {
		idx := v.owner(slot + float64(j)/float64(k))
		for {
			if _, dup := chosen[idx]; !dup {
				break
			}
			idx = (idx + 1) % n
		}
		chosen[idx] = struct{}{}
		out = append(out, v.peers[idx].ID)
	}
	return out
}

// IsLeader reports whether id is among the leaders of gid.
func (v *View) IsLeader(gid types.Gid, id types.PeerID) bool {
	for _, p := range v.LeadersOf(gid) {
		if p == id {
			return true
		}
	}
	return false
}

// Sorted returns the replicators in ring order. The local peer alone when
// there are none.
func (v *View) Sorted() []types.PeerID {
	if len(v.peers) == 0 {
		return []types.PeerID{v.self}
	}
	out := make([]types.PeerID, len(v.peers))
	for i, p := range v.peers {
		out[i] = p.ID
	}
	return out
}

// wanted is the unclamped minimum replica count.
func (v *View) wanted() int {
	lo := v.policy.Min
	if lo == nil {
		lo = replication.DefaultMin
	}
	return lo.Count(len(v.peers))
}

// Union returns the shortest run of Sorted, starting offset positions after
// the local peer (or after the first peer when the local peer does not
// replicate), whose arcs add up to 1/k. Every gid has a leader in it, so
// asking the union answers a read for the whole log. When more replicas are
// wanted than there are peers the union is everyone.
func (v *View) Union(offset int) []types.PeerID {
	n := len(v.peers)
	if n == 0 {
		return []types.PeerID{v.self}
	}
	start := 0
	if i, ok := v.index[v.self]; ok {
		start = i
	}
	start = ((start+offset)%n + n) % n

	if v.wanted() > n {
		out := make([]types.PeerID, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, v.peers[(start+i)%n].ID)
		}
		return out
	}

	need := 1 / float64(v.Leaders())
	var (
		covered float64
		out     []types.PeerID
	)
	for i := 0; i < n; i++ {
		p := v.peers[(start+i)%n]
		out = append(out, p.ID)
		covered += p.Width
		if covered+epsilon >= need {
			break
		}
	}
	return out
}

// Share is the expected fraction of gids id leads.
func (v *View) Share(id types.PeerID) float64 {
	p, ok := v.Peer(id)
	if !ok {
		if len(v.peers) == 0 && id == v.self {
			return 1
		}
		return 0
	}
	return math.Min(1, float64(v.Leaders())*p.Width)
}
