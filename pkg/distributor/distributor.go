// Package distributor reconciles the entries a peer holds against the
// entries the replicator view assigns to it.
//
// The distributor only plans. The owning log instance carries the plan out
// over the network and feeds the answers back, all from its event queue, so
// nothing here is locked. Timers only call the fire callback.
package distributor

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"sharedlog/pkg/entry"
	"sharedlog/pkg/ringview"
	"sharedlog/pkg/types"
)

var ErrQuorumUnconfirmed = errors.New("distributor: quorum unconfirmed")

type Options struct {
	// Debounce delays a confirmed deletion so a quick reassignment can cancel it.
	Debounce time.Duration
	// ConfirmTimeout bounds how long has requests stay open.
	ConfirmTimeout time.Duration
	Now            func() time.Time
}

func (o *Options) withDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Release is a held entry this peer no longer leads.
type Release struct {
	Hash    types.Hash
	Leaders []types.PeerID
}

// Plan is the outcome of one reconciliation.
type Plan struct {
	// Push lists held entries each leader has not been sent yet.
	Push map[types.PeerID][]types.Hash
	// Release lists entries to confirm before pruning.
	Release []Release
	// Cancelled lists pending deletions undone by reassignment.
	Cancelled []types.Hash
	Assigned  int
}

// Request is a has request to send to one peer.
type Request struct {
	ID     string
	To     types.PeerID
	Hashes []types.Hash
}

type request struct {
	to       types.PeerID
	hashes   []types.Hash
	deadline time.Time
}

type confirmation struct {
	need     int
	got      map[types.PeerID]struct{}
	deadline time.Time
}

type pendingDelete struct {
	timer *time.Timer
	gen   uint64
}

type Distributor struct {
	self types.PeerID
	opts Options

	sent     map[types.Hash]map[types.PeerID]struct{}
	requests map[string]request
	confirms map[types.Hash]*confirmation
	deletes  map[types.Hash]pendingDelete
	gen      uint64
}

func New(self types.PeerID, opts Options) *Distributor {
	opts.withDefaults()
	return &Distributor{
		self:     self,
		opts:     opts,
		sent:     make(map[types.Hash]map[types.PeerID]struct{}),
		requests: make(map[string]request),
		confirms: make(map[types.Hash]*confirmation),
		deletes:  make(map[types.Hash]pendingDelete),
	}
}

// Reconcile compares held entries with the view. Entries already waiting
// for confirmation or deletion are not released again.
func (d *Distributor) Reconcile(view *ringview.View, held []*entry.Entry) Plan {
	plan := Plan{Push: make(map[types.PeerID][]types.Hash)}
	for _, e := range held {
		leaders := view.LeadersOf(e.Gid)
		d.dropFormerLeaders(e.Hash, leaders)
		assigned := false
		others := make([]types.PeerID, 0, len(leaders))
		for _, l := range leaders {
			if l == d.self {
				assigned = true
				continue
			}
			others = append(others, l)
			if d.markSent(e.Hash, l) {
				plan.Push[l] = append(plan.Push[l], e.Hash)
			}
		}

		if assigned {
			plan.Assigned++
			if d.Cancel(e.Hash) {
				plan.Cancelled = append(plan.Cancelled, e.Hash)
			}
			delete(d.confirms, e.Hash)
			continue
		}
		if _, ok := d.deletes[e.Hash]; ok {
			continue
		}
		if _, ok := d.confirms[e.Hash]; ok {
			continue
		}
		if len(others) == 0 {
			continue
		}
		plan.Release = append(plan.Release, Release{Hash: e.Hash, Leaders: others})
	}
	return plan
}

// dropFormerLeaders forgets pushes to peers that no longer lead hash, so
// they are pushed to again if they lead it later.
func (d *Distributor) dropFormerLeaders(hash types.Hash, leaders []types.PeerID) {
	peers, ok := d.sent[hash]
	if !ok {
		return
	}
	for p := range peers {
		found := false
		for _, l := range leaders {
			if l == p {
				found = true
				break
			}
		}
		if !found {
			delete(peers, p)
		}
	}
}

func (d *Distributor) markSent(hash types.Hash, to types.PeerID) bool {
	peers, ok := d.sent[hash]
	if !ok {
		peers = make(map[types.PeerID]struct{})
		d.sent[hash] = peers
	}
	if _, ok := peers[to]; ok {
		return false
	}
	peers[to] = struct{}{}
	return true
}

// MarkSent records that to already has hash, e.g. because it sent it.
func (d *Distributor) MarkSent(hash types.Hash, to types.PeerID) {
	d.markSent(hash, to)
}

// ResetSent forgets every push, the next plan pushes all held entries to
// their leaders again.
func (d *Distributor) ResetSent() {
	d.sent = make(map[types.Hash]map[types.PeerID]struct{})
}

// Unsent forgets that hash went to peer, so the next plan pushes it again.
func (d *Distributor) Unsent(hash types.Hash, to types.PeerID) {
	if peers, ok := d.sent[hash]; ok {
		delete(peers, to)
	}
}

// Begin opens confirmations for releases and returns one request per peer.
// An entry needs every one of its other leaders to confirm it.
func (d *Distributor) Begin(releases []Release) []Request {
	deadline := d.opts.Now().Add(d.opts.ConfirmTimeout)
	byPeer := make(map[types.PeerID][]types.Hash)
	for _, r := range releases {
		d.confirms[r.Hash] = &confirmation{
			need:     len(r.Leaders),
			got:      make(map[types.PeerID]struct{}),
			deadline: deadline,
		}
		for _, l := range r.Leaders {
			byPeer[l] = append(byPeer[l], r.Hash)
		}
	}

	peers := make([]types.PeerID, 0, len(byPeer))
	for p := range byPeer {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	out := make([]Request, 0, len(peers))
	for _, p := range peers {
		id := uuid.NewString()
		d.requests[id] = request{to: p, hashes: byPeer[p], deadline: deadline}
		out = append(out, Request{ID: id, To: p, Hashes: byPeer[p]})
	}
	return out
}

// Ack records a has response and returns the hashes that just reached
// their quorum. Responses from anyone but the asked peer are ignored.
func (d *Distributor) Ack(id string, from types.PeerID, has []types.Hash) []types.Hash {
	req, ok := d.requests[id]
	if !ok || req.to != from {
		return nil
	}
	delete(d.requests, id)

	asked := make(map[types.Hash]struct{}, len(req.hashes))
	for _, h := range req.hashes {
		asked[h] = struct{}{}
	}
	var ready []types.Hash
	for _, h := range has {
		if _, ok := asked[h]; !ok {
			continue
		}
		c, ok := d.confirms[h]
		if !ok {
			continue
		}
		c.got[from] = struct{}{}
		if len(c.got) >= c.need {
			delete(d.confirms, h)
			ready = append(ready, h)
		}
	}
	return ready
}

// Expire drops confirmations and requests past their deadline and returns
// the hashes left unconfirmed. They are released again on the next plan.
func (d *Distributor) Expire() []types.Hash {
	now := d.opts.Now()
	var out []types.Hash
	for h, c := range d.confirms {
		if now.After(c.deadline) {
			delete(d.confirms, h)
			out = append(out, h)
		}
	}
	for id, r := range d.requests {
		if now.After(r.deadline) {
			delete(d.requests, id)
		}
	}
	sort.Strings(out)
	return out
}

// Schedule arms the debounced deletion of hash. fire runs on the timer
// goroutine with the generation Take expects.
func (d *Distributor) Schedule(hash types.Hash, fire func(types.Hash, uint64)) {
	d.Cancel(hash)
	d.gen++
	gen := d.gen
	d.deletes[hash] = pendingDelete{
		timer: time.AfterFunc(d.opts.Debounce, func() { fire(hash, gen) }),
		gen:   gen,
	}
}

// Take claims a fired deletion. False when it was cancelled or rescheduled.
func (d *Distributor) Take(hash types.Hash, gen uint64) bool {
	p, ok := d.deletes[hash]
	if !ok || p.gen != gen {
		return false
	}
	delete(d.deletes, hash)
	return true
}

// Cancel disarms a pending deletion.
func (d *Distributor) Cancel(hash types.Hash) bool {
	p, ok := d.deletes[hash]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.deletes, hash)
	return true
}

func (d *Distributor) Scheduled(hash types.Hash) bool {
	_, ok := d.deletes[hash]
	return ok
}

// Done forgets hash after it was removed locally.
func (d *Distributor) Done(hash types.Hash) {
	d.Cancel(hash)
	delete(d.sent, hash)
	delete(d.confirms, hash)
}

// Forget clears what was sent to peer, used when it reconnects.
func (d *Distributor) Forget(peer types.PeerID) {
	for _, peers := range d.sent {
		delete(peers, peer)
	}
}

// Close stops every pending deletion.
func (d *Distributor) Close() {
	for h, p := range d.deletes {
		p.timer.Stop()
		delete(d.deletes, h)
	}
	d.requests = make(map[string]request)
	d.confirms = make(map[types.Hash]*confirmation)
}
