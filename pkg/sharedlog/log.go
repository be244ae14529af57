// Package sharedlog runs open shared logs.
//
// A Log is an actor: every mutation of its DAG, role, peer table and
// distributor happens on one event queue. Transport events, timers and API
// calls are turned into events. Network sends go through a bounded outbox
// published by a small pool of goroutines. The queue never waits on the
// network: when the outbox is full the message is dropped and counted, the
// periodic distribution and confirmation retries cover for it.
package sharedlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"sharedlog/pkg/distributor"
	"sharedlog/pkg/entry"
	"sharedlog/pkg/listener"
	plog "sharedlog/pkg/log"
	"sharedlog/pkg/metrics"
	"sharedlog/pkg/rebalance"
	"sharedlog/pkg/ringview"
	"sharedlog/pkg/role"
	"sharedlog/pkg/transport"
	"sharedlog/pkg/types"
)

var ErrClosed = errors.New("sharedlog: closed")

const (
	pushChunk   = 128
	resyncEvery = 10
)

type event interface{ isEvent() }

type transportEvent struct{ ev transport.Event }

type tick uint8

const (
	tickDistribute tick = iota
	tickRebalance
)

type tickEvent struct{ kind tick }

type callEvent struct {
	fn   func()
	done chan struct{}
}

type deleteEvent struct {
	hash types.Hash
	gen  uint64
}

func (transportEvent) isEvent() {}
func (tickEvent) isEvent()      {}
func (callEvent) isEvent()      {}
func (deleteEvent) isEvent()    {}

type outbound struct {
	kind kind
	data []byte
	mode transport.DeliveryMode
}

type peerState struct {
	role role.Role
	ts   int64
	seen time.Time
}

// PeerInfo is what a log knows about another peer.
type PeerInfo struct {
	Peer      types.PeerID `json:"peer"`
	Role      string       `json:"role"`
	Factor    float64      `json:"factor"`
	Timestamp int64        `json:"timestamp"`
	Reachable bool         `json:"reachable"`
}

type fetchState struct {
	b        *backoff.ExponentialBackOff
	due      time.Time
	from     types.PeerID
	attempts int
}

type roleBox struct{ r role.Role }

type Log struct {
	opts    Options
	self    types.PeerID
	topic   string
	logger  *slog.Logger
	metrics *metrics.Log

	dag  *plog.Log
	sub  transport.Subscription
	dist *distributor.Distributor
	gate *rebalance.Gate

	view atomic.Pointer[ringview.View]
	role atomic.Pointer[roleBox]

	// owned by the event queue
	peers        map[types.PeerID]peerState
	reachable    map[types.PeerID]struct{}
	fetching     map[types.Hash]*fetchState
	lastAnnounce int64
	reannounce   bool
	ticks        int

	events   chan event
	outbox   chan outbound
	nudge    chan struct{}
	listener *listener.Listener[event]
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group

	closed    atomic.Bool
	closeOnce sync.Once
}

// Open subscribes to the log topic and starts the instance.
func Open(ctx context.Context, opts Options) (*Log, error) {
	switch {
	case opts.Name == "":
		return nil, fmt.Errorf("sharedlog: empty log name")
	case opts.Identity == nil:
		return nil, fmt.Errorf("sharedlog: identity is required")
	case opts.Transport == nil:
		return nil, fmt.Errorf("sharedlog: transport is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("sharedlog: block store is required")
	}
	opts.withDefaults()

	self := opts.Identity.PeerID()
	topic := Topic(opts.Name)
	sub, err := opts.Transport.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)
	l := &Log{
		opts:    opts,
		self:    self,
		topic:   topic,
		logger:  opts.Logger.With("log", opts.Name, "peer", self),
		metrics: opts.Metrics.Log(opts.Name),
		dag:     plog.New(opts.Store),
		sub:     sub,
		dist: distributor.New(self, distributor.Options{
			Debounce:       opts.Debounce,
			ConfirmTimeout: opts.ConfirmTimeout,
			Now:            opts.Now,
		}),
		gate:      rebalance.NewGate(opts.AnnounceEvery, 1, opts.AnnounceEpsilon),
		peers:     make(map[types.PeerID]peerState),
		reachable: make(map[types.PeerID]struct{}),
		fetching:  make(map[types.Hash]*fetchState),
		events:    make(chan event, defaultQueueSize),
		outbox:    make(chan outbound, opts.OutboxSize),
		nudge:     make(chan struct{}, 1),
		ctx:       gctx,
		cancel:    cancel,
		group:     group,
	}
	l.role.Store(&roleBox{r: opts.Role})
	l.rebuildView()
	if n, err := l.dag.Load(ctx); err != nil {
		l.logger.Warn("restoring stored entries", "restored", n, "error", err)
	} else if n > 0 {
		l.logger.Info("stored entries restored", "count", n)
	}
	l.updateHeld()

	l.listener = listener.New(l.events, l.handle).WithLogger(l.logger)
	l.listener.Start(gctx)
	group.Go(l.pump)
	group.Go(l.sender)
	group.Go(l.timers)

	if err := l.call(ctx, func() {
		l.gate.Force(role.Factor(l.Role()))
		l.announce(transport.AnyWhere{})
		l.send(kindRoleRequest, roleRequest{}, transport.AnyWhere{})
	}); err != nil {
		l.Close()
		return nil, err
	}
	l.logger.Info("log opened", "role", role.String(opts.Role))
	return l, nil
}

func (l *Log) Name() string          { return l.opts.Name }
func (l *Log) Self() types.PeerID    { return l.self }
func (l *Log) Role() role.Role       { return l.role.Load().r }
func (l *Log) View() *ringview.View  { return l.view.Load() }
func (l *Log) Heads() []types.Hash   { return l.dag.Heads() }
func (l *Log) Len() int              { return l.dag.Len() }
func (l *Log) MemoryUsage() int64    { return l.dag.MemoryUsage() }
func (l *Log) Pending() []types.Hash { return l.dag.Pending() }

func (l *Log) Get(hash types.Hash) (*entry.Entry, bool) { return l.dag.Get(hash) }

func (l *Log) Has(hash types.Hash) bool { return l.dag.Has(hash) }

func (l *Log) Entries() []*entry.Entry { return l.dag.Entries() }

// Block returns the encoded entry held under hash.
func (l *Log) Block(ctx context.Context, hash types.Hash) ([]byte, error) {
	return l.dag.Block(ctx, hash)
}

// ReplicatorsSorted lists the replicators in ring order.
func (l *Log) ReplicatorsSorted() []types.PeerID {
	return l.View().Sorted()
}

// ReplicatorUnion lists the peers a complete read has to ask.
func (l *Log) ReplicatorUnion(offset int) []types.PeerID {
	return l.View().Union(offset)
}

// AppendOptions tune Append. Next defaults to the current heads, Root
// starts a new causal group instead.
type AppendOptions struct {
	Next    []*entry.Entry
	Root    bool
	Gid     types.Gid
	GidSeed []byte
	Meta    entry.Meta
}

// Append creates an entry, joins it and hands it to its replicators.
func (l *Log) Append(ctx context.Context, data []byte, opts AppendOptions) (*entry.Entry, error) {
	var (
		e   *entry.Entry
		err error
	)
	callErr := l.call(ctx, func() {
		next := opts.Next
		if opts.Root {
			next = []*entry.Entry{}
		}
		e, err = l.dag.Append(l.ctx, entry.CreateParams{
			Data:     data,
			Next:     next,
			Meta:     opts.Meta,
			Identity: l.opts.Identity,
			Gid:      opts.Gid,
			GidSeed:  opts.GidSeed,
			Now:      l.opts.Now,
		})
		if err == nil {
			l.distribute()
			l.updateHeld()
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	return e, err
}

// Join merges entries obtained out of band.
func (l *Log) Join(ctx context.Context, entries []*entry.Entry) (plog.JoinResult, error) {
	var (
		res plog.JoinResult
		err error
	)
	callErr := l.call(ctx, func() {
		res, err = l.join(entries, "")
	})
	if callErr != nil {
		return res, callErr
	}
	return res, err
}

// SetRole changes the local role and announces it right away.
func (l *Log) SetRole(ctx context.Context, r role.Role) error {
	if r == nil {
		return fmt.Errorf("sharedlog: nil role")
	}
	return l.call(ctx, func() {
		l.role.Store(&roleBox{r: r})
		l.gate.Force(role.Factor(r))
		l.announce(transport.AnyWhere{})
		l.rebuildView()
		l.distribute()
		l.nudgeRebalance()
		l.logger.Info("role changed", "role", role.String(r))
	})
}

// Peers returns the announced peers.
func (l *Log) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := l.call(ctx, func() {
		for id, st := range l.peers {
			_, reachable := l.reachable[id]
			out = append(out, PeerInfo{
				Peer:      id,
				Role:      role.String(st.role),
				Factor:    role.Factor(st.role),
				Timestamp: st.ts,
				Reachable: reachable,
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out, err
}

// Close stops the instance. Pending deletions are cancelled and results
// arriving later are dropped.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.cancel()
		l.listener.Stop()
		if err := l.group.Wait(); err != nil {
			l.logger.Warn("log goroutines stopped with error", "error", err)
		}
		l.dist.Close()
		if err := l.sub.Close(); err != nil {
			l.logger.Warn("unsubscribe", "error", err)
		}
		l.metrics.Forget()
		l.logger.Info("log closed")
	})
	return nil
}

func (l *Log) enqueue(ev event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// call runs fn on the event queue and waits for it.
func (l *Log) call(ctx context.Context, fn func()) error {
	if l.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case l.events <- callEvent{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrClosed
	}
}

func (l *Log) pump() error {
	for {
		select {
		case ev, ok := <-l.sub.Events():
			if !ok {
				return nil
			}
			if !l.enqueue(transportEvent{ev: ev}) {
				return nil
			}
		case <-l.ctx.Done():
			return nil
		}
	}
}

// sender publishes the outbox with at most SendConcurrency sends in flight,
// so one slow peer does not hold back the rest.
func (l *Log) sender() error {
	var g errgroup.Group
	g.SetLimit(l.opts.SendConcurrency)
	defer g.Wait()
	for {
		select {
		case m := <-l.outbox:
			g.Go(func() error {
				l.publish(m)
				return nil
			})
		case <-l.ctx.Done():
			return nil
		}
	}
}

func (l *Log) publish(m outbound) {
	if err := l.opts.Transport.Publish(l.ctx, l.topic, m.data, m.mode); err != nil {
		if l.ctx.Err() == nil {
			l.logger.Debug("publish failed", "kind", m.kind, "error", err)
		}
		return
	}
	l.metrics.Sent(m.kind.String())
}

func (l *Log) timers() error {
	distribute := time.NewTicker(l.opts.DistributeInterval)
	defer distribute.Stop()
	rebalanceT := time.NewTicker(l.opts.RebalanceInterval)
	defer rebalanceT.Stop()
	for {
		select {
		case <-distribute.C:
			l.enqueue(tickEvent{kind: tickDistribute})
		case <-rebalanceT.C:
			l.enqueue(tickEvent{kind: tickRebalance})
		case <-l.nudge:
			l.enqueue(tickEvent{kind: tickRebalance})
		case <-l.ctx.Done():
			return nil
		}
	}
}

func (l *Log) handle(ev event) error {
	switch ev := ev.(type) {
	case callEvent:
		ev.fn()
		close(ev.done)
	case transportEvent:
		return l.onTransport(ev.ev)
	case tickEvent:
		switch ev.kind {
		case tickDistribute:
			l.onDistributeTick()
		case tickRebalance:
			l.rebalance()
		}
	case deleteEvent:
		return l.onDelete(ev)
	}
	return nil
}

func (l *Log) onTransport(ev transport.Event) error {
	switch ev := ev.(type) {
	case transport.PeerReachable:
		l.reachable[ev.Peer] = struct{}{}
		l.dist.Forget(ev.Peer)
		l.announce(transport.Silent{To: []types.PeerID{ev.Peer}})
		l.logger.Debug("peer reachable", "remote", ev.Peer)
	case transport.PeerUnreachable:
		delete(l.reachable, ev.Peer)
		if _, ok := l.peers[ev.Peer]; ok {
			delete(l.peers, ev.Peer)
			l.rebuildView()
			l.distribute()
			l.nudgeRebalance()
		}
		l.logger.Debug("peer unreachable", "remote", ev.Peer)
	case transport.Data:
		return l.onMessage(ev.From, ev.Bytes)
	}
	return nil
}

func (l *Log) onMessage(from types.PeerID, data []byte) error {
	env, err := decode(data)
	if err != nil {
		return fmt.Errorf("message from %s: %w", from, err)
	}
	l.metrics.Received(env.Kind.String())
	switch env.Kind {
	case kindAnnounce:
		var a Announcement
		if err := msgpack.Unmarshal(env.Body, &a); err != nil {
			return fmt.Errorf("announce from %s: %w", from, err)
		}
		return l.onAnnounce(a)
	case kindEntries:
		var m entriesMessage
		if err := msgpack.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("entries from %s: %w", from, err)
		}
		return l.onEntries(from, m)
	case kindFetch:
		var m fetchMessage
		if err := msgpack.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("fetch from %s: %w", from, err)
		}
		l.onFetch(from, m)
	case kindHasRequest:
		var m hasRequest
		if err := msgpack.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("has request from %s: %w", from, err)
		}
		l.onHasRequest(from, m)
	case kindHasResponse:
		var m hasResponse
		if err := msgpack.Unmarshal(env.Body, &m); err != nil {
			return fmt.Errorf("has response from %s: %w", from, err)
		}
		l.onHasResponse(from, m)
	case kindRoleRequest:
		l.announce(transport.Silent{To: []types.PeerID{from}})
	default:
		return fmt.Errorf("unknown message kind %d from %s", env.Kind, from)
	}
	return nil
}

func (l *Log) onAnnounce(a Announcement) error {
	if err := a.verify(); err != nil {
		return err
	}
	if a.Peer == l.self {
		return nil
	}
	prev, known := l.peers[a.Peer]
	if known && a.Timestamp <= prev.ts {
		l.metrics.StaleAnnouncement()
		l.logger.Debug("stale announcement", "remote", a.Peer, "ts", a.Timestamp, "known", prev.ts)
		return nil
	}
	r, err := role.FromWire(a.Role)
	if err != nil {
		return fmt.Errorf("announce from %s: %w", a.Peer, err)
	}
	l.peers[a.Peer] = peerState{role: r, ts: a.Timestamp, seen: l.opts.Now()}
	if !known || role.Factor(prev.role) != role.Factor(r) {
		l.rebuildView()
		l.distribute()
		l.nudgeRebalance()
	}
	return nil
}

func (l *Log) onEntries(from types.PeerID, m entriesMessage) error {
	view := l.View()
	accepted := make([]*entry.Entry, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		e, err := entry.Decode(b)
		if err != nil {
			l.logger.Warn("dropping bad entry", "remote", from, "error", err)
			continue
		}
		if !m.Fetched && !view.IsLeader(e.Gid, l.self) {
			continue
		}
		accepted = append(accepted, e)
	}
	if len(accepted) == 0 {
		return nil
	}
	for _, e := range accepted {
		l.dist.MarkSent(e.Hash, from)
	}
	_, err := l.join(accepted, from)
	return err
}

// join merges entries and starts fetching what they are missing.
func (l *Log) join(entries []*entry.Entry, from types.PeerID) (plog.JoinResult, error) {
	res, err := l.dag.Join(l.ctx, entries)
	for _, h := range res.Added {
		delete(l.fetching, h)
	}
	if err == nil {
		if missing := res.Err(); missing != nil {
			l.logger.Debug("join incomplete", "error", missing)
			l.scheduleFetch(res.Missing, from)
		}
	}
	if len(res.Added) > 0 {
		l.distribute()
	}
	l.updateHeld()
	return res, err
}

func (l *Log) scheduleFetch(hashes []types.Hash, from types.PeerID) {
	now := l.opts.Now()
	for _, h := range hashes {
		if _, ok := l.fetching[h]; ok {
			continue
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = l.opts.FetchInitial
		b.MaxInterval = l.opts.FetchMax
		b.MaxElapsedTime = 0
		b.Reset()
		l.fetching[h] = &fetchState{b: b, due: now, from: from}
	}
	l.retryFetches()
}

// retryFetches asks for due missing predecessors. Odd attempts go to the
// peer that sent the dependent entry, even ones to everybody.
func (l *Log) retryFetches() {
	now := l.opts.Now()
	byPeer := make(map[types.PeerID][]types.Hash)
	for h, st := range l.fetching {
		if l.dag.Has(h) {
			delete(l.fetching, h)
			continue
		}
		if now.Before(st.due) {
			continue
		}
		to := st.from
		if st.attempts%2 == 1 {
			to = ""
		}
		st.attempts++
		st.due = now.Add(st.b.NextBackOff())
		byPeer[to] = append(byPeer[to], h)
	}
	for to, hashes := range byPeer {
		sort.Strings(hashes)
		var mode transport.DeliveryMode = transport.AnyWhere{}
		if to != "" {
			mode = transport.Silent{To: []types.PeerID{to}}
		}
		l.send(kindFetch, fetchMessage{ID: uuid.NewString(), Hashes: hashes}, mode)
	}
}

func (l *Log) onFetch(from types.PeerID, m fetchMessage) {
	blocks := make([][]byte, 0, len(m.Hashes))
	for _, h := range m.Hashes {
		b, err := l.dag.Block(l.ctx, h)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 {
		return
	}
	l.send(kindEntries, entriesMessage{Blocks: blocks, Fetched: true}, transport.Silent{To: []types.PeerID{from}})
}

func (l *Log) onHasRequest(from types.PeerID, m hasRequest) {
	has := make([]types.Hash, 0, len(m.Hashes))
	for _, h := range m.Hashes {
		if l.dag.Has(h) {
			has = append(has, h)
		}
	}
	l.send(kindHasResponse, hasResponse{ID: m.ID, Has: has}, transport.Silent{To: []types.PeerID{from}})
}

func (l *Log) onHasResponse(from types.PeerID, m hasResponse) {
	view := l.View()
	for _, h := range l.dist.Ack(m.ID, from, m.Has) {
		e, ok := l.dag.Get(h)
		if !ok || view.IsLeader(e.Gid, l.self) {
			continue
		}
		l.dist.Schedule(h, l.fireDelete)
	}
}

// fireDelete runs on a timer goroutine.
func (l *Log) fireDelete(hash types.Hash, gen uint64) {
	l.enqueue(deleteEvent{hash: hash, gen: gen})
}

func (l *Log) onDelete(ev deleteEvent) error {
	if !l.dist.Take(ev.hash, ev.gen) {
		return nil
	}
	e, ok := l.dag.Get(ev.hash)
	if !ok {
		l.dist.Done(ev.hash)
		return nil
	}
	if l.View().IsLeader(e.Gid, l.self) {
		return nil
	}
	if err := l.dag.Remove(l.ctx, ev.hash); err != nil {
		return fmt.Errorf("prune %s: %w", ev.hash, err)
	}
	l.dist.Done(ev.hash)
	l.metrics.Pruned()
	l.updateHeld()
	return nil
}

func (l *Log) onDistributeTick() {
	if expired := l.dist.Expire(); len(expired) > 0 {
		l.metrics.QuorumUnconfirmed(len(expired))
		l.logger.Debug("retaining entries", "count", len(expired), "error", distributor.ErrQuorumUnconfirmed)
	}
	if l.reannounce {
		l.reannounce = false
		l.announce(transport.AnyWhere{})
	}
	l.ticks++
	if l.ticks%resyncEvery == 0 {
		l.dist.ResetSent()
	}
	l.retryFetches()
	l.distribute()
	l.updateHeld()
}

// distribute pushes held entries to their leaders and starts confirming
// the ones this peer no longer leads.
func (l *Log) distribute() {
	plan := l.dist.Reconcile(l.View(), l.dag.Entries())

	peers := make([]types.PeerID, 0, len(plan.Push))
	for p := range plan.Push {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, p := range peers {
		hashes := plan.Push[p]
		for start := 0; start < len(hashes); start += pushChunk {
			end := min(start+pushChunk, len(hashes))
			blocks := make([][]byte, 0, end-start)
			for _, h := range hashes[start:end] {
				b, err := l.dag.Block(l.ctx, h)
				if err != nil {
					l.dist.Unsent(h, p)
					continue
				}
				blocks = append(blocks, b)
			}
			if len(blocks) > 0 {
				l.send(kindEntries, entriesMessage{Blocks: blocks}, transport.Silent{To: []types.PeerID{p}})
			}
		}
	}

	for _, req := range l.dist.Begin(plan.Release) {
		l.send(kindHasRequest, hasRequest{ID: req.ID, Hashes: req.Hashes}, transport.Silent{To: []types.PeerID{req.To}})
	}
	if len(plan.Cancelled) > 0 {
		l.logger.Debug("pending deletions cancelled", "count", len(plan.Cancelled))
	}
}

// rebalance runs one round of the factor controller.
func (l *Log) rebalance() {
	rep, ok := l.Role().(role.Replicator)
	if !ok || rep.Fixed || !role.IsActive(rep) {
		return
	}
	view := l.View()
	assigned := l.dag.UsageOf(func(e *entry.Entry) bool {
		return view.IsLeader(e.Gid, l.self)
	})
	obs := rebalance.Observation{
		Factor: rep.Factor,
		Usage:  assigned,
		Held:   l.dag.MemoryUsage(),
		Limit:  rep.Limits.Memory,
	}
	for _, st := range l.peers {
		if f := role.Factor(st.role); f > 0 {
			obs.Others = append(obs.Others, f)
		}
	}
	sort.Float64s(obs.Others)
	obs.Replicas = l.opts.Replication.Leaders(obs.Active())

	next, err := rebalance.New(rep.Objective).Next(obs)
	if err != nil {
		l.metrics.ObjectiveError()
		l.logger.Warn("rebalance fell back to even split", "factor", next, "error", err)
		l.gate.Force(next)
	} else if math.Abs(next-rep.Factor) < 1e-12 || !l.gate.Allow(next) {
		// the view only follows factors peers have been told about
		return
	}
	rep.Factor = next
	l.role.Store(&roleBox{r: rep})
	l.announce(transport.AnyWhere{})
	l.rebuildView()
	l.distribute()
}

func (l *Log) announce(mode transport.DeliveryMode) {
	ts := l.opts.Now().UnixMilli()
	if ts <= l.lastAnnounce {
		ts = l.lastAnnounce + 1
	}
	l.lastAnnounce = ts
	a, err := signAnnouncement(Announcement{
		Peer:      l.self,
		Role:      role.ToWire(l.Role()),
		Timestamp: ts,
	}, l.opts.Identity)
	if err != nil {
		l.logger.Error("sign announcement", "error", err)
		return
	}
	l.send(kindAnnounce, a, mode)
}

func (l *Log) send(k kind, body any, mode transport.DeliveryMode) {
	data, err := encode(k, body)
	if err != nil {
		l.logger.Error("encode message", "kind", k, "error", err)
		return
	}
	select {
	case l.outbox <- outbound{kind: k, data: data, mode: mode}:
	default:
		l.metrics.Dropped(k.String())
		l.logger.Debug("outbox full, message dropped", "kind", k)
		if k == kindAnnounce {
			l.reannounce = true
		}
	}
}

// nudgeRebalance asks for a rebalancing round ahead of the ticker.
func (l *Log) nudgeRebalance() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

func (l *Log) rebuildView() {
	factors := make(map[types.PeerID]float64, len(l.peers)+1)
	for id, st := range l.peers {
		factors[id] = role.Factor(st.role)
	}
	factors[l.self] = role.Factor(l.Role())
	v := ringview.New(l.self, l.opts.Replication, factors)
	l.view.Store(v)
	l.metrics.Factor(factors[l.self], v.Len())
}

func (l *Log) updateHeld() {
	l.metrics.Held(l.dag.Len(), len(l.dag.Pending()), l.dag.MemoryUsage())
}
