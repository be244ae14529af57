package sharedlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/entry"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/metrics"
	"sharedlog/pkg/replication"
	"sharedlog/pkg/role"
	"sharedlog/pkg/transport"
	"sharedlog/pkg/transport/memory"
	"sharedlog/pkg/types"
)

const logName = "events"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions(r role.Role) Options {
	return Options{
		Name:               logName,
		Role:               r,
		RebalanceInterval:  20 * time.Millisecond,
		DistributeInterval: 20 * time.Millisecond,
		Debounce:           30 * time.Millisecond,
		ConfirmTimeout:     300 * time.Millisecond,
		AnnounceEvery:      time.Millisecond,
		FetchInitial:       10 * time.Millisecond,
		FetchMax:           100 * time.Millisecond,
	}
}

// openPeers starts one node per role on a shared hub.
func openPeers(t *testing.T, roles ...role.Role) (*memory.Hub, []*Log) {
	t.Helper()
	opts := make([]Options, 0, len(roles))
	for _, r := range roles {
		opts = append(opts, fastOptions(r))
	}
	return openPeersWith(t, opts...)
}

func openPeersWith(t *testing.T, opts ...Options) (*memory.Hub, []*Log) {
	t.Helper()
	hub := memory.NewHub()
	logs := make([]*Log, 0, len(opts))
	for _, o := range opts {
		logs = append(logs, openOn(t, hub, o))
	}
	return hub, logs
}

// openOn starts one more node on hub.
func openOn(t *testing.T, hub *memory.Hub, o Options) *Log {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	node := NewNode(id, hub.Join(id.PeerID()), blockstore.MemoryOpener{}, metrics.New(), quietLogger())
	t.Cleanup(func() { _ = node.Close() })
	l, err := node.Open(context.Background(), o)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seeAll(logs []*Log, replicators int) func() bool {
	return func() bool {
		for _, l := range logs {
			if l.View().Len() != replicators {
				return false
			}
		}
		return true
	}
}

func appendRoots(t *testing.T, l *Log, n int) []types.Hash {
	t.Helper()
	hashes := make([]types.Hash, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), []byte(fmt.Sprintf("payload-%d", i)), AppendOptions{Root: true})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		hashes = append(hashes, e.Hash)
	}
	return hashes
}

// appendSized appends roots carrying size byte payloads until at least total
// block bytes were written.
func appendSized(t *testing.T, l *Log, size int, total int64) int {
	t.Helper()
	var written int64
	n := 0
	for written < total {
		data := append([]byte(fmt.Sprintf("%06d-", n)), bytes.Repeat([]byte{'x'}, size)...)
		e, err := l.Append(context.Background(), data, AppendOptions{Root: true})
		if err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
		written += int64(e.Size())
		n++
	}
	return n
}

func within(got int64, want, tolerance float64) bool {
	return math.Abs(float64(got)-want) <= tolerance*want
}

func singleReplica(o Options) Options {
	o.Replication = replication.Factor{Min: replication.AbsoluteReplicas(1), Max: replication.AbsoluteReplicas(1)}
	return o
}

func TestReplicasStayBounded(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1}, role.Replicator{Factor: 1}, role.Replicator{Factor: 1})
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 3))

	hashes := appendRoots(t, logs[0], 200)

	var last string
	ok := func() bool {
		total := 0
		for _, h := range hashes {
			holders := 0
			for _, l := range logs {
				if l.Has(h) {
					holders++
				}
			}
			if holders < 2 {
				last = fmt.Sprintf("%s held by %d peers", h, holders)
				return false
			}
			total += holders
		}
		if avg := float64(total) / float64(len(hashes)); avg > 0.9*3 {
			last = fmt.Sprintf("average holders %.2f", avg)
			return false
		}
		return true
	}
	deadline := time.Now().Add(15 * time.Second)
	for !ok() {
		if time.Now().After(deadline) {
			t.Fatalf("replication did not settle: %s", last)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestObserverIsNeverPushedTo(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1}, role.Observer{})
	rep, obs := logs[0], logs[1]
	waitFor(t, 5*time.Second, "observer to see the replicator", func() bool {
		return obs.View().Len() == 1 && rep.View().Len() == 1
	})

	appendRoots(t, rep, 20)
	time.Sleep(200 * time.Millisecond)
	if n := obs.Len(); n != 0 {
		t.Fatalf("observer holds %d entries", n)
	}
}

func TestObserverHandsOffOwnEntries(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1}, role.Observer{})
	rep, obs := logs[0], logs[1]
	waitFor(t, 5*time.Second, "observer to see the replicator", func() bool {
		return obs.View().Len() == 1
	})

	hashes := appendRoots(t, obs, 30)
	waitFor(t, 10*time.Second, "observer to prune", func() bool {
		return obs.Len() == 0
	})
	for _, h := range hashes {
		if !rep.Has(h) {
			t.Fatalf("replicator lost %s", h)
		}
	}
}

func TestBecomingObserverDropsEntries(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1}, role.Replicator{Factor: 1})
	a, b := logs[0], logs[1]
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))

	hashes := appendRoots(t, a, 50)
	waitFor(t, 10*time.Second, "second replica", func() bool { return b.Len() == len(hashes) })

	if err := b.SetRole(context.Background(), role.Observer{}); err != nil {
		t.Fatalf("set role: %v", err)
	}
	waitFor(t, 10*time.Second, "former replicator to prune", func() bool { return b.Len() == 0 })
	if n := a.Len(); n != len(hashes) {
		t.Fatalf("replicator holds %d entries, want %d", n, len(hashes))
	}
	if _, ok := b.Role().(role.Observer); !ok {
		t.Fatalf("role = %s", role.String(b.Role()))
	}
}

func TestZeroFactorDropsEntries(t *testing.T) {
	hub, logs := openPeers(t, role.Replicator{Factor: 1}, role.Replicator{Factor: 1})
	a, b := logs[0], logs[1]
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))

	hashes := appendRoots(t, a, 50)
	waitFor(t, 10*time.Second, "second replica", func() bool { return b.Len() == len(hashes) })

	c := openOn(t, hub, fastOptions(role.Replicator{Factor: 1}))
	logs = append(logs, c)
	waitFor(t, 5*time.Second, "third peer to join", seeAll(logs, 3))

	if err := b.SetRole(context.Background(), role.Replicator{Factor: 0}); err != nil {
		t.Fatalf("set role: %v", err)
	}
	waitFor(t, 10*time.Second, "zero factor peer to prune", func() bool { return b.Len() == 0 })
	waitFor(t, 10*time.Second, "remaining peers to hold everything", func() bool {
		return a.Len() == len(hashes) && c.Len() == len(hashes)
	})

	// ребалансировка не должна вернуть пир в кольцо
	time.Sleep(200 * time.Millisecond)
	if f := role.Factor(b.Role()); f != 0 {
		t.Fatalf("factor = %v, want 0", f)
	}
	if b.View().Len() != 2 || a.View().Len() != 2 {
		t.Fatalf("zero factor peer is back in the view")
	}
	if n := b.Len(); n != 0 {
		t.Fatalf("zero factor peer holds %d entries", n)
	}
}

func TestEvenSplitWithoutLimits(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1}, role.Replicator{Factor: 1})
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))

	appendRoots(t, logs[0], 1000)
	waitFor(t, 15*time.Second, "factors to split evenly", func() bool {
		for _, l := range logs {
			if f := role.Factor(l.Role()); f < 0.45 || f > 0.55 {
				return false
			}
		}
		return true
	})
}

func TestUsageFollowsMemoryLimits(t *testing.T) {
	_, logs := openPeersWith(t,
		singleReplica(fastOptions(role.Replicator{Factor: 1, Limits: role.Limits{Memory: 100_000}})),
		singleReplica(fastOptions(role.Replicator{Factor: 1, Limits: role.Limits{Memory: 200_000}})),
	)
	a, b := logs[0], logs[1]
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))

	appendSized(t, a, 1000, 300_000)
	waitFor(t, 30*time.Second, "usage to settle at the limits", func() bool {
		return within(a.MemoryUsage(), 100_000, 0.1) && within(b.MemoryUsage(), 200_000, 0.1)
	})
}

func TestLimitedPeerFillsItsLimit(t *testing.T) {
	objective := role.Weights{Coverage: 0.1, Memory: 0.9}.Objective()
	_, logs := openPeersWith(t,
		singleReplica(fastOptions(role.Replicator{Factor: 1, Objective: objective})),
		singleReplica(fastOptions(role.Replicator{Factor: 1, Limits: role.Limits{Memory: 100_000}, Objective: objective})),
	)
	a, b := logs[0], logs[1]
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))

	n := appendSized(t, a, 1000, 1_000_000)
	waitFor(t, 30*time.Second, "limited peer to reach its limit", func() bool {
		return within(b.MemoryUsage(), 100_000, 0.1)
	})
	waitFor(t, 10*time.Second, "every entry to be held", func() bool {
		return a.Len()+b.Len() >= n
	})
}

func TestRebalanceFollowsAnnouncementsBetweenTicks(t *testing.T) {
	opts := func() Options {
		o := fastOptions(role.Replicator{Factor: 1})
		o.RebalanceInterval = time.Hour
		o.AnnounceEvery = time.Nanosecond
		return o
	}
	_, logs := openPeersWith(t, opts(), opts())
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))
	waitFor(t, 5*time.Second, "factors to split evenly without ticks", func() bool {
		for _, l := range logs {
			if f := role.Factor(l.Role()); f < 0.45 || f > 0.55 {
				return false
			}
		}
		return true
	})
}

func TestReopenRestoresEntries(t *testing.T) {
	ctx := context.Background()
	bdb, err := blockstore.OpenBadger("", blockstore.WithBadgerInMemory())
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	node := NewNode(id, memory.NewHub().Join(id.PeerID()), bdb, nil, quietLogger())
	defer node.Close()

	l, err := node.Open(ctx, fastOptions(role.Replicator{Factor: 1}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hashes := appendRoots(t, l, 20)
	heads, usage := l.Heads(), l.MemoryUsage()
	if err := node.CloseLog(logName); err != nil {
		t.Fatalf("close log: %v", err)
	}

	l, err = node.Open(ctx, fastOptions(role.Replicator{Factor: 1}))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if l.Len() != len(hashes) || l.MemoryUsage() != usage {
		t.Fatalf("reopened log holds %d entries, %d bytes, want %d, %d", l.Len(), l.MemoryUsage(), len(hashes), usage)
	}
	for _, h := range hashes {
		if !l.Has(h) {
			t.Fatalf("%s lost across reopen", h)
		}
	}
	if got := l.Heads(); len(got) != len(heads) {
		t.Fatalf("heads = %v, want %v", got, heads)
	}
}

// stalledTransport never completes a publish, like a peer that stopped
// answering.
type stalledTransport struct {
	transport.Transport
}

func (stalledTransport) Publish(ctx context.Context, _ string, _ []byte, _ transport.DeliveryMode) error {
	<-ctx.Done()
	return ctx.Err()
}

func counterTotal(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			sum += s.GetCounter().GetValue()
		}
	}
	return sum
}

func TestStalledSendsDoNotBlockTheLog(t *testing.T) {
	hub := memory.NewHub()
	remote := openOn(t, hub, fastOptions(role.Replicator{Factor: 1}))

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	m := metrics.New()
	node := NewNode(id, stalledTransport{hub.Join(id.PeerID())}, blockstore.MemoryOpener{}, m, quietLogger())
	defer node.Close()
	o := fastOptions(role.Replicator{Factor: 1})
	o.OutboxSize = 4
	o.SendConcurrency = 1
	l, err := node.Open(context.Background(), o)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, 5*time.Second, "remote to be seen", func() bool {
		_, ok := l.View().Peer(remote.Self())
		return ok
	})

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			if _, err := l.Append(context.Background(), []byte(fmt.Sprintf("payload-%d", i)), AppendOptions{Root: true}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("appends blocked behind a stalled transport")
	}
	if l.Len() != 200 {
		t.Fatalf("log holds %d entries, want 200", l.Len())
	}
	if dropped := counterTotal(t, m, "sharedlog_dropped_messages_total"); dropped == 0 {
		t.Fatalf("no dropped messages counted")
	}
}

func TestMissingPredecessorIsFetched(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1}, role.Replicator{Factor: 1})
	a, b := logs[0], logs[1]
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	root, err := entry.Create(entry.CreateParams{Data: []byte("root"), Next: []*entry.Entry{}, Identity: id})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	child, err := entry.Create(entry.CreateParams{Data: []byte("child"), Next: []*entry.Entry{root}, Identity: id})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Join(context.Background(), []*entry.Entry{root}); err != nil {
		t.Fatalf("join root: %v", err)
	}
	res, err := b.Join(context.Background(), []*entry.Entry{child})
	if err != nil {
		t.Fatalf("join child: %v", err)
	}
	if len(res.Added) == 0 && len(res.Pending) == 0 {
		t.Fatalf("child neither added nor pending: %+v", res)
	}

	waitFor(t, 5*time.Second, "pending child to resolve", func() bool {
		return b.Has(root.Hash) && b.Has(child.Hash) && len(b.Pending()) == 0
	})
	heads := b.Heads()
	if len(heads) != 1 || heads[0] != child.Hash {
		t.Fatalf("heads = %v, want [%s]", heads, child.Hash)
	}
}

func TestStaleAnnouncementIsIgnored(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1})
	l := logs[0]
	remote, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	announce := func(ts int64, factor float64) error {
		a, err := signAnnouncement(Announcement{
			Peer:      remote.PeerID(),
			Role:      role.ToWire(role.Replicator{Factor: factor}),
			Timestamp: ts,
		}, remote)
		if err != nil {
			return err
		}
		var handleErr error
		if err := l.call(context.Background(), func() { handleErr = l.onAnnounce(a) }); err != nil {
			return err
		}
		return handleErr
	}

	if err := announce(10, 0.5); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := announce(5, 0.9); err != nil {
		t.Fatalf("stale announce: %v", err)
	}
	if err := announce(10, 0.9); err != nil {
		t.Fatalf("repeated announce: %v", err)
	}
	peer, ok := l.View().Peer(remote.PeerID())
	if !ok {
		t.Fatalf("remote peer missing from view")
	}
	if peer.Factor != 0.5 {
		t.Fatalf("factor = %v, want 0.5", peer.Factor)
	}

	if err := announce(11, 0.25); err != nil {
		t.Fatalf("fresh announce: %v", err)
	}
	peer, _ = l.View().Peer(remote.PeerID())
	if peer.Factor != 0.25 {
		t.Fatalf("factor = %v, want 0.25", peer.Factor)
	}
}

func TestUnreachablePeerLeavesView(t *testing.T) {
	hub, logs := openPeers(t, role.Replicator{Factor: 1}, role.Replicator{Factor: 1})
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 2))

	hub.Cut(logs[0].Self(), logs[1].Self())
	waitFor(t, 5*time.Second, "view to shrink", seeAll(logs, 1))

	hub.Heal(logs[0].Self(), logs[1].Self())
	waitFor(t, 5*time.Second, "view to recover", seeAll(logs, 2))
}

func TestUnionAgreesAcrossPeers(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1}, role.Replicator{Factor: 1}, role.Replicator{Factor: 1})
	waitFor(t, 5*time.Second, "peers to see each other", seeAll(logs, 3))

	for _, l := range logs {
		sorted := l.ReplicatorsSorted()
		if len(sorted) != 3 {
			t.Fatalf("%s sees %d replicators", l.Self(), len(sorted))
		}
		union := l.ReplicatorUnion(0)
		if len(union) == 0 || union[0] != l.Self() {
			t.Fatalf("union %v does not start at %s", union, l.Self())
		}
	}
}

func TestClosedLogRejectsCalls(t *testing.T) {
	_, logs := openPeers(t, role.Replicator{Factor: 1})
	l := logs[0]
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := l.Append(context.Background(), []byte("late"), AppendOptions{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close: %v", err)
	}
	if err := l.SetRole(context.Background(), role.Observer{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("set role after close: %v", err)
	}
}

func TestNodeRejectsDuplicateLog(t *testing.T) {
	hub := memory.NewHub()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	node := NewNode(id, hub.Join(id.PeerID()), blockstore.MemoryOpener{}, nil, quietLogger())
	defer node.Close()

	if _, err := node.Open(context.Background(), fastOptions(nil)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := node.Open(context.Background(), fastOptions(nil)); !errors.Is(err, ErrLogExists) {
		t.Fatalf("second open: %v", err)
	}
	other := fastOptions(nil)
	other.Name = "other"
	if _, err := node.Open(context.Background(), other); err != nil {
		t.Fatalf("open other: %v", err)
	}
	if got := node.Logs(); len(got) != 2 || got[0] != logName || got[1] != "other" {
		t.Fatalf("logs = %v", got)
	}
	if err := node.CloseLog("other"); err != nil {
		t.Fatalf("close log: %v", err)
	}
	if _, ok := node.Get("other"); ok {
		t.Fatalf("closed log still listed")
	}
}

var _ transport.Transport = (*memory.Node)(nil)
