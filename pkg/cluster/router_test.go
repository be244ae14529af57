package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"sharedlog/pkg/entry"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/types"
)

// ====== фейки локального лога и удалённых клиентов ======

type fakeLocal struct {
	self    types.PeerID
	union   []types.PeerID
	entries map[types.Hash]*entry.Entry
	heads   []types.Hash
}

func (f *fakeLocal) Self() types.PeerID { return f.self }

func (f *fakeLocal) Get(h types.Hash) (*entry.Entry, bool) {
	e, ok := f.entries[h]
	return e, ok
}

func (f *fakeLocal) Heads() []types.Hash { return f.heads }

func (f *fakeLocal) ReplicatorUnion(int) []types.PeerID { return f.union }

type fakeDirectory map[types.PeerID]string

func (d fakeDirectory) Peers() map[types.PeerID]string { return d }

type fakeRemote struct {
	mu      sync.Mutex
	entries map[types.Hash]*entry.Entry
	heads   []types.Hash
	fail    bool
	calls   int
}

func (r *fakeRemote) Entry(_ context.Context, _ string, h types.Hash) (*entry.Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return nil, false, fmt.Errorf("remote unavailable")
	}
	e, ok := r.entries[h]
	return e, ok, nil
}

func (r *fakeRemote) Heads(context.Context, string) ([]types.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return nil, fmt.Errorf("remote unavailable")
	}
	return r.heads, nil
}

func newEntry(t *testing.T, data string) *entry.Entry {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	e, err := entry.Create(entry.CreateParams{Data: []byte(data), Next: []*entry.Entry{}, Identity: id})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

func newRouter(local *fakeLocal, remotes map[string]*fakeRemote) *Router {
	dir := fakeDirectory{}
	for addr := range remotes {
		dir[types.PeerID("peer-"+addr)] = addr
	}
	return &Router{
		Logs: func(name string) (Local, bool) {
			if name != "events" {
				return nil, false
			}
			return local, true
		},
		Directory: dir,
		NewClient: func(addr string) (Remote, error) {
			r, ok := remotes[addr]
			if !ok {
				return nil, fmt.Errorf("no remote %s", addr)
			}
			return r, nil
		},
	}
}

func TestRouter_LocalHit(t *testing.T) {
	e := newEntry(t, "local")
	remote := &fakeRemote{}
	local := &fakeLocal{
		self:    "self",
		union:   []types.PeerID{"self", "peer-a"},
		entries: map[types.Hash]*entry.Entry{e.Hash: e},
	}
	r := newRouter(local, map[string]*fakeRemote{"a": remote})

	got, err := r.Get(context.Background(), "events", e.Hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != e.Hash {
		t.Fatalf("got %s want %s", got.Hash, e.Hash)
	}
	if remote.calls != 0 {
		t.Fatalf("remote asked %d times for a local entry", remote.calls)
	}
}

func TestRouter_AsksUnion(t *testing.T) {
	e := newEntry(t, "remote")
	failing := &fakeRemote{fail: true}
	holder := &fakeRemote{entries: map[types.Hash]*entry.Entry{e.Hash: e}}
	outside := &fakeRemote{entries: map[types.Hash]*entry.Entry{e.Hash: e}}
	local := &fakeLocal{self: "self", union: []types.PeerID{"self", "peer-a", "peer-b"}}
	r := newRouter(local, map[string]*fakeRemote{"a": failing, "b": holder, "c": outside})

	got, err := r.Get(context.Background(), "events", e.Hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != e.Hash {
		t.Fatalf("got %s want %s", got.Hash, e.Hash)
	}
	if outside.calls != 0 {
		t.Fatalf("peer outside the union was asked")
	}
}

func TestRouter_NotFound(t *testing.T) {
	local := &fakeLocal{self: "self", union: []types.PeerID{"self", "peer-a"}}
	r := newRouter(local, map[string]*fakeRemote{"a": {}})

	_, err := r.Get(context.Background(), "events", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Get(context.Background(), "nope", "missing"); !errors.Is(err, ErrUnknownLog) {
		t.Fatalf("expected ErrUnknownLog, got %v", err)
	}
}

func TestRouter_HeadsMerged(t *testing.T) {
	local := &fakeLocal{self: "self", union: []types.PeerID{"self", "peer-a"}, heads: []types.Hash{"h2", "h1"}}
	remote := &fakeRemote{heads: []types.Hash{"h3", "h1"}}
	r := newRouter(local, map[string]*fakeRemote{"a": remote})

	heads, err := r.Heads(context.Background(), "events")
	if err != nil {
		t.Fatalf("heads: %v", err)
	}
	want := []types.Hash{"h1", "h2", "h3"}
	if fmt.Sprint(heads) != fmt.Sprint(want) {
		t.Fatalf("heads = %v want %v", heads, want)
	}

	remote.fail = true
	if _, err := r.Heads(context.Background(), "events"); err == nil {
		t.Fatalf("expected error from failing union member")
	}
}
