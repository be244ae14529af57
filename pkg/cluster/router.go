package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"sharedlog/pkg/entry"
	"sharedlog/pkg/types"
)

var (
	ErrNotFound   = errors.New("cluster: entry not found")
	ErrUnknownLog = errors.New("cluster: unknown log")
)

// удалённый клиент
type Remote interface {
	Entry(ctx context.Context, log string, hash types.Hash) (*entry.Entry, bool, error)
	Heads(ctx context.Context, log string) ([]types.Hash, error)
}

// фабрика удалённых клиентов
type ClientFactory func(addr string) (Remote, error)

// Local is the part of an open log the router reads from.
type Local interface {
	Self() types.PeerID
	Get(hash types.Hash) (*entry.Entry, bool)
	Heads() []types.Hash
	ReplicatorUnion(offset int) []types.PeerID
}

// Directory resolves peer ids to addresses.
type Directory interface {
	Peers() map[types.PeerID]string
}

// Router answers reads for a whole log by asking the replicator union.
type Router struct {
	Logs      func(name string) (Local, bool)
	Directory Directory
	NewClient ClientFactory
	Logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]Remote
}

func (r *Router) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Router) client(addr string) (Remote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[addr]; ok {
		return c, nil
	}
	c, err := r.NewClient(addr)
	if err != nil {
		return nil, err
	}
	if r.clients == nil {
		r.clients = make(map[string]Remote)
	}
	r.clients[addr] = c
	return c, nil
}

// targets are the union members other than self, with known addresses.
func (r *Router) targets(l Local, offset int) []peerAddr {
	addrs := r.Directory.Peers()
	var out []peerAddr
	for _, p := range l.ReplicatorUnion(offset) {
		if p == l.Self() {
			continue
		}
		addr, ok := addrs[p]
		if !ok {
			r.logger().Debug("no address for union member", "remote", p)
			continue
		}
		out = append(out, peerAddr{id: p, addr: addr})
	}
	return out
}

type peerAddr struct {
	id   types.PeerID
	addr string
}

// Get returns an entry held locally or by any union member.
func (r *Router) Get(ctx context.Context, log string, hash types.Hash) (*entry.Entry, error) {
	l, ok := r.Logs(log)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLog, log)
	}
	if e, ok := l.Get(hash); ok {
		r.logger().Debug("read", "log", log, "hash", hash, "where", "local")
		return e, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		once  sync.Once
		found *entry.Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.targets(l, 0) {
		t := t
		g.Go(func() error {
			c, err := r.client(t.addr)
			if err != nil {
				return nil
			}
			e, ok, err := c.Entry(gctx, log, hash)
			if err != nil {
				r.logger().Debug("remote read failed", "remote", t.id, "error", err)
				return nil
			}
			if ok {
				once.Do(func() {
					found = e
					cancel()
				})
				r.logger().Debug("read", "log", log, "hash", hash, "where", t.id)
			}
			return nil
		})
	}
	_ = g.Wait()
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return found, nil
}

// Heads merges the heads of the local log and every union member.
func (r *Router) Heads(ctx context.Context, log string) ([]types.Hash, error) {
	l, ok := r.Logs(log)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLog, log)
	}
	var mu sync.Mutex
	seen := make(map[types.Hash]struct{})
	for _, h := range l.Heads() {
		seen[h] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.targets(l, 0) {
		t := t
		g.Go(func() error {
			c, err := r.client(t.addr)
			if err != nil {
				return fmt.Errorf("client %s: %w", t.id, err)
			}
			heads, err := c.Heads(gctx, log)
			if err != nil {
				return fmt.Errorf("heads from %s: %w", t.id, err)
			}
			mu.Lock()
			for _, h := range heads {
				seen[h] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]types.Hash, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}
