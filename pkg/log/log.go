// Package log keeps the DAG of entries of one shared log.
//
// Entries live in an arena keyed by hash, next references are hashes. Heads
// are the entries no other entry in the arena references, maintained through
// reverse reference counts so removals keep the invariant too. Entries whose
// predecessors are unknown wait in a pending set until the predecessors are
// joined.
package log

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/entry"
	"sharedlog/pkg/types"
)

var ErrUnresolvedPredecessor = errors.New("log: unresolved predecessor")

type entryMap = skipmap.FuncMap[types.Hash, *entry.Entry]

type hashSet = skipset.FuncSet[types.Hash]

func lessHash(a, b types.Hash) bool { return a < b }

type Log struct {
	store blockstore.Store

	mu      sync.RWMutex
	entries *entryMap
	heads   *hashSet
	refs    map[types.Hash]int
	sizes   map[types.Hash]int64
	pending map[types.Hash]*entry.Entry
	usage   atomic.Int64
}

func New(store blockstore.Store) *Log {
	return &Log{
		store:   store,
		entries: skipmap.NewFunc[types.Hash, *entry.Entry](lessHash),
		heads:   skipset.NewFunc[types.Hash](lessHash),
		refs:    make(map[types.Hash]int),
		sizes:   make(map[types.Hash]int64),
		pending: make(map[types.Hash]*entry.Entry),
	}
}

// JoinResult describes what a Join did.
type JoinResult struct {
	Added   []types.Hash
	Pending []types.Hash
	Missing []types.Hash
}

// Err reports ErrUnresolvedPredecessor when predecessors are missing.
func (r JoinResult) Err() error {
	if len(r.Missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnresolvedPredecessor, strings.Join(r.Missing, ","))
}

// Join merges entries into the log. Entries whose predecessors are neither
// in the log nor resolvable within the batch are kept pending, their missing
// predecessors are reported. Previously pending entries are retried. Joining
// a known entry is a no-op.
func (l *Log) Join(ctx context.Context, entries []*entry.Entry) (JoinResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	candidates := make(map[types.Hash]*entry.Entry, len(entries)+len(l.pending))
	for h, e := range l.pending {
		candidates[h] = e
	}
	for _, e := range entries {
		if e == nil || e.Hash == "" {
			return JoinResult{}, fmt.Errorf("%w: entry without hash", entry.ErrInvalidInput)
		}
		if _, ok := l.entries.Load(e.Hash); ok {
			continue
		}
		candidates[e.Hash] = e
	}

	var res JoinResult
	// insert in causal order: keep sweeping until nothing more resolves
	for progress := true; progress; {
		progress = false
		for _, h := range sortedKeys(candidates) {
			e := candidates[h]
			if !l.resolvedLocked(e) {
				continue
			}
			if err := l.insertLocked(ctx, e); err != nil {
				// остаток батча ждёт следующего Join
				for ph, pe := range candidates {
					l.pending[ph] = pe
				}
				return res, err
			}
			delete(candidates, h)
			delete(l.pending, h)
			res.Added = append(res.Added, h)
			progress = true
		}
	}

	missing := make(map[types.Hash]struct{})
	for _, h := range sortedKeys(candidates) {
		e := candidates[h]
		l.pending[h] = e
		res.Pending = append(res.Pending, h)
		for _, n := range e.Next {
			if _, ok := l.entries.Load(n); ok {
				continue
			}
			if _, ok := candidates[n]; ok {
				continue
			}
			missing[n] = struct{}{}
		}
	}
	for h := range missing {
		res.Missing = append(res.Missing, h)
	}
	sort.Strings(res.Missing)
	return res, nil
}

func (l *Log) resolvedLocked(e *entry.Entry) bool {
	for _, n := range e.Next {
		if _, ok := l.entries.Load(n); !ok {
			return false
		}
	}
	return true
}

func (l *Log) insertLocked(ctx context.Context, e *entry.Entry) error {
	data, err := entry.Encode(e)
	if err != nil {
		return err
	}
	if _, err := l.store.Put(ctx, data); err != nil {
		return fmt.Errorf("log: store %s: %w", e.Hash, err)
	}
	l.indexLocked(e, int64(len(data)))
	return nil
}

func (l *Log) indexLocked(e *entry.Entry, size int64) {
	l.entries.Store(e.Hash, e)
	for _, n := range uniq(e.Next) {
		l.refs[n]++
		l.heads.Remove(n)
	}
	if l.refs[e.Hash] == 0 {
		l.heads.Add(e.Hash)
	}
	l.sizes[e.Hash] = size
	l.usage.Add(size)
}

// Load indexes the blocks already in the store, as left by a previous run.
// Held entries may reference pruned predecessors, so nothing is required to
// resolve. Blocks that do not decode are skipped and reported.
func (l *Log) Load(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		loaded int
		bad    []error
	)
	err := l.store.Each(ctx, func(h types.Hash, data []byte) error {
		if _, ok := l.entries.Load(h); ok {
			return nil
		}
		e, err := entry.DecodeHash(h, data)
		if err != nil {
			bad = append(bad, err)
			return nil
		}
		l.indexLocked(e, int64(len(data)))
		delete(l.pending, h)
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("log: load: %w", err)
	}
	return loaded, errors.Join(bad...)
}

// Append creates an entry on top of the current heads (or p.Next if set)
// and joins it.
func (l *Log) Append(ctx context.Context, p entry.CreateParams) (*entry.Entry, error) {
	if p.Next == nil {
		p.Next = l.HeadEntries()
	}
	e, err := entry.Create(p)
	if err != nil {
		return nil, err
	}
	res, err := l.Join(ctx, []*entry.Entry{e})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

// Remove drops an entry and its block. Predecessors no longer referenced by
// any remaining entry become heads again.
func (l *Log) Remove(ctx context.Context, hash types.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries.Load(hash)
	if !ok {
		delete(l.pending, hash)
		return nil
	}
	if err := l.store.Rm(ctx, hash); err != nil {
		return fmt.Errorf("log: remove %s: %w", hash, err)
	}
	l.entries.Delete(hash)
	l.heads.Remove(hash)
	for _, n := range uniq(e.Next) {
		l.refs[n]--
		if l.refs[n] > 0 {
			continue
		}
		delete(l.refs, n)
		if _, ok := l.entries.Load(n); ok {
			l.heads.Add(n)
		}
	}
	l.usage.Add(-l.sizes[hash])
	delete(l.sizes, hash)
	return nil
}

func (l *Log) Get(hash types.Hash) (*entry.Entry, bool) {
	return l.entries.Load(hash)
}

func (l *Log) Has(hash types.Hash) bool {
	_, ok := l.entries.Load(hash)
	return ok
}

// Block returns the stored bytes of a held entry.
func (l *Log) Block(ctx context.Context, hash types.Hash) ([]byte, error) {
	if !l.Has(hash) {
		return nil, blockstore.ErrNotFound
	}
	return l.store.Get(ctx, hash)
}

// Heads returns head hashes in ascending order.
func (l *Log) Heads() []types.Hash {
	out := make([]types.Hash, 0, l.heads.Len())
	l.heads.Range(func(h types.Hash) bool {
		out = append(out, h)
		return true
	})
	return out
}

func (l *Log) IsHead(hash types.Hash) bool {
	return l.heads.Contains(hash)
}

func (l *Log) HeadEntries() []*entry.Entry {
	hs := l.Heads()
	out := make([]*entry.Entry, 0, len(hs))
	for _, h := range hs {
		if e, ok := l.entries.Load(h); ok {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns every held entry ordered by hash.
func (l *Log) Entries() []*entry.Entry {
	out := make([]*entry.Entry, 0, l.entries.Len())
	l.entries.Range(func(_ types.Hash, e *entry.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (l *Log) Len() int {
	return l.entries.Len()
}

// Pending returns the hashes waiting for predecessors.
func (l *Log) Pending() []types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.pending)
}

// Missing returns the predecessors pending entries wait for.
func (l *Log) Missing() []types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := make(map[types.Hash]struct{})
	for _, e := range l.pending {
		for _, n := range e.Next {
			if _, ok := l.entries.Load(n); ok {
				continue
			}
			if _, ok := l.pending[n]; ok {
				continue
			}
			set[n] = struct{}{}
		}
	}
	out := make([]types.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// MemoryUsage is the number of block bytes held.
func (l *Log) MemoryUsage() int64 {
	return l.usage.Load()
}

// UsageOf sums the block bytes of the held entries keep selects.
func (l *Log) UsageOf(keep func(*entry.Entry) bool) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum int64
	l.entries.Range(func(h types.Hash, e *entry.Entry) bool {
		if keep(e) {
			sum += l.sizes[h]
		}
		return true
	})
	return sum
}

func sortedKeys[V any](m map[types.Hash]V) []types.Hash {
	out := make([]types.Hash, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func uniq(hs []types.Hash) []types.Hash {
	if len(hs) < 2 {
		return hs
	}
	seen := make(map[types.Hash]struct{}, len(hs))
	out := make([]types.Hash, 0, len(hs))
	for _, h := range hs {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
