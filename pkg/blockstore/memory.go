package blockstore

import (
	"context"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"sharedlog/pkg/types"
)

type blockMap = skipmap.FuncMap[string, []byte]

// Memory keeps blocks in an ordered concurrent map.
type Memory struct {
	blocks *blockMap
	closed atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{
		blocks: skipmap.NewFunc[string, []byte](func(a, b string) bool {
			return a < b
		}),
	}
}

func (m *Memory) Get(_ context.Context, hash types.Hash) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	b, ok := m.blocks.Load(hash)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Put(_ context.Context, data []byte) (types.Hash, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	h := Hash(data)
	m.blocks.LoadOrStore(h, append([]byte(nil), data...))
	return h, nil
}

func (m *Memory) Has(_ context.Context, hash types.Hash) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	_, ok := m.blocks.Load(hash)
	return ok, nil
}

func (m *Memory) Rm(_ context.Context, hash types.Hash) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.blocks.Delete(hash)
	return nil
}

func (m *Memory) Each(_ context.Context, fn func(types.Hash, []byte) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	var err error
	m.blocks.Range(func(h string, b []byte) bool {
		err = fn(h, append([]byte(nil), b...))
		return err == nil
	})
	return err
}

// Len reports the number of stored blocks.
func (m *Memory) Len() int {
	return m.blocks.Len()
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// MemoryOpener gives every log its own Memory store.
type MemoryOpener struct{}

func (MemoryOpener) Open(string) (Store, error) { return NewMemory(), nil }

func (MemoryOpener) Close() error { return nil }
