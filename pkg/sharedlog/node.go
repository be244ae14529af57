package sharedlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/metrics"
	"sharedlog/pkg/transport"
)

var ErrLogExists = errors.New("sharedlog: log already open")

// Node hosts many logs behind one identity and transport. Each log gets its
// own topic and block store namespace.
type Node struct {
	identity  identity.Signer
	transport transport.Transport
	stores    blockstore.Opener
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu   sync.RWMutex
	logs map[string]*Log
}

func NewNode(id identity.Signer, t transport.Transport, stores blockstore.Opener, m *metrics.Metrics, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		identity:  id,
		transport: t,
		stores:    stores,
		metrics:   m,
		logger:    logger,
		logs:      make(map[string]*Log),
	}
}

// Open starts a log. Identity, transport, store, metrics and logger in opts
// are filled from the node.
func (n *Node) Open(ctx context.Context, opts Options) (*Log, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.logs[opts.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLogExists, opts.Name)
	}
	store, err := n.stores.Open(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", opts.Name, err)
	}
	opts.Identity = n.identity
	opts.Transport = n.transport
	opts.Store = store
	opts.Metrics = n.metrics
	opts.Logger = n.logger

	l, err := Open(ctx, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	n.logs[opts.Name] = l
	return l, nil
}

func (n *Node) Get(name string) (*Log, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l, ok := n.logs[name]
	return l, ok
}

// Logs returns the names of the open logs.
func (n *Node) Logs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.logs))
	for name := range n.logs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseLog stops one log and releases its store.
func (n *Node) CloseLog(name string) error {
	n.mu.Lock()
	l, ok := n.logs[name]
	delete(n.logs, name)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return n.closeLog(l)
}

func (n *Node) closeLog(l *Log) error {
	if err := l.Close(); err != nil {
		return err
	}
	return l.opts.Store.Close()
}

// Close stops every log, then the block stores and the transport.
func (n *Node) Close() error {
	n.mu.Lock()
	logs := n.logs
	n.logs = make(map[string]*Log)
	n.mu.Unlock()

	var errs []error
	for name, l := range logs {
		if err := n.closeLog(l); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if err := n.stores.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
