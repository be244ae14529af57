// Package memory is an in-process transport. Peers joined to the same Hub
// see each other, links can be cut to simulate partitions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sharedlog/pkg/transport"
	"sharedlog/pkg/types"
)

type link [2]types.PeerID

func linkOf(a, b types.PeerID) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

type Hub struct {
	mu    sync.RWMutex
	nodes map[types.PeerID]*Node
	subs  map[string]map[types.PeerID]*subscription
	cut   map[link]struct{}
}

func NewHub() *Hub {
	return &Hub{
		nodes: make(map[types.PeerID]*Node),
		subs:  make(map[string]map[types.PeerID]*subscription),
		cut:   make(map[link]struct{}),
	}
}

// Join returns the transport of peer id.
func (h *Hub) Join(id types.PeerID) *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[id]; ok {
		return n
	}
	n := &Node{hub: h, id: id}
	h.nodes[id] = n
	return n
}

// Cut drops all traffic between a and b until Heal.
func (h *Hub) Cut(a, b types.PeerID) {
	h.mu.Lock()
	h.cut[linkOf(a, b)] = struct{}{}
	events := h.crossEventsLocked(a, b, false)
	h.mu.Unlock()
	events()
}

func (h *Hub) Heal(a, b types.PeerID) {
	h.mu.Lock()
	delete(h.cut, linkOf(a, b))
	events := h.crossEventsLocked(a, b, true)
	h.mu.Unlock()
	events()
}

// crossEventsLocked tells a and b about each other on every shared topic.
func (h *Hub) crossEventsLocked(a, b types.PeerID, reachable bool) func() {
	var puts []func()
	for _, subs := range h.subs {
		sa, okA := subs[a]
		sb, okB := subs[b]
		if !okA || !okB {
			continue
		}
		if reachable {
			puts = append(puts,
				func() { sa.box.Put(transport.PeerReachable{Peer: b}) },
				func() { sb.box.Put(transport.PeerReachable{Peer: a}) })
		} else {
			puts = append(puts,
				func() { sa.box.Put(transport.PeerUnreachable{Peer: b}) },
				func() { sb.box.Put(transport.PeerUnreachable{Peer: a}) })
		}
	}
	return func() {
		for _, p := range puts {
			p()
		}
	}
}

func (h *Hub) connectedLocked(a, b types.PeerID) bool {
	_, cut := h.cut[linkOf(a, b)]
	return !cut
}

// Node is one peer's view of the hub.
type Node struct {
	hub    *Hub
	id     types.PeerID
	closed bool
}

var _ transport.Transport = (*Node)(nil)

func (n *Node) Self() types.PeerID { return n.id }

type subscription struct {
	node  *Node
	topic string
	box   *transport.Mailbox
	once  sync.Once
}

func (s *subscription) Topic() string                  { return s.topic }
func (s *subscription) Events() <-chan transport.Event { return s.box.Events() }

func (s *subscription) Close() error {
	s.once.Do(func() {
		h := s.node.hub
		h.mu.Lock()
		subs := h.subs[s.topic]
		if cur, ok := subs[s.node.id]; ok && cur == s {
			delete(subs, s.node.id)
		}
		var others []*subscription
		for id, o := range subs {
			if h.connectedLocked(id, s.node.id) {
				others = append(others, o)
			}
		}
		h.mu.Unlock()
		for _, o := range others {
			o.box.Put(transport.PeerUnreachable{Peer: s.node.id})
		}
		s.box.Close()
	})
	return nil
}

func (n *Node) Subscribe(_ context.Context, topic string) (transport.Subscription, error) {
	h := n.hub
	h.mu.Lock()
	if n.closed {
		h.mu.Unlock()
		return nil, transport.ErrClosed
	}
	subs, ok := h.subs[topic]
	if !ok {
		subs = make(map[types.PeerID]*subscription)
		h.subs[topic] = subs
	}
	if _, ok := subs[n.id]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("memory: %s already subscribed to %s", n.id, topic)
	}
	s := &subscription{node: n, topic: topic, box: transport.NewMailbox()}
	subs[n.id] = s
	var others []*subscription
	for id, o := range subs {
		if id != n.id && h.connectedLocked(id, n.id) {
			others = append(others, o)
		}
	}
	h.mu.Unlock()

	for _, o := range others {
		o.box.Put(transport.PeerReachable{Peer: n.id})
		s.box.Put(transport.PeerReachable{Peer: o.node.id})
	}
	return s, nil
}

func (n *Node) Publish(_ context.Context, topic string, data []byte, mode transport.DeliveryMode) error {
	h := n.hub
	h.mu.RLock()
	if n.closed {
		h.mu.RUnlock()
		return transport.ErrClosed
	}
	subs := h.subs[topic]
	if _, ok := subs[n.id]; !ok {
		h.mu.RUnlock()
		return fmt.Errorf("%w: %s", transport.ErrNotSubscribed, topic)
	}
	all := make([]types.PeerID, 0, len(subs))
	for id := range subs {
		if id != n.id && h.connectedLocked(n.id, id) {
			all = append(all, id)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	targets, strict := transport.Targets(mode, all)
	var (
		boxes  []*transport.Mailbox
		failed []types.PeerID
	)
	for _, to := range targets {
		s, ok := subs[to]
		if !ok || to == n.id || !h.connectedLocked(n.id, to) {
			failed = append(failed, to)
			continue
		}
		boxes = append(boxes, s.box)
	}
	h.mu.RUnlock()

	for _, b := range boxes {
		b.Put(transport.Data{From: n.id, Bytes: append([]byte(nil), data...)})
	}
	if strict && len(failed) > 0 {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, failed)
	}
	return nil
}

// Close unsubscribes the node from every topic.
func (n *Node) Close() error {
	h := n.hub
	h.mu.Lock()
	n.closed = true
	var mine []*subscription
	for _, subs := range h.subs {
		if s, ok := subs[n.id]; ok {
			mine = append(mine, s)
		}
	}
	delete(h.nodes, n.id)
	h.mu.Unlock()
	for _, s := range mine {
		s.Close()
	}
	return nil
}
