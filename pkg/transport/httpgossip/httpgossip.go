// Package httpgossip carries transport messages over plain HTTP.
//
// Each peer serves POST /gossip/{topic}/{hello,bye,data}. Subscribing says
// hello to every known peer, peers that are subscribed to the topic too
// become reachable. Data is POSTed to each target with a few retries, a
// peer that keeps failing is reported unreachable.
package httpgossip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"sharedlog/pkg/compression"
	"sharedlog/pkg/transport"
	"sharedlog/pkg/types"
)

const (
	gossipPrefix     = "/gossip"
	contentType      = "application/msgpack"
	headerPeer       = "X-Sharedlog-Peer"
	encodingZstd     = "zstd"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
	maxBodyBytes     = 64 << 20
)

type hello struct {
	From       types.PeerID `msgpack:"from"`
	Addr       string       `msgpack:"addr"`
	Subscribed bool         `msgpack:"sub"`
}

type Transport struct {
	self       types.PeerID
	httpClient *http.Client
	logger     *slog.Logger
	codec      *compression.Codec
	maxBody    int64

	mu     sync.RWMutex
	addr   string
	peers  map[types.PeerID]string
	local  map[string]*subscription
	remote map[string]map[types.PeerID]struct{}
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

func New(self types.PeerID, addr string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("peer", self)
	codec, err := compression.New()
	if err != nil {
		logger.Warn("payload compression disabled", "error", err)
	}
	return &Transport{
		self:       self,
		addr:       addr,
		httpClient: &http.Client{Timeout: transportTimeout},
		logger:     logger,
		codec:      codec,
		maxBody:    maxBodyBytes,
		peers:      make(map[types.PeerID]string),
		local:      make(map[string]*subscription),
		remote:     make(map[string]map[types.PeerID]struct{}),
	}
}

func (t *Transport) Self() types.PeerID { return t.self }

// SetAddr sets the base URL other peers reach this one at.
func (t *Transport) SetAddr(addr string) {
	t.mu.Lock()
	t.addr = addr
	t.mu.Unlock()
}

// Routes returns the inbound handler, mounted at the server root.
func (t *Transport) Routes() http.Handler {
	r := chi.NewRouter()
	t.Mount(r)
	return r
}

func (t *Transport) Mount(r chi.Router) {
	r.Route(gossipPrefix+"/{topic}", func(r chi.Router) {
		r.Post("/hello", t.handleHello)
		r.Post("/bye", t.handleBye)
		r.Post("/data", t.handleData)
	})
}

// AddPeer makes a peer known and says hello on every subscribed topic.
func (t *Transport) AddPeer(ctx context.Context, id types.PeerID, addr string) {
	if id == t.self {
		return
	}
	t.mu.Lock()
	prev, known := t.peers[id]
	t.peers[id] = addr
	topics := t.topicsLocked()
	t.mu.Unlock()
	if known && prev == addr {
		return
	}
	for _, topic := range topics {
		t.greet(ctx, topic, id, addr)
	}
}

// RemovePeer forgets a peer, it becomes unreachable on every topic.
func (t *Transport) RemovePeer(id types.PeerID) {
	t.mu.Lock()
	delete(t.peers, id)
	var boxes []*transport.Mailbox
	for topic, subs := range t.remote {
		if _, ok := subs[id]; !ok {
			continue
		}
		delete(subs, id)
		if s, ok := t.local[topic]; ok {
			boxes = append(boxes, s.box)
		}
	}
	t.mu.Unlock()
	for _, b := range boxes {
		b.Put(transport.PeerUnreachable{Peer: id})
	}
}

// SetPeers replaces the known peer set.
func (t *Transport) SetPeers(ctx context.Context, peers map[types.PeerID]string) {
	t.mu.RLock()
	var gone []types.PeerID
	for id := range t.peers {
		if _, ok := peers[id]; !ok {
			gone = append(gone, id)
		}
	}
	t.mu.RUnlock()
	for _, id := range gone {
		t.RemovePeer(id)
	}
	for id, addr := range peers {
		t.AddPeer(ctx, id, addr)
	}
}

// Peers returns the known peers and their addresses.
func (t *Transport) Peers() map[types.PeerID]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.PeerID]string, len(t.peers))
	for id, addr := range t.peers {
		out[id] = addr
	}
	return out
}

func (t *Transport) topicsLocked() []string {
	out := make([]string, 0, len(t.local))
	for topic := range t.local {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

type subscription struct {
	t     *Transport
	topic string
	box   *transport.Mailbox
	once  sync.Once
}

func (s *subscription) Topic() string                  { return s.topic }
func (s *subscription) Events() <-chan transport.Event { return s.box.Events() }

func (s *subscription) Close() error {
	s.once.Do(func() {
		t := s.t
		t.mu.Lock()
		if cur, ok := t.local[s.topic]; ok && cur == s {
			delete(t.local, s.topic)
		}
		targets := t.addrsLocked(t.remote[s.topic])
		delete(t.remote, s.topic)
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
		defer cancel()
		for id, addr := range targets {
			if err := t.post(ctx, addr, s.topic, "bye", nil); err != nil {
				t.logger.Debug("bye failed", "to", id, "topic", s.topic, "error", err)
			}
		}
		s.box.Close()
	})
	return nil
}

func (t *Transport) addrsLocked(ids map[types.PeerID]struct{}) map[types.PeerID]string {
	out := make(map[types.PeerID]string, len(ids))
	for id := range ids {
		if addr, ok := t.peers[id]; ok {
			out[id] = addr
		}
	}
	return out
}

func (t *Transport) Subscribe(ctx context.Context, topic string) (transport.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if _, ok := t.local[topic]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("httpgossip: already subscribed to %s", topic)
	}
	s := &subscription{t: t, topic: topic, box: transport.NewMailbox()}
	t.local[topic] = s
	if _, ok := t.remote[topic]; !ok {
		t.remote[topic] = make(map[types.PeerID]struct{})
	}
	peers := make(map[types.PeerID]string, len(t.peers))
	for id, addr := range t.peers {
		peers[id] = addr
	}
	t.mu.Unlock()

	for id, addr := range peers {
		t.greet(ctx, topic, id, addr)
	}
	return s, nil
}

// greet says hello to one peer and marks it reachable if it is subscribed.
func (t *Transport) greet(ctx context.Context, topic string, id types.PeerID, addr string) {
	t.mu.RLock()
	body, err := msgpack.Marshal(hello{From: t.self, Addr: t.addr, Subscribed: true})
	t.mu.RUnlock()
	if err != nil {
		t.logger.Error("encode hello", "error", err)
		return
	}
	resp, err := t.postRead(ctx, addr, topic, "hello", body, "")
	if err != nil {
		t.logger.Debug("hello failed", "to", id, "topic", topic, "error", err)
		return
	}
	var h hello
	if err := msgpack.Unmarshal(resp, &h); err != nil {
		t.logger.Warn("bad hello response", "to", id, "error", err)
		return
	}
	if h.Subscribed {
		t.markReachable(topic, id)
	}
}

func (t *Transport) markReachable(topic string, id types.PeerID) {
	t.mu.Lock()
	subs, ok := t.remote[topic]
	s, subscribed := t.local[topic]
	if !ok || !subscribed {
		t.mu.Unlock()
		return
	}
	_, known := subs[id]
	subs[id] = struct{}{}
	t.mu.Unlock()
	if !known {
		s.box.Put(transport.PeerReachable{Peer: id})
	}
}

func (t *Transport) markUnreachable(topic string, id types.PeerID) {
	t.mu.Lock()
	subs := t.remote[topic]
	_, known := subs[id]
	delete(subs, id)
	s, subscribed := t.local[topic]
	t.mu.Unlock()
	if known && subscribed {
		s.box.Put(transport.PeerUnreachable{Peer: id})
	}
}

func (t *Transport) Publish(ctx context.Context, topic string, data []byte, mode transport.DeliveryMode) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return transport.ErrClosed
	}
	if _, ok := t.local[topic]; !ok {
		t.mu.RUnlock()
		return fmt.Errorf("%w: %s", transport.ErrNotSubscribed, topic)
	}
	subscribers := make([]types.PeerID, 0, len(t.remote[topic]))
	for id := range t.remote[topic] {
		subscribers = append(subscribers, id)
	}
	sort.Slice(subscribers, func(i, j int) bool { return subscribers[i] < subscribers[j] })
	targets, strict := transport.Targets(mode, subscribers)
	addrs := make(map[types.PeerID]string, len(targets))
	for _, id := range targets {
		if addr, ok := t.peers[id]; ok {
			addrs[id] = addr
		}
	}
	t.mu.RUnlock()

	var (
		mu     sync.Mutex
		failed []types.PeerID
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range targets {
		id := id
		addr, ok := addrs[id]
		if !ok || id == t.self {
			mu.Lock()
			failed = append(failed, id)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if err := t.send(gctx, addr, topic, data); err != nil {
				t.logger.Warn("gossip delivery failed", "to", id, "topic", topic, "error", err)
				t.markUnreachable(topic, id)
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if strict && len(failed) > 0 {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, failed)
	}
	return nil
}

// pack compresses payloads above compression.Threshold.
func (t *Transport) pack(data []byte) ([]byte, string) {
	if t.codec == nil || len(data) < compression.Threshold {
		return data, ""
	}
	return t.codec.Compress(data), encodingZstd
}

// send posts data with retries.
func (t *Transport) send(ctx context.Context, addr, topic string, data []byte) error {
	body, encoding := t.pack(data)
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := t.postRead(ctx, addr, topic, "data", body, encoding)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *Transport) post(ctx context.Context, addr, topic, kind string, body []byte) error {
	_, err := t.postRead(ctx, addr, topic, kind, body, "")
	return err
}

func (t *Transport) postRead(ctx context.Context, addr, topic, kind string, body []byte, encoding string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, transportTimeout)
	defer cancel()

	target, err := url.JoinPath(addr, gossipPrefix, url.PathEscape(topic), kind)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerPeer, string(t.self))
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(out))
	}
	return out, nil
}

// topicParam undoes the escaping of topics that contain slashes.
func topicParam(r *http.Request) string {
	raw := chi.URLParam(r, "topic")
	if topic, err := url.PathUnescape(raw); err == nil {
		return topic
	}
	return raw
}

// readBody reads at most maxBody bytes of the request.
func (t *Transport) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBody))
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
	return nil, false
}

func (t *Transport) handleHello(w http.ResponseWriter, r *http.Request) {
	topic := topicParam(r)
	body, ok := t.readBody(w, r)
	if !ok {
		return
	}
	var h hello
	if err := msgpack.Unmarshal(body, &h); err != nil || h.From == "" {
		http.Error(w, "bad hello", http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	if h.Addr != "" {
		t.peers[h.From] = h.Addr
	}
	_, subscribed := t.local[topic]
	self := hello{From: t.self, Addr: t.addr, Subscribed: subscribed}
	t.mu.Unlock()

	if subscribed && h.Subscribed {
		t.markReachable(topic, h.From)
	}
	out, err := msgpack.Marshal(self)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(out)
}

func (t *Transport) handleBye(w http.ResponseWriter, r *http.Request) {
	from := types.PeerID(r.Header.Get(headerPeer))
	if from == "" {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}
	t.markUnreachable(topicParam(r), from)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleData(w http.ResponseWriter, r *http.Request) {
	topic := topicParam(r)
	from := types.PeerID(r.Header.Get(headerPeer))
	if from == "" {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}
	body, ok := t.readBody(w, r)
	if !ok {
		return
	}
	var err error
	switch r.Header.Get("Content-Encoding") {
	case "":
	case encodingZstd:
		if t.codec == nil {
			http.Error(w, "compression unavailable", http.StatusUnsupportedMediaType)
			return
		}
		if body, err = t.codec.Decompress(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "unsupported encoding", http.StatusUnsupportedMediaType)
		return
	}

	t.mu.RLock()
	s, ok := t.local[topic]
	t.mu.RUnlock()
	if !ok {
		http.Error(w, "not subscribed", http.StatusNotFound)
		return
	}
	t.markReachable(topic, from)
	s.box.Put(transport.Data{From: from, Bytes: body})
	w.WriteHeader(http.StatusOK)
}

// Close unsubscribes from every topic.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	subs := make([]*subscription, 0, len(t.local))
	for _, s := range t.local {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}
