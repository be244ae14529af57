package httpgossip

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sharedlog/pkg/transport"
	"sharedlog/pkg/types"
)

func newPeer(t *testing.T, id types.PeerID) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(id, "", nil)
	srv := httptest.NewServer(tr.Routes())
	tr.SetAddr(srv.URL)
	t.Cleanup(func() {
		tr.Close()
		srv.Close()
	})
	return tr, srv
}

func waitEvent(t *testing.T, s transport.Subscription) transport.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event on %s", s.Topic())
	}
	return nil
}

func TestHelloMakesPeersReachable(t *testing.T) {
	ctx := context.Background()
	a, srvA := newPeer(t, "a")
	b, srvB := newPeer(t, "b")
	a.AddPeer(ctx, "b", srvB.URL)
	b.AddPeer(ctx, "a", srvA.URL)

	sa, err := a.Subscribe(ctx, "log")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sb, err := b.Subscribe(ctx, "log")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if ev := waitEvent(t, sa); ev != (transport.PeerReachable{Peer: "b"}) {
		t.Fatalf("a got %#v", ev)
	}
	if ev := waitEvent(t, sb); ev != (transport.PeerReachable{Peer: "a"}) {
		t.Fatalf("b got %#v", ev)
	}

	if err := a.Publish(ctx, "log", []byte("hello"), transport.Acknowledge{To: []types.PeerID{"b"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, ok := waitEvent(t, sb).(transport.Data)
	if !ok || d.From != "a" || string(d.Bytes) != "hello" {
		t.Fatalf("b got %#v", d)
	}

	sb.Close()
	if ev := waitEvent(t, sa); ev != (transport.PeerUnreachable{Peer: "b"}) {
		t.Fatalf("a got %#v", ev)
	}
}

func TestPublishToDeadPeerFails(t *testing.T) {
	ctx := context.Background()
	a, _ := newPeer(t, "a")
	b, srvB := newPeer(t, "b")
	b.Subscribe(ctx, "log")
	a.AddPeer(ctx, "b", srvB.URL)
	sa, _ := a.Subscribe(ctx, "log")
	waitEvent(t, sa)

	srvB.Close()
	err := a.Publish(ctx, "log", []byte("x"), transport.Seek{})
	if !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("Publish: %v, want ErrUnreachable", err)
	}
	if ev := waitEvent(t, sa); ev != (transport.PeerUnreachable{Peer: "b"}) {
		t.Fatalf("a got %#v", ev)
	}
}

func TestPublishRequiresSubscription(t *testing.T) {
	a, _ := newPeer(t, "a")
	err := a.Publish(context.Background(), "log", []byte("x"), transport.AnyWhere{})
	if !errors.Is(err, transport.ErrNotSubscribed) {
		t.Fatalf("Publish: %v, want ErrNotSubscribed", err)
	}
}

func TestLargePayloadIsCompressed(t *testing.T) {
	ctx := context.Background()
	a, srvA := newPeer(t, "a")
	b, srvB := newPeer(t, "b")
	a.AddPeer(ctx, "b", srvB.URL)
	b.AddPeer(ctx, "a", srvA.URL)
	sa, _ := a.Subscribe(ctx, "log")
	sb, _ := b.Subscribe(ctx, "log")
	waitEvent(t, sa)
	waitEvent(t, sb)

	payload := bytes.Repeat([]byte("block "), 2048)
	if err := a.Publish(ctx, "log", payload, transport.Acknowledge{To: []types.PeerID{"b"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, ok := waitEvent(t, sb).(transport.Data)
	if !ok || !bytes.Equal(d.Bytes, payload) {
		t.Fatalf("b got %d bytes, want %d", len(d.Bytes), len(payload))
	}
}

func TestTopicWithSlash(t *testing.T) {
	ctx := context.Background()
	a, srvA := newPeer(t, "a")
	b, srvB := newPeer(t, "b")
	a.AddPeer(ctx, "b", srvB.URL)
	b.AddPeer(ctx, "a", srvA.URL)
	sa, _ := a.Subscribe(ctx, "sharedlog/events")
	sb, _ := b.Subscribe(ctx, "sharedlog/events")
	waitEvent(t, sa)
	waitEvent(t, sb)

	if err := a.Publish(ctx, "sharedlog/events", []byte("x"), transport.Acknowledge{To: []types.PeerID{"b"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if d, ok := waitEvent(t, sb).(transport.Data); !ok || string(d.Bytes) != "x" {
		t.Fatalf("b got %#v", d)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	tr := New("b", "", nil)
	defer tr.Close()
	tr.maxBody = 1024
	h := tr.Routes()

	for _, path := range []string{"/gossip/log/data", "/gossip/log/hello"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(make([]byte, 4096)))
		req.Header.Set(headerPeer, "a")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("%s: expected 413, got %d", path, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/gossip/log/data", bytes.NewReader([]byte("small")))
	req.Header.Set(headerPeer, "a")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("small body on unsubscribed topic: expected 404, got %d", rr.Code)
	}
}
