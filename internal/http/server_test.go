//nolint:hugeParam // test only
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/cluster"
	"sharedlog/pkg/entry"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/metrics"
	"sharedlog/pkg/role"
	"sharedlog/pkg/sharedlog"
	"sharedlog/pkg/transport/memory"
	"sharedlog/pkg/types"
)

// fakeRouter answers remote reads from a map
type fakeRouter struct {
	entries map[types.Hash]*entry.Entry
}

func (f *fakeRouter) Get(_ context.Context, _ string, hash types.Hash) (*entry.Entry, error) {
	if e, ok := f.entries[hash]; ok {
		return e, nil
	}
	return nil, cluster.ErrNotFound
}

func newTestServer(t *testing.T) (*Server, *sharedlog.Log) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	hub := memory.NewHub()
	m := metrics.New()
	node := sharedlog.NewNode(id, hub.Join(id.PeerID()), blockstore.MemoryOpener{}, m,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = node.Close() })

	l, err := node.Open(context.Background(), sharedlog.Options{
		Name:               "events",
		RebalanceInterval:  50 * time.Millisecond,
		DistributeInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	s := NewServer(node, "")
	s.SetMetrics(m.Handler())
	s.SetRouter(&fakeRouter{entries: map[types.Hash]*entry.Entry{}})
	return s, l
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, value any) Response {
	t.Helper()
	var raw struct {
		Status Status          `json:"status"`
		Value  json.RawMessage `json:"value"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	if value != nil && len(raw.Value) > 0 {
		if err := json.Unmarshal(raw.Value, value); err != nil {
			t.Fatalf("failed to decode value: %v, body=%s", err, rr.Body.String())
		}
	}
	return Response{Status: raw.Status, Error: raw.Error}
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s.createRouter(), http.MethodGet, "/health", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr, nil); resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestAppendAndReadFlow(t *testing.T) {
	s, l := newTestServer(t)
	h := s.createRouter()

	// POST
	rr := do(t, h, http.MethodPost, "/api/logs/events/entries?gid_seed=orders", strings.NewReader("hello"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created EntryView
	if resp := decodeResp(t, rr, &created); resp.Status != StatusSuccess {
		t.Fatalf("append: expected status %s, got %s", StatusSuccess, resp.Status)
	}
	if string(created.Payload) != "hello" || created.Gid == "" || len(created.Next) != 0 {
		t.Fatalf("append: unexpected entry %+v", created)
	}

	// child on top of the head
	rr = do(t, h, http.MethodPost, "/api/logs/events/entries", strings.NewReader("world"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("append child: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var child EntryView
	decodeResp(t, rr, &child)
	if child.Gid != created.Gid || len(child.Next) != 1 || child.Next[0] != created.Hash {
		t.Fatalf("child does not extend root: %+v", child)
	}

	// GET entry
	rr = do(t, h, http.MethodGet, "/api/logs/events/entries/"+created.Hash, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var got EntryView
	decodeResp(t, rr, &got)
	if got.Hash != created.Hash {
		t.Fatalf("get: expected %s, got %s", created.Hash, got.Hash)
	}

	// heads
	rr = do(t, h, http.MethodGet, "/api/logs/events/heads", nil)
	var heads []string
	decodeResp(t, rr, &heads)
	if len(heads) != 1 || heads[0] != child.Hash {
		t.Fatalf("heads = %v, want [%s]", heads, child.Hash)
	}

	// raw block decodes to the same entry
	rr = do(t, h, http.MethodGet, "/api/logs/events/blocks/"+child.Hash, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("block: expected 200, got %d", rr.Code)
	}
	if _, err := entry.DecodeHash(child.Hash, rr.Body.Bytes()); err != nil {
		t.Fatalf("block: %v", err)
	}

	// summary
	rr = do(t, h, http.MethodGet, "/api/logs/events", nil)
	var view LogView
	decodeResp(t, rr, &view)
	if view.Entries != 2 || view.Peer != string(l.Self()) || len(view.Replicators) != 1 {
		t.Fatalf("log view = %+v", view)
	}
}

func TestEntryFallsBackToRouter(t *testing.T) {
	s, _ := newTestServer(t)
	id, _ := identity.Generate()
	remote, err := entry.Create(entry.CreateParams{Data: []byte("elsewhere"), Next: []*entry.Entry{}, Identity: id})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.SetRouter(&fakeRouter{entries: map[types.Hash]*entry.Entry{remote.Hash: remote}})
	h := s.createRouter()

	rr := do(t, h, http.MethodGet, "/api/logs/events/entries/"+remote.Hash, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/api/logs/events/entries/unknown", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/api/logs/events/blocks/"+remote.Hash, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("block of remote entry: expected 404, got %d", rr.Code)
	}
}

func TestRoleChange(t *testing.T) {
	s, l := newTestServer(t)
	h := s.createRouter()

	body, _ := json.Marshal(RoleRequest{Role: "observer"})
	rr := do(t, h, http.MethodPut, "/api/logs/events/role", bytes.NewReader(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("role: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := l.Role().(role.Observer); !ok {
		t.Fatalf("role = %s", role.String(l.Role()))
	}

	quarter := 0.25
	body, _ = json.Marshal(RoleRequest{Role: "replicator", Factor: &quarter, Fixed: true, MemoryLimit: "1MiB"})
	rr = do(t, h, http.MethodPut, "/api/logs/events/role", bytes.NewReader(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("role: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rep, ok := l.Role().(role.Replicator)
	if !ok || rep.Factor != 0.25 || !rep.Fixed || rep.Limits.Memory != 1<<20 {
		t.Fatalf("role = %#v", l.Role())
	}

	rr = do(t, h, http.MethodPut, "/api/logs/events/role", strings.NewReader(`{"role":"replicator","factor":0}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("role: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rep, ok := l.Role().(role.Replicator); !ok || rep.Factor != 0 {
		t.Fatalf("explicit zero factor: role = %#v", l.Role())
	}

	rr = do(t, h, http.MethodPut, "/api/logs/events/role", strings.NewReader(`{"role":"leader"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad role: expected 400, got %d", rr.Code)
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.createRouter()

	cases := []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/api/logs/nope/heads", http.StatusNotFound},
		{http.MethodPost, "/api/logs/events/entries?root=maybe", http.StatusBadRequest},
		{http.MethodGet, "/api/logs/events/union?offset=x", http.StatusBadRequest},
		{http.MethodPut, "/api/logs/events/role", http.StatusBadRequest},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
	}
	for _, c := range cases {
		rr := do(t, h, c.method, c.target, strings.NewReader(""))
		if rr.Code != c.want {
			t.Fatalf("%s %s: expected %d, got %d body=%s", c.method, c.target, c.want, rr.Code, rr.Body.String())
		}
	}
}

func TestMetricsAndListing(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.createRouter()

	rr := do(t, h, http.MethodGet, "/api/logs", nil)
	var names []string
	decodeResp(t, rr, &names)
	if len(names) != 1 || names[0] != "events" {
		t.Fatalf("logs = %v", names)
	}

	rr = do(t, h, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "sharedlog_") {
		t.Fatalf("metrics output lacks sharedlog collectors")
	}
}
