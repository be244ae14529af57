package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"sharedlog/pkg/cluster"
	"sharedlog/pkg/config"
	"sharedlog/pkg/entry"
	"sharedlog/pkg/role"
	"sharedlog/pkg/sharedlog"
	"sharedlog/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeBlock       = "application/octet-stream"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxPayloadBytes        = 4 << 20
)

type iNode interface {
	Get(name string) (*sharedlog.Log, bool)
	Logs() []string
}

// iRouter reads entries the local peer does not hold
type iRouter interface {
	Get(ctx context.Context, log string, hash types.Hash) (*entry.Entry, error)
}

type iMounter interface {
	Mount(r chi.Router)
}

// Server serves the log API, metrics and the gossip endpoints.
type Server struct {
	node       iNode
	router     iRouter
	metrics    http.Handler
	gossip     iMounter
	httpServer *http.Server
	URL        string
	addr       string

	ReadHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(node iNode, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node:              node,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		ReadHeaderTimeout: time.Second,
	}
}

func (s *Server) SetRouter(r iRouter)       { s.router = r }
func (s *Server) SetMetrics(h http.Handler) { s.metrics = h }
func (s *Server) SetGossip(g iMounter)      { s.gossip = g }

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/logs", func(r chi.Router) {
		r.Get("/", s.handleLogs)
		r.Route("/{log}", func(r chi.Router) {
			r.Get("/", s.withLog(s.handleLog))
			r.Get("/heads", s.withLog(s.handleHeads))
			r.Get("/entries", s.withLog(s.handleEntries))
			r.Post("/entries", s.withLog(s.handleAppend))
			r.Get("/entries/{hash}", s.withLog(s.handleEntry))
			r.Get("/blocks/{hash}", s.withLog(s.handleBlock))
			r.Get("/replicators", s.withLog(s.handleReplicators))
			r.Get("/union", s.withLog(s.handleUnion))
			r.Get("/peers", s.withLog(s.handlePeers))
			r.Put("/role", s.withLog(s.handleRole))
		})
	})

	// gossip endpoints только если есть http-транспорт
	if s.gossip != nil {
		s.gossip.Mount(r)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

type logHandler func(w http.ResponseWriter, r *http.Request, l *sharedlog.Log)

func (s *Server) withLog(h logHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "log")
		l, ok := s.node.Get(name)
		if !ok {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Log not found"))
			return
		}
		h(w, r, l)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Metrics not configured"))
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(s.node.Logs()))
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	current := l.Role()
	view := LogView{
		Name:        l.Name(),
		Peer:        string(l.Self()),
		Role:        role.String(current),
		Factor:      role.Factor(current),
		Entries:     l.Len(),
		Pending:     len(l.Pending()),
		Memory:      humanize.IBytes(uint64(max(l.MemoryUsage(), 0))),
		Heads:       l.Heads(),
		Replicators: peerStrings(l.ReplicatorsSorted()),
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(view))
}

func (s *Server) handleHeads(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(l.Heads()))
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	entries := l.Entries()
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e))
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(out))
}

// handleAppend appends the request body. ?root=true starts a new causal
// group, ?gid_seed= derives its gid.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read body"))
		return
	}
	if len(data) > maxPayloadBytes {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("Payload too large"))
		return
	}

	opts := sharedlog.AppendOptions{}
	q := r.URL.Query()
	if v := q.Get("root"); v != "" {
		root, err := strconv.ParseBool(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad root flag"))
			return
		}
		opts.Root = root
	}
	if seed := q.Get("gid_seed"); seed != "" {
		opts.GidSeed = []byte(seed)
		opts.Root = true
	}

	e, err := l.Append(r.Context(), data, opts)
	switch {
	case errors.Is(err, entry.ErrInvalidInput):
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	case errors.Is(err, sharedlog.ErrClosed):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusCreated, NewValueResponse(viewOf(e)))
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	hash := chi.URLParam(r, "hash")
	if e, ok := l.Get(hash); ok {
		s.writeJSON(w, http.StatusOK, NewValueResponse(viewOf(e)))
		return
	}
	if s.router == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Entry not found"))
		return
	}

	e, err := s.router.Get(r.Context(), l.Name(), hash)
	switch {
	case errors.Is(err, cluster.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Entry not found"))
	case err != nil:
		s.writeJSON(w, http.StatusBadGateway, NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusOK, NewValueResponse(viewOf(e)))
	}
}

// handleBlock serves the stored bytes of a locally held entry.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	hash := chi.URLParam(r, "hash")
	if !l.Has(hash) {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Block not found"))
		return
	}
	data, err := l.Block(r.Context(), hash)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	w.Header().Set("Content-Type", contentTypeBlock)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("Failed to write block", "error", err)
	}
}

func (s *Server) handleReplicators(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(peerStrings(l.ReplicatorsSorted())))
}

func (s *Server) handleUnion(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad offset"))
			return
		}
		offset = n
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(peerStrings(l.ReplicatorUnion(offset))))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	peers, err := l.Peers(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(peers))
}

func (s *Server) handleRole(w http.ResponseWriter, r *http.Request, l *sharedlog.Log) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode role"))
		return
	}
	lc := config.LogConfig{
		Name:        l.Name(),
		Role:        req.Role,
		Factor:      req.Factor,
		Fixed:       req.Fixed,
		MemoryLimit: req.MemoryLimit,
	}
	next, err := lc.ToRole()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := l.SetRole(r.Context(), next); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(role.String(next)))
}

func viewOf(e *entry.Entry) EntryView {
	next := e.Next
	if next == nil {
		next = []string{}
	}
	return EntryView{
		Hash:     e.Hash,
		Gid:      e.Gid,
		Next:     next,
		WallTime: e.Clock.Timestamp.WallTime,
		Logical:  e.Clock.Timestamp.Logical,
		Payload:  e.Payload,
		MetaType: e.Meta.Type,
		Size:     humanize.IBytes(uint64(e.Size())),
	}
}

func peerStrings(ids []types.PeerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
