package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/livechat-harvester/internal/core"
)

type Store interface {
	CountEvents(ctx context.Context, filters Filters) (int64, error)
	ListEvents(ctx context.Context, filters Filters) ([]core.ChatEvent, error)
}

// SessionInfo is the /session payload.
type SessionInfo struct {
	SessionID    string          `json:"session_id"`
	State        string          `json:"state"`
	ConnectCount int             `json:"connect_count"`
	ServerID     int             `json:"server_id,omitempty"`
	Stream       core.StreamInfo `json:"stream"`
}

type Server struct {
	httpServer *http.Server
	store      Store
	opts       Options
	metrics    *Metrics
	limiter    *keyedLimiter
	cors       *corsPolicy

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	ch      chan core.ChatEvent
	filters Filters
}

type Options struct {
	Addr           string
	Registry       *prometheus.Registry
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
	Build          BuildInfo

	// TrustProxyHeaders keys rate limits on X-Forwarded-For.
	TrustProxyHeaders bool
	// Session reports the live chat session; nil disables /session.
	Session func() SessionInfo
	// Config returns the redacted configuration for /config.
	Config func() any
	// StreamPing is the SSE keepalive comment interval.
	StreamPing time.Duration
}

const (
	streamBuffer      = 256
	defaultStreamPing = 20 * time.Second
)

func New(store Store, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.StreamPing <= 0 {
		opts.StreamPing = defaultStreamPing
	}
	srv := &Server{
		store:   store,
		opts:    opts,
		metrics: newMetrics(opts.Registry),
		limiter: newKeyedLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*streamClient]struct{}),
	}

	mux := http.NewServeMux()
	srv.route(mux, "/healthz", srv.handleHealthz)
	srv.route(mux, "/count", srv.handleCount)
	srv.route(mux, "/messages", srv.handleMessages)
	srv.route(mux, "/stream", srv.handleStream)
	srv.route(mux, "/session", srv.handleSession)
	srv.route(mux, "/info", srv.handleInfo)
	srv.route(mux, "/config", srv.handleConfig)
	mux.Handle("/metrics", srv.metrics.Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Metrics returns the API collectors so the consumer loop can report sink
// failures.
func (s *Server) Metrics() *Metrics {
	if s == nil {
		return nil
	}
	return s.metrics
}

// Mux returns the underlying mux so other packages can register routes.
func (s *Server) Mux() *http.ServeMux {
	return s.httpServer.Handler.(*http.ServeMux)
}

type requestIDKey struct{}

// RequestID returns the correlation id assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// route wraps h with correlation ids, rate limiting, CORS, gzip and request
// metrics.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		defer func() {
			s.metrics.ObserveRequest(pattern, r.Method, rec.Status(), time.Since(start), rec.Bytes())
		}()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		rec.Header().Set("X-Request-ID", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))

		if !s.limiter.Allow(clientKey(r, s.opts.TrustProxyHeaders)) {
			s.metrics.IncRateLimited()
			http.Error(rec, "rate limited", http.StatusTooManyRequests)
			return
		}
		switch s.cors.decide(rec, r) {
		case corsDone:
			return
		case corsDenied:
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			return
		}
		if done := compress(rec, r); done != nil {
			defer done()
		}
		h(rec, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountEvents(r.Context(), filters)
	if err != nil {
		log.Printf("httpapi: count failed request_id=%s: %v", RequestID(r.Context()), err)
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.store.ListEvents(r.Context(), filters)
	if err != nil {
		log.Printf("httpapi: list failed request_id=%s: %v", RequestID(r.Context()), err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []core.ChatEvent{}
	}
	writeJSON(w, events)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Session == nil {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Session())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Config == nil {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, s.opts.Config())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &streamClient{ch: make(chan core.ChatEvent, streamBuffer), filters: filters.CloneForStream()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.metrics.IncSSEClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.metrics.IncSSEClients(-1)
	}()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.opts.StreamPing)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-client.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", ev.MessageID, data)
			flusher.Flush()
			s.metrics.IncMessagesSent("sse")
		}
	}
}

// Broadcast fans ev out to stream clients whose filters match. Slow clients
// lose the event rather than block the caller.
func (s *Server) Broadcast(ev core.ChatEvent) {
	if ev.IsHeartbeat() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for client := range s.clients {
		if !client.filters.Matches(ev) {
			continue
		}
		select {
		case client.ch <- ev:
		default:
			s.metrics.IncBroadcastDrops("sse")
		}
	}
}

// StreamClients reports the connected SSE clients.
func (s *Server) StreamClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for client := range s.clients {
		close(client.ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(payload)
}
