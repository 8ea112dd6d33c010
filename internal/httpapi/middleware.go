package httpapi

import (
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// responseRecorder captures status and size for request metrics.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	body   io.Writer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, body: w}
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.body.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Bytes() int64 { return r.bytes }

// Flush pushes buffered compressed bytes and then the connection.
func (r *responseRecorder) Flush() {
	if f, ok := r.body.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

// compress routes rec's body through a pooled gzip writer when the client
// accepts it. The returned func must run after the handler; it is nil when
// the response stays uncompressed. Event streams are never compressed.
func compress(rec *responseRecorder, r *http.Request) func() {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return nil
	}
	if r.Header.Get("Upgrade") != "" || r.URL.Path == "/stream" ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return nil
	}

	gz := gzipWriters.Get().(*gzip.Writer)
	gz.Reset(rec.ResponseWriter)
	rec.body = gz
	rec.Header().Set("Content-Encoding", "gzip")
	rec.Header().Add("Vary", "Accept-Encoding")
	rec.Header().Del("Content-Length")

	return func() {
		_ = gz.Close()
		gz.Reset(io.Discard)
		gzipWriters.Put(gz)
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter is a token bucket per client key. Idle keys are evicted once
// the table grows past maxKeys.
type keyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	idle    time.Duration
	maxKeys int
}

func newKeyedLimiter(rps, burst int) *keyedLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &keyedLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    5 * time.Minute,
		maxKeys: 1024,
	}
}

// Allow spends one token for key. A nil limiter allows everything.
func (l *keyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= l.maxKeys {
			l.evict(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) evict(now time.Time) {
	cutoff := now.Add(-l.idle)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// clientKey is the rate limit key: the first X-Forwarded-For hop when
// forwarded headers are trusted, else the peer address.
func clientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type corsPolicy struct {
	any     bool
	origins map[string]bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	policy := &corsPolicy{origins: make(map[string]bool)}
	for _, origin := range origins {
		switch o := strings.TrimSpace(origin); o {
		case "":
		case "*":
			policy.any = true
		default:
			policy.origins[o] = true
		}
	}
	if !policy.any && len(policy.origins) == 0 {
		return nil
	}
	return policy
}

func (c *corsPolicy) allows(origin string) bool {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	return c.any || c.origins[origin]
}

type corsVerdict int

const (
	corsPass corsVerdict = iota
	corsDone
	corsDenied
)

// decide sets CORS headers for r. corsDone means a preflight was answered;
// corsDenied means the origin is not allowed. Requests without an Origin,
// and every request when no policy is configured, pass untouched.
func (c *corsPolicy) decide(w http.ResponseWriter, r *http.Request) corsVerdict {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return corsPass
	}
	if !c.allows(origin) {
		return corsDenied
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Expose-Headers", "X-Request-ID")
	h.Add("Vary", "Origin")
	if r.Method != http.MethodOptions {
		return corsPass
	}
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	}
	h.Set("Access-Control-Max-Age", "300")
	w.WriteHeader(http.StatusNoContent)
	return corsDone
}
