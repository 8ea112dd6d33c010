// Package credentials holds the session cookies used for chat token exchange.
package credentials

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
)

var ErrEmptyCookies = errors.New("credentials: NID_AUT and NID_SES are required")

// Cookie names expected by the token exchange.
const (
	CookieNIDAut = "NID_AUT"
	CookieNIDSes = "NID_SES"
)

// Cookies is a logged-in browser session. The zero value is anonymous.
type Cookies struct {
	NIDAut string
	NIDSes string
}

// Empty reports whether either cookie is missing.
func (c Cookies) Empty() bool {
	return c.NIDAut == "" || c.NIDSes == ""
}

// HTTPCookies renders c for an outgoing request.
func (c Cookies) HTTPCookies() []*http.Cookie {
	if c.Empty() {
		return nil
	}
	return []*http.Cookie{
		{Name: CookieNIDAut, Value: c.NIDAut},
		{Name: CookieNIDSes, Value: c.NIDSes},
	}
}

// Redacted is safe to log.
func (c Cookies) Redacted() string {
	mask := func(v string) string {
		if v == "" {
			return "<unset>"
		}
		return "[REDACTED]"
	}
	return CookieNIDAut + "=" + mask(c.NIDAut) + " " + CookieNIDSes + "=" + mask(c.NIDSes)
}

// Parse reads cookies from either a Cookie header (`NID_AUT=a; NID_SES=b`)
// or one KEY=value pair per line. Unknown keys are ignored.
func Parse(raw string) Cookies {
	var c Cookies
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	})
	for _, field := range fields {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.TrimSpace(k) {
		case CookieNIDAut:
			c.NIDAut = v
		case CookieNIDSes:
			c.NIDSes = v
		}
	}
	return c
}

// FileLoader reads cookies from disk and remembers the last value, so callers
// can tell a rotation from a no-op rewrite.
type FileLoader struct {
	path   string
	mu     sync.Mutex
	cached Cookies
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Path is the file the loader reads.
func (l *FileLoader) Path() string {
	return l.path
}

// Load reads and parses the file. The boolean reports whether the value
// differs from the cached one.
func (l *FileLoader) Load() (Cookies, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return Cookies{}, false, err
	}

	c := Parse(string(data))
	if c.Empty() {
		l.cached = Cookies{}
		return Cookies{}, false, ErrEmptyCookies
	}
	if c == l.cached {
		return l.cached, false, nil
	}
	l.cached = c
	return c, true, nil
}

// SetCached seeds the cache, e.g. with cookies taken from the environment.
func (l *FileLoader) SetCached(c Cookies) {
	l.mu.Lock()
	l.cached = c
	l.mu.Unlock()
}

// Store is the current cookie value shared between the reload path and the
// token exchange.
type Store struct {
	mu      sync.RWMutex
	current Cookies
}

func NewStore(initial Cookies) *Store {
	return &Store{current: initial}
}

func (s *Store) Current() Cookies {
	if s == nil {
		return Cookies{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) Set(c Cookies) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}
