package harvester

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/you/livechat-harvester/internal/credentials"
)

// Session is the running chat session the harvester can stop.
type Session interface {
	Terminate()
}

// Harvester owns the process-wide control operations: cookie reloads from
// disk and session termination. The chat session picks up reloaded cookies
// on its next token exchange.
type Harvester struct {
	loader *credentials.FileLoader
	store  *credentials.Store

	mu       sync.Mutex
	session  Session
	onReload func(credentials.Cookies)
}

func New(loader *credentials.FileLoader, store *credentials.Store) *Harvester {
	return &Harvester{loader: loader, store: store}
}

func (h *Harvester) SetSession(s Session) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}

// OnReload registers fn to run after cookies change.
func (h *Harvester) OnReload(fn func(credentials.Cookies)) {
	h.mu.Lock()
	h.onReload = fn
	h.mu.Unlock()
}

// ReloadCredentials re-reads the cookie file into the store and returns the
// redacted cookie summary.
func (h *Harvester) ReloadCredentials() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.loader == nil || h.loader.Path() == "" {
		return "", fmt.Errorf("cookie file not configured")
	}
	cookies, changed, err := h.loader.Load()
	if err != nil {
		return "", fmt.Errorf("read cookies: %w", err)
	}
	if !changed {
		slog.Info("harvester: cookie file unchanged", "path", h.loader.Path())
		return cookies.Redacted(), nil
	}
	h.store.Set(cookies)
	if h.onReload != nil {
		h.onReload(cookies)
	}
	slog.Info("harvester: reloaded cookies", "path", h.loader.Path(), "cookies", cookies.Redacted())
	return cookies.Redacted(), nil
}

// TerminateSession stops the chat session. The consumer sees the remaining
// queued events and then the end of the sequence.
func (h *Harvester) TerminateSession() error {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no chat session running")
	}
	s.Terminate()
	slog.Info("harvester: chat session terminated")
	return nil
}
