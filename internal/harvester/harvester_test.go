package harvester

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/livechat-harvester/internal/credentials"
)

type stubSession struct {
	terminated atomic.Int32
}

func (s *stubSession) Terminate() { s.terminated.Add(1) }

func writeCookies(t *testing.T, path, aut, ses string) {
	t.Helper()
	data := "NID_AUT=" + aut + "\nNID_SES=" + ses + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}
}

func TestReloadCredentialsUpdatesStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	writeCookies(t, path, "aut-1", "ses-1")

	store := credentials.NewStore(credentials.Cookies{})
	har := New(credentials.NewFileLoader(path), store)

	var reloads int
	har.OnReload(func(credentials.Cookies) { reloads++ })

	summary, err := har.ReloadCredentials()
	if err != nil {
		t.Fatalf("ReloadCredentials: %v", err)
	}
	if strings.Contains(summary, "aut-1") {
		t.Fatalf("summary leaks cookie: %q", summary)
	}
	if got := store.Current(); got.NIDAut != "aut-1" || got.NIDSes != "ses-1" {
		t.Fatalf("store = %+v", got)
	}

	if _, err := har.ReloadCredentials(); err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if reloads != 1 {
		t.Fatalf("unchanged file should not fire OnReload, got %d", reloads)
	}

	writeCookies(t, path, "aut-2", "ses-2")
	if _, err := har.ReloadCredentials(); err != nil {
		t.Fatalf("third reload: %v", err)
	}
	if reloads != 2 || store.Current().NIDAut != "aut-2" {
		t.Fatalf("rotation not applied: reloads=%d store=%+v", reloads, store.Current())
	}
}

func TestReloadCredentialsErrors(t *testing.T) {
	dir := t.TempDir()
	store := credentials.NewStore(credentials.Cookies{NIDAut: "keep", NIDSes: "keep"})

	if _, err := New(nil, store).ReloadCredentials(); err == nil {
		t.Fatalf("expected error without a cookie file")
	}

	missing := New(credentials.NewFileLoader(filepath.Join(dir, "missing")), store)
	if _, err := missing.ReloadCredentials(); err == nil {
		t.Fatalf("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("NID_AUT=only\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(credentials.NewFileLoader(empty), store).ReloadCredentials(); err == nil {
		t.Fatalf("expected error for incomplete cookies")
	}
	if store.Current().NIDAut != "keep" {
		t.Fatalf("failed reload must not clobber the store")
	}
}

func TestTerminateSession(t *testing.T) {
	har := New(nil, credentials.NewStore(credentials.Cookies{}))
	if err := har.TerminateSession(); err == nil {
		t.Fatalf("expected error without a session")
	}
	s := &stubSession{}
	har.SetSession(s)
	if err := har.TerminateSession(); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if s.terminated.Load() != 1 {
		t.Fatalf("session not terminated")
	}
}

func TestWatchCookieFileReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	writeCookies(t, path, "aut-1", "ses-1")

	store := credentials.NewStore(credentials.Cookies{})
	loader := credentials.NewFileLoader(path)
	har := New(loader, store)
	if _, err := har.ReloadCredentials(); err != nil {
		t.Fatalf("initial reload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := har.WatchCookieFile(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeCookies(t, path, "aut-2", "ses-2")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if store.Current().NIDAut == "aut-2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watcher did not reload, store = %+v", store.Current())
}

func TestWatchCookieFileWithoutPath(t *testing.T) {
	har := New(credentials.NewFileLoader(""), credentials.NewStore(credentials.Cookies{}))
	if err := har.WatchCookieFile(context.Background()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
