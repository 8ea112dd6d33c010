package chzzk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/livechat-harvester/internal/core"
)

// fakeChatServer accepts chat websocket connections and runs script on each
// one. n counts connections from 1.
type fakeChatServer struct {
	t      *testing.T
	srv    *httptest.Server
	script func(c *fakeConn, n int)

	conns atomic.Int32
	mu    sync.Mutex
	seen  []Envelope
}

func newFakeChatServer(t *testing.T, script func(c *fakeConn, n int)) *fakeChatServer {
	t.Helper()
	f := &fakeChatServer{t: t, script: script}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		n := int(f.conns.Add(1))
		f.script(&fakeConn{server: f, ws: ws, ctx: r.Context()}, n)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChatServer) endpoint(int) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/chat"
}

func (f *fakeChatServer) record(env Envelope) {
	f.mu.Lock()
	f.seen = append(f.seen, env)
	f.mu.Unlock()
}

func (f *fakeChatServer) count(cmd Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.seen {
		if env.Cmd == cmd {
			n++
		}
	}
	return n
}

func (f *fakeChatServer) frames(cmd Command) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, env := range f.seen {
		if env.Cmd == cmd {
			out = append(out, env)
		}
	}
	return out
}

type fakeConn struct {
	server *fakeChatServer
	ws     *websocket.Conn
	ctx    context.Context
}

// expect reads until a frame with cmd arrives, recording everything seen.
func (c *fakeConn) expect(cmd Command) (Envelope, bool) {
	ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
	defer cancel()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return Envelope{}, false
		}
		env, err := Decode(data)
		if err != nil {
			c.server.t.Errorf("client sent undecodable frame %q: %v", data, err)
			return Envelope{}, false
		}
		c.server.record(env)
		if env.Cmd == cmd {
			return env, true
		}
	}
}

func (c *fakeConn) send(raw string) bool {
	ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, []byte(raw)) == nil
}

// handshake acks CONNECT with sid and waits for the recent chat request.
func (c *fakeConn) handshake(sid string) bool {
	if _, ok := c.expect(CmdConnect); !ok {
		return false
	}
	if !c.send(`{"ver":"3","cmd":10100,"retCode":0,"bdy":{"sid":"` + sid + `"}}`) {
		return false
	}
	_, ok := c.expect(CmdRequestRecentChat)
	return ok
}

// hold records frames until the client goes away or d elapses.
func (c *fakeConn) hold(d time.Duration) {
	ctx, cancel := context.WithTimeout(c.ctx, d)
	defer cancel()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if env, err := Decode(data); err == nil {
			c.server.record(env)
		}
	}
}

// fakeDetail serves LiveDetail from a function and counts calls.
type fakeDetail struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int) (LiveDetail, error)
}

func (f *fakeDetail) LiveDetail(ctx context.Context, channelID string) (LiveDetail, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, n)
}

func alwaysLive(chatChannelID string) *fakeDetail {
	return &fakeDetail{fn: func(context.Context, int) (LiveDetail, error) {
		return LiveDetail{LiveID: "77", Title: "test stream", Status: "OPEN", ChatChannelID: chatChannelID}, nil
	}}
}

type fakeTokens struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTokens) AccessToken(ctx context.Context, chatChannelID string) (Token, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return Token{}, f.err
	}
	return Token{AccessToken: "tok-" + strconv.Itoa(int(n)), ExtraToken: "extra"}, nil
}

func testOptions(srv *fakeChatServer, detail LiveDetailer, tokens TokenIssuer) Options {
	return Options{
		ReceiveTimeout: 50 * time.Millisecond,
		JoinTimeout:    2 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
		},
		Detail:           detail,
		Tokens:           tokens,
		Endpoint:         srv.endpoint,
		HandshakeTimeout: 2 * time.Second,
	}
}

// nextEvent pulls until a non-heartbeat event arrives. ok is false when the
// stream ended first.
func nextEvent(t *testing.T, s *Stream, within time.Duration) (core.ChatEvent, bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		ev, ok := s.Next()
		if !ok {
			return core.ChatEvent{}, false
		}
		if !ev.IsHeartbeat() {
			return ev, true
		}
	}
	t.Fatalf("no event within %s", within)
	return core.ChatEvent{}, false
}

// drain consumes the stream until it ends, returning non-heartbeat events.
func drain(t *testing.T, s *Stream, within time.Duration) []core.ChatEvent {
	t.Helper()
	var out []core.ChatEvent
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		ev, ok := s.Next()
		if !ok {
			return out
		}
		if !ev.IsHeartbeat() {
			out = append(out, ev)
		}
	}
	t.Fatalf("stream did not end within %s", within)
	return out
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", within)
}
