package chzzk

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/livechat-harvester/internal/core"
	"github.com/you/livechat-harvester/internal/credentials"
	"github.com/you/livechat-harvester/internal/telemetry"
)

const (
	DefaultReceiveTimeout = 5 * time.Second
	DefaultJoinTimeout    = 5 * time.Second
)

// CookieSource yields the cookies to present on each token exchange.
// *credentials.Store satisfies it.
type CookieSource interface {
	Current() credentials.Cookies
}

// Options configures Start. The zero value is usable.
type Options struct {
	// ReceiveTimeout bounds each Next; a timeout yields a heartbeat.
	ReceiveTimeout time.Duration
	// JoinTimeout bounds how long Terminate waits for the session goroutine.
	JoinTimeout   time.Duration
	Retry         RetryPolicy
	QueueCapacity int
	IDStrategy    IDStrategy
	Proxy         string

	// Detail and Tokens default to an *API built from Proxy and the cookies.
	Detail LiveDetailer
	Tokens TokenIssuer

	Endpoint          func(serverID int) string
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	ReadIdleTimeout   time.Duration
	RecentChatCount   int

	Metrics       *Metrics
	Logger        *slog.Logger
	DebugDrops    bool
	OnStateChange func(from, to State)
}

// Stream is one ingestion instance: stream metadata plus the event sequence.
// The sequence can be consumed once.
type Stream struct {
	Info core.StreamInfo

	sessionID      string
	queue          *Queue
	client         *Client
	receiveTimeout time.Duration
	joinTimeout    time.Duration
	logger         *slog.Logger
	metrics        *Metrics

	consumed  atomic.Bool
	terminate sync.Once
	done      chan struct{}
}

// Start resolves channelID, and when it is live opens the chat session in
// the background. Lookup and token failures are returned before any
// transport is opened. For an offline channel the returned stream yields a
// single empty event and ends.
func Start(ctx context.Context, channelID string, creds CookieSource, opts Options) (*Stream, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, newError(KindNotFound, channelID, errors.New("empty channel id"))
	}

	sessionID := telemetry.NewSessionID()
	ctx = telemetry.WithSession(ctx, sessionID)
	logger := telemetry.Logger(ctx, opts.Logger).With("channel", channelID)

	receiveTimeout := opts.ReceiveTimeout
	if receiveTimeout <= 0 {
		receiveTimeout = DefaultReceiveTimeout
	}
	joinTimeout := opts.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}

	var httpClient *http.Client
	if opts.Detail == nil || opts.Tokens == nil || opts.Proxy != "" {
		hc, err := NewHTTPClient(opts.Proxy, 10*time.Second)
		if err != nil {
			return nil, err
		}
		httpClient = hc
	}
	api := &API{HTTP: httpClient, Retry: opts.Retry, Logger: logger}
	if creds != nil {
		api.Cookies = creds.Current
	}
	detailer, tokens := opts.Detail, opts.Tokens
	if detailer == nil {
		detailer = api
	}
	if tokens == nil {
		tokens = api
	}

	detail, err := detailer.LiveDetail(ctx, channelID)
	if err != nil {
		if cancelled(ctx, err) {
			return nil, err
		}
		return nil, classify(KindNotFound, channelID, err)
	}

	info := core.StreamInfo{
		ChannelID:     channelID,
		ChatChannelID: detail.ChatChannelID,
		StreamID:      detail.LiveID,
		Title:         detail.Title,
		Status:        core.StatusUpcoming,
	}
	if detail.Live() {
		info.Status = core.StatusLive
	}

	s := &Stream{
		Info:           info,
		sessionID:      sessionID,
		queue:          NewQueue(opts.QueueCapacity, opts.Metrics),
		receiveTimeout: receiveTimeout,
		joinTimeout:    joinTimeout,
		logger:         logger,
		metrics:        opts.Metrics,
		done:           make(chan struct{}),
	}

	if !detail.Live() || detail.ChatChannelID == "" {
		logger.Info("chzzk: channel not live, no chat to follow", "status", detail.Status)
		s.queue.Push(core.ChatEvent{})
		s.queue.Close()
		close(s.done)
		return s, nil
	}

	tok, err := tokens.AccessToken(ctx, detail.ChatChannelID)
	if err != nil {
		if cancelled(ctx, err) {
			return nil, err
		}
		return nil, classify(KindAuthFailed, channelID, err)
	}

	client, err := NewClient(ClientConfig{
		ChannelID:         channelID,
		ChatChannelID:     detail.ChatChannelID,
		Token:             &tok,
		Detail:            detailer,
		Tokens:            tokens,
		Normalizer:        Normalizer{ChannelID: channelID, Strategy: opts.IDStrategy},
		Queue:             s.queue,
		Endpoint:          opts.Endpoint,
		HTTPClient:        httpClient,
		Header:            http.Header{"User-Agent": []string{api.userAgent()}},
		KeepaliveInterval: opts.KeepaliveInterval,
		HandshakeTimeout:  opts.HandshakeTimeout,
		ReadIdleTimeout:   opts.ReadIdleTimeout,
		RecentChatCount:   opts.RecentChatCount,
		Retry:             opts.Retry,
		Metrics:           opts.Metrics,
		Logger:            logger,
		DebugDrops:        opts.DebugDrops,
		OnStateChange:     opts.OnStateChange,
	})
	if err != nil {
		return nil, err
	}
	s.client = client

	logger.Info("chzzk: session starting",
		"title", info.Title,
		"stream_id", info.StreamID,
		"chat_channel_id", info.ChatChannelID,
	)

	// The session outlives Start's caller context; Terminate owns it.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(s.done)
		if err := client.Run(runCtx); err != nil {
			logger.Error("chzzk: session ended with error", "err", err)
		}
	}()
	return s, nil
}

// Next waits up to the receive timeout for an event. A timeout yields the
// heartbeat with ok true; ok is false once the session ended and every
// queued event was delivered.
func (s *Stream) Next() (core.ChatEvent, bool) {
	ev, ok := s.queue.Pull(s.receiveTimeout)
	if ok && !ev.IsHeartbeat() {
		s.metrics.incStage(StageDelivered, 1)
	}
	return ev, ok
}

// All returns the event sequence, heartbeats included. It ends when the
// session terminates. Only the first call yields anything.
func (s *Stream) All() iter.Seq[core.ChatEvent] {
	return func(yield func(core.ChatEvent) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			return
		}
		for {
			ev, ok := s.Next()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// Terminate ends the session and waits up to the join timeout for the
// background goroutine. Events already queued are still delivered.
func (s *Stream) Terminate() {
	s.terminate.Do(func() {
		if s.client != nil {
			s.client.Terminate()
		} else {
			s.queue.Close()
		}
		timer := time.NewTimer(s.joinTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("chzzk: session did not stop within join timeout", "timeout", s.joinTimeout)
		}
	})
}

// Done is closed when the background session has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err is the fatal error that ended the session, if any.
func (s *Stream) Err() error {
	if s.client == nil {
		return nil
	}
	return s.client.Err()
}

// State is the connection state; an offline stream is TERMINATED.
func (s *Stream) State() State {
	if s.client == nil {
		return StateTerminated
	}
	return s.client.State()
}

// Session is a snapshot of the session fields.
func (s *Stream) Session() Session {
	if s.client == nil {
		return Session{
			ChannelID:     s.Info.ChannelID,
			ChatChannelID: s.Info.ChatChannelID,
			State:         StateTerminated,
		}
	}
	return s.client.Session()
}

// SessionID is the id attached to this instance's logs and spans.
func (s *Stream) SessionID() string {
	return s.sessionID
}

// cancelled reports whether err comes from the caller giving up rather than
// from the lookup itself.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
