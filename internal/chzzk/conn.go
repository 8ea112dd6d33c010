package chzzk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"nhooyr.io/websocket"

	"github.com/you/livechat-harvester/internal/telemetry"
)

// State is a connection state machine state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAck
	StateLive
	StateReconnecting
	StateTerminated
)

var allStates = []State{
	StateIdle,
	StateConnecting,
	StateAwaitingAck,
	StateLive,
	StateReconnecting,
	StateTerminated,
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingAck:
		return "AWAITING_HANDSHAKE_ACK"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	defaultKeepaliveInterval = 20 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReadIdleTimeout   = 2 * time.Minute
	defaultWriteTimeout      = 5 * time.Second
	defaultRecentChatCount   = 50
	readLimitBytes           = 1 << 20
)

var (
	errNotLive    = errors.New("chzzk: channel is no longer live")
	errTerminated = errors.New("chzzk: session terminated")
)

// Session is a published copy of the connection state. Only the client's
// goroutine writes the fields it is copied from.
type Session struct {
	ChannelID     string `json:"channel_id"`
	ChatChannelID string `json:"chat_channel_id"`
	ServerID      int    `json:"server_id"`
	SessionID     string `json:"session_id,omitempty"`
	ConnectCount  int    `json:"connect_count"`
	State         State  `json:"state"`
	AccessToken   string `json:"-"`
	ExtraToken    string `json:"-"`
}

// ClientConfig wires a Client. Detail, Tokens and Queue are required.
type ClientConfig struct {
	ChannelID     string
	ChatChannelID string
	// Token, when set, is used for the first connection instead of a fresh
	// exchange.
	Token *Token

	Detail     LiveDetailer
	Tokens     TokenIssuer
	Normalizer Normalizer
	Queue      *Queue

	// Endpoint maps a shard id to a websocket URL. Defaults to DefaultEndpoint.
	Endpoint   func(serverID int) string
	HTTPClient *http.Client
	Header     http.Header

	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	ReadIdleTimeout   time.Duration
	RecentChatCount   int
	Retry             RetryPolicy

	Metrics       *Metrics
	Logger        *slog.Logger
	DebugDrops    bool
	OnStateChange func(from, to State)
}

// Client owns one chat session: the transport, the handshake and the
// reconnect policy. All transitions happen on the goroutine running Run.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	drops  *dropLogger

	mu         sync.Mutex
	state      State
	session    Session
	conn       *websocket.Conn
	cancel     context.CancelFunc
	running    bool
	terminated bool
	err        error

	termOnce   sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

// NewClient validates cfg and fills defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ChannelID == "" || cfg.ChatChannelID == "" {
		return nil, errors.New("chzzk: channel id and chat channel id are required")
	}
	if cfg.Detail == nil || cfg.Tokens == nil || cfg.Queue == nil {
		return nil, errors.New("chzzk: live detail, token issuer and queue are required")
	}
	if cfg.Endpoint == nil {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = defaultReadIdleTimeout
	}
	if cfg.RecentChatCount <= 0 {
		cfg.RecentChatCount = defaultRecentChatCount
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Normalizer.ChannelID == "" {
		cfg.Normalizer.ChannelID = cfg.ChannelID
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", cfg.ChannelID)

	c := &Client{
		cfg:    cfg,
		logger: logger,
		drops:  newDropLogger(logger, time.Now(), cfg.DebugDrops, dropSummaryInterval),
		state:  StateIdle,
		session: Session{
			ChannelID:     cfg.ChannelID,
			ChatChannelID: cfg.ChatChannelID,
			ServerID:      serverID(cfg.ChatChannelID),
			State:         StateIdle,
		},
		done: make(chan struct{}),
	}
	if cfg.Token != nil {
		c.session.AccessToken = cfg.Token.AccessToken
		c.session.ExtraToken = cfg.Token.ExtraToken
	}
	cfg.Metrics.setState(StateIdle)
	return c, nil
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the session fields.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.State = c.state
	return s
}

// Err returns the fatal error that ended Run, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the client reaches TERMINATED.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Terminate stops the session. It is idempotent and wins over any reconnect
// in flight: no CONNECT is sent after it returns.
func (c *Client) Terminate() {
	c.termOnce.Do(func() {
		c.mu.Lock()
		c.terminated = true
		cancel := c.cancel
		running := c.running
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.closeTransport()
		if !running {
			c.finish()
		}
	})
}

// Run drives the session until it is terminated, the channel stops
// broadcasting, or the reconnect budget is spent. Only the last returns an
// error.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.terminated || c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()
	defer c.finish()

	first := true
	for {
		if c.stopped(ctx) {
			return nil
		}

		ep, err := c.establish(ctx, first)
		first = false
		if err != nil {
			err = unwrapPermanent(err)
			switch {
			case c.stopped(ctx) || errors.Is(err, errTerminated):
				return nil
			case errors.Is(err, errNotLive):
				c.logger.Info("chzzk: channel no longer live, ending session")
				return nil
			}
			err = classify(KindTransportFailed, c.cfg.ChannelID, err)
			c.logger.Error("chzzk: giving up on session", "err", err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return err
		}

		err = c.serve(ep)
		ep.cancel()
		c.closeTransport()
		if c.stopped(ctx) {
			return nil
		}

		c.logger.Warn("chzzk: disconnected, reconnecting", "err", err)
		c.cfg.Metrics.incReconnect()
		c.setState(StateReconnecting)
	}
}

// epoch is one connected transport and the context scoping its keepalive.
type epoch struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// establish runs one connect cycle under the retry budget. The first cycle
// of a session reuses the chat channel and token resolved by Start; every
// other one re-checks liveness and fetches a fresh token.
func (c *Client) establish(ctx context.Context, first bool) (*epoch, error) {
	attempt := 0
	return retry(ctx, c.cfg.Retry, func() (*epoch, error) {
		attempt++
		if c.stopped(ctx) {
			return nil, backoff.Permanent(errTerminated)
		}

		fresh := !first || attempt > 1 || c.Session().AccessToken == ""
		if fresh {
			if err := c.refresh(withSingleAttempt(ctx)); err != nil {
				return nil, err
			}
		}

		c.setState(StateConnecting)
		return c.connect(ctx)
	}, func(err error, next time.Duration) {
		c.logger.Warn("chzzk: connect attempt failed",
			"attempt", attempt,
			"err", err,
			"retry_in", next.Round(time.Millisecond),
		)
	})
}

// refresh re-checks liveness, re-resolves the shard and exchanges a new
// token. Only a lookup classified as not found ends the session as not
// live; any other failure counts against the reconnect budget.
func (c *Client) refresh(ctx context.Context) error {
	detail, err := c.cfg.Detail.LiveDetail(ctx, c.cfg.ChannelID)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) && typed.Kind == KindNotFound {
			return backoff.Permanent(errNotLive)
		}
		return err
	}
	if !detail.Live() {
		return backoff.Permanent(errNotLive)
	}

	chatChannelID := c.Session().ChatChannelID
	if detail.ChatChannelID != "" {
		chatChannelID = detail.ChatChannelID
	}

	tok, err := c.cfg.Tokens.AccessToken(ctx, chatChannelID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session.ChatChannelID = chatChannelID
	c.session.ServerID = serverID(chatChannelID)
	c.session.AccessToken = tok.AccessToken
	c.session.ExtraToken = tok.ExtraToken
	c.mu.Unlock()
	return nil
}

func (c *Client) connect(ctx context.Context) (ep *epoch, err error) {
	sess := c.Session()
	endpoint := c.cfg.Endpoint(sess.ServerID)

	spanCtx, span := telemetry.StartSpan(ctx, tracerName, "chzzk.handshake",
		attribute.String("chat_channel_id", sess.ChatChannelID),
		attribute.Int("server_id", sess.ServerID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	dialCtx, dialCancel := context.WithTimeout(spanCtx, c.cfg.HandshakeTimeout)
	defer dialCancel()

	ws, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: c.dialClient(),
		HTTPHeader: c.cfg.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(readLimitBytes)

	if !c.adopt(ws) {
		_ = ws.CloseNow()
		return nil, backoff.Permanent(errTerminated)
	}

	connCtx, connCancel := context.WithCancel(ctx)
	ep = &epoch{ws: ws, ctx: connCtx, cancel: connCancel}
	defer func() {
		if err != nil {
			connCancel()
			c.closeTransport()
		}
	}()

	c.logger.Info("chzzk: connecting", "endpoint", endpoint, "server_id", sess.ServerID)

	connect, err := connectEnvelope(sess.ChatChannelID, sess.AccessToken)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if err := c.send(connCtx, ws, connect); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}
	c.setState(StateAwaitingAck)
	go c.keepalive(connCtx, ws)

	sid, err := c.awaitAck(connCtx, ws, sess.ChatChannelID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session.SessionID = sid
	c.session.ConnectCount++
	count := c.session.ConnectCount
	c.mu.Unlock()
	c.cfg.Metrics.incHandshake()
	c.setState(StateLive)
	c.logger.Info("chzzk: connected", "session_id", sid, "connect_count", count)

	recent, err := recentChatEnvelope(sess.ChatChannelID, sid, c.cfg.RecentChatCount)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if err := c.send(connCtx, ws, recent); err != nil {
		return nil, fmt.Errorf("send REQUEST_RECENT_CHAT: %w", err)
	}
	return ep, nil
}

// awaitAck reads until CONNECTED, answering PINGs on the way.
func (c *Client) awaitAck(ctx context.Context, ws *websocket.Conn, chatChannelID string) (string, error) {
	ackCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	for {
		_, data, err := ws.Read(ackCtx)
		if err != nil {
			return "", fmt.Errorf("await CONNECTED: %w", err)
		}
		env, err := Decode(data)
		if err != nil {
			c.drops.note(time.Now(), dropDecodeFrame, cmdUnknown, string(data))
			continue
		}
		c.cfg.Metrics.incFrame(env.Cmd)
		switch env.Cmd {
		case CmdConnected:
			if env.RetCode != 0 {
				return "", newError(KindAuthFailed, chatChannelID,
					fmt.Errorf("CONNECTED retCode %d: %s", env.RetCode, env.RetMsg))
			}
			return sessionIDFrom(env), nil
		case CmdPing:
			if err := c.send(ctx, ws, pongEnvelope()); err != nil {
				return "", fmt.Errorf("send PONG: %w", err)
			}
		default:
			c.drops.note(time.Now(), "before_handshake", env.Cmd, "")
		}
	}
}

// serve is the LIVE read loop. It returns when the transport fails.
func (c *Client) serve(ep *epoch) error {
	for {
		readCtx, cancel := context.WithTimeout(ep.ctx, c.cfg.ReadIdleTimeout)
		_, data, err := ep.ws.Read(readCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := c.dispatch(ep, data); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ep *epoch, data []byte) error {
	now := time.Now()
	env, err := Decode(data)
	if err != nil {
		c.drops.note(now, dropDecodeFrame, cmdUnknown, string(data))
		c.cfg.Metrics.incStage(StageDropped(dropDecodeFrame), 1)
		return nil
	}
	c.cfg.Metrics.incFrame(env.Cmd)

	switch {
	case env.Cmd == CmdPing:
		if err := c.send(ep.ctx, ep.ws, pongEnvelope()); err != nil {
			return fmt.Errorf("send PONG: %w", err)
		}
	case env.Cmd == CmdPong, env.Cmd == CmdConnected:
	case env.Cmd == CmdResponseRecentChat:
		if c.Session().ConnectCount > 1 {
			c.logger.Debug("chzzk: suppressing recent chat replay after reconnect")
			c.drops.note(now, "replay_suppressed", env.Cmd, "")
			c.cfg.Metrics.incStage(StageDropped("replay_suppressed"), 1)
			return nil
		}
		c.deliver(now, env)
	case env.Cmd.chatLike():
		c.deliver(now, env)
	default:
		c.drops.note(now, dropNotChat, env.Cmd, "")
		c.cfg.Metrics.incStage(StageDropped(dropNotChat), 1)
	}
	return nil
}

func (c *Client) deliver(now time.Time, env Envelope) {
	events, drops := c.cfg.Normalizer.Normalize(env.Body)
	c.cfg.Metrics.incStage(StageSeen, len(events)+len(drops))
	for _, d := range drops {
		c.drops.note(now, d.Reason, env.Cmd, d.Sample)
		c.cfg.Metrics.incStage(StageDropped(d.Reason), 1)
	}
	c.cfg.Metrics.incStage(StageNormalized, len(events))
	for _, ev := range events {
		if !c.cfg.Queue.Push(ev) {
			return
		}
	}
}

func (c *Client) keepalive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, ws, pingEnvelope()); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("chzzk: keepalive failed", "err", err)
				}
				return
			}
		}
	}
}

func (c *Client) send(ctx context.Context, ws *websocket.Conn, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

// adopt records ws as the live transport unless the session was terminated
// while dialing.
func (c *Client) adopt(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return false
	}
	c.conn = ws
	return true
}

// closeTransport closes the current transport once; concurrent callers race
// for the handle and only the winner closes it.
func (c *Client) closeTransport() {
	c.mu.Lock()
	ws := c.conn
	c.conn = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.CloseNow()
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateTerminated || (c.terminated && to != StateTerminated) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.cfg.Metrics.setState(to)
	c.logger.Debug("chzzk: state", "from", from.String(), "to", to.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}

func (c *Client) finish() {
	c.finishOnce.Do(func() {
		c.setState(StateTerminated)
		c.cfg.Queue.Close()
		c.drops.flush(time.Now())
		close(c.done)
	})
}

func (c *Client) dialClient() *http.Client {
	hc := c.cfg.HTTPClient
	if hc == nil || hc.Timeout == 0 {
		return hc
	}
	// websocket.Dial refuses clients with Timeout set; the dial context
	// bounds the upgrade instead.
	clone := *hc
	clone.Timeout = 0
	return &clone
}
