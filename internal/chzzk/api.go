package chzzk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/you/livechat-harvester/internal/credentials"
	"github.com/you/livechat-harvester/internal/telemetry"
)

const (
	DefaultAPIBase  = "https://api.chzzk.naver.com"
	DefaultGameBase = "https://comm-api.game.naver.com"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	statusOpen       = "OPEN"
	tracerName       = "github.com/you/livechat-harvester/internal/chzzk"
	maxResponseBytes = 1 << 20
)

// LiveDetail is the subset of the live-detail lookup the session needs.
type LiveDetail struct {
	LiveID        string
	Title         string
	Status        string
	ChatChannelID string
}

// Live reports whether the channel is broadcasting.
func (d LiveDetail) Live() bool {
	return d.Status == statusOpen
}

// Token is a short-lived chat access token plus the auxiliary token issued
// with it.
type Token struct {
	AccessToken string
	ExtraToken  string
}

// LiveDetailer resolves a channel to its current broadcast. A channel that
// does not exist is reported as an *Error of KindNotFound.
type LiveDetailer interface {
	LiveDetail(ctx context.Context, channelID string) (LiveDetail, error)
}

// TokenIssuer exchanges session cookies for a chat access token.
type TokenIssuer interface {
	AccessToken(ctx context.Context, chatChannelID string) (Token, error)
}

// API is the REST client for live detail and token exchange. Each call is
// retried under Retry on network errors, 5xx and malformed JSON.
type API struct {
	HTTP      *http.Client
	APIBase   string
	GameBase  string
	UserAgent string
	Cookies   func() credentials.Cookies
	Retry     RetryPolicy
	Logger    *slog.Logger
}

// NewHTTPClient returns a client that routes through proxy when set.
func NewHTTPClient(proxy string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(proxy) != "" {
		u, err := url.Parse(strings.TrimSpace(proxy))
		if err != nil {
			return nil, fmt.Errorf("chzzk: parse proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

type envelopeResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Content *T     `json:"content"`
}

type liveDetailContent struct {
	LiveID        flexString `json:"liveId"`
	LiveTitle     string     `json:"liveTitle"`
	Status        string     `json:"status"`
	ChatChannelID string     `json:"chatChannelId"`
}

type tokenContent struct {
	AccessToken string `json:"accessToken"`
	ExtraToken  string `json:"extraToken"`
}

// LiveDetail implements LiveDetailer.
func (a *API) LiveDetail(ctx context.Context, channelID string) (detail LiveDetail, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "chzzk.live_detail",
		attribute.String("channel_id", channelID))
	defer func() { telemetry.EndSpan(span, err) }()

	endpoint := strings.TrimRight(a.apiBase(), "/") + "/service/v2/channels/" + url.PathEscape(channelID) + "/live-detail"
	content, err := retry(ctx, a.Retry, func() (*liveDetailContent, error) {
		return getJSON[liveDetailContent](ctx, a, endpoint, false)
	}, a.notify("live detail", channelID))
	if err != nil {
		return LiveDetail{}, classifyHTTP(ctx, KindNotFound, channelID, err)
	}
	if content == nil {
		return LiveDetail{}, newError(KindNotFound, channelID, errors.New("no live detail content"))
	}
	return LiveDetail{
		LiveID:        string(content.LiveID),
		Title:         content.LiveTitle,
		Status:        content.Status,
		ChatChannelID: content.ChatChannelID,
	}, nil
}

// AccessToken implements TokenIssuer.
func (a *API) AccessToken(ctx context.Context, chatChannelID string) (tok Token, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "chzzk.access_token",
		attribute.String("chat_channel_id", chatChannelID))
	defer func() { telemetry.EndSpan(span, err) }()

	q := url.Values{}
	q.Set("channelId", chatChannelID)
	q.Set("chatType", "STREAMING")
	endpoint := strings.TrimRight(a.gameBase(), "/") + "/nng_main/v1/chats/access-token?" + q.Encode()

	content, err := retry(ctx, a.Retry, func() (*tokenContent, error) {
		return getJSON[tokenContent](ctx, a, endpoint, true)
	}, a.notify("access token", chatChannelID))
	if err != nil {
		return Token{}, classifyHTTP(ctx, KindAuthFailed, chatChannelID, err)
	}
	if content == nil || content.AccessToken == "" {
		return Token{}, newError(KindAuthFailed, chatChannelID, errors.New("no access token issued"))
	}
	return Token{AccessToken: content.AccessToken, ExtraToken: content.ExtraToken}, nil
}

// statusError is an HTTP response outside 2xx.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func getJSON[T any](ctx context.Context, a *API, endpoint string, withCookies bool) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", a.userAgent())
	req.Header.Set("Accept", "application/json")
	if withCookies && a.Cookies != nil {
		for _, c := range a.Cookies().HTTPCookies() {
			req.AddCookie(c)
		}
	}

	resp, err := a.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if len(serr.Body) > 200 {
			serr.Body = serr.Body[:200]
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, serr
		}
		return nil, backoff.Permanent(serr)
	}

	var out envelopeResponse[T]
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Content, nil
}

// classifyHTTP maps a lookup failure to its Kind. Only a 4xx keeps the
// caller's kind; network failures, 5xx and bodies that never decoded are
// transport errors. Cancellation is returned as is.
func classifyHTTP(ctx context.Context, kind Kind, channel string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = unwrapPermanent(err)
	var serr *statusError
	if errors.As(err, &serr) && serr.Code >= 400 && serr.Code < 500 && serr.Code != http.StatusTooManyRequests {
		return classify(kind, channel, err)
	}
	return classify(KindTransportFailed, channel, err)
}

func (a *API) notify(what, id string) func(error, time.Duration) {
	logger := a.logger()
	return func(err error, next time.Duration) {
		logger.Warn("chzzk: "+what+" failed, retrying",
			"id", id,
			"err", err,
			"retry_in", next.Round(time.Millisecond),
		)
	}
}

func (a *API) client() *http.Client {
	if a.HTTP != nil {
		return a.HTTP
	}
	return http.DefaultClient
}

func (a *API) apiBase() string {
	if a.APIBase != "" {
		return a.APIBase
	}
	return DefaultAPIBase
}

func (a *API) gameBase() string {
	if a.GameBase != "" {
		return a.GameBase
	}
	return DefaultGameBase
}

func (a *API) userAgent() string {
	if a.UserAgent != "" {
		return a.UserAgent
	}
	return defaultUserAgent
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
