package chzzk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/you/livechat-harvester/internal/core"
)

func TestStartOfflineYieldsSingleEmptyRecord(t *testing.T) {
	srv := newFakeChatServer(t, func(c *fakeConn, n int) {
		t.Errorf("no transport expected for an offline channel")
	})
	detail := &fakeDetail{fn: func(context.Context, int) (LiveDetail, error) {
		return LiveDetail{LiveID: "9", Title: "later", Status: "CLOSE", ChatChannelID: "c"}, nil
	}}
	tokens := &fakeTokens{}

	stream, err := Start(context.Background(), "chan", nil, testOptions(srv, detail, tokens))
	require.NoError(t, err)
	require.Equal(t, core.StatusUpcoming, stream.Info.Status)
	require.Equal(t, "later", stream.Info.Title)
	require.Equal(t, StateTerminated, stream.State())

	var got []core.ChatEvent
	for ev := range stream.All() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.True(t, got[0].IsHeartbeat())
	require.EqualValues(t, 0, tokens.calls.Load())
	require.EqualValues(t, 0, srv.conns.Load())

	stream.Terminate()
	require.NoError(t, stream.Err())
}

func TestStartNotFound(t *testing.T) {
	srv := newFakeChatServer(t, func(c *fakeConn, n int) {})
	detail := &fakeDetail{fn: func(context.Context, int) (LiveDetail, error) {
		return LiveDetail{}, newError(KindNotFound, "ghost", errors.New("no content"))
	}}

	stream, err := Start(context.Background(), "ghost", nil, testOptions(srv, detail, &fakeTokens{}))
	require.Nil(t, stream)
	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrAuthFailed))
}

func TestStartCanceledIsNotNotFound(t *testing.T) {
	srv := newFakeChatServer(t, func(c *fakeConn, n int) {})
	detail := &fakeDetail{fn: func(ctx context.Context, _ int) (LiveDetail, error) {
		return LiveDetail{}, ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream, err := Start(ctx, "chan", nil, testOptions(srv, detail, &fakeTokens{}))
	require.Nil(t, stream)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrNotFound))

	var typed *Error
	require.False(t, errors.As(err, &typed))
}

func TestStartEmptyChannel(t *testing.T) {
	_, err := Start(context.Background(), "  ", nil, Options{})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStartAuthFailureOpensNoTransport(t *testing.T) {
	srv := newFakeChatServer(t, func(c *fakeConn, n int) {})
	tokens := &fakeTokens{err: errors.New("cookies rejected")}

	stream, err := Start(context.Background(), "chan", nil, testOptions(srv, alwaysLive("c"), tokens))
	require.Nil(t, stream)
	require.True(t, errors.Is(err, ErrAuthFailed), "got %v", err)

	var typed *Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, "chan", typed.Channel)
	require.EqualValues(t, 0, srv.conns.Load())
}

func TestTerminateDrainsQueuedEvents(t *testing.T) {
	srv := newFakeChatServer(t, func(c *fakeConn, n int) {
		if !c.handshake("1") {
			return
		}
		c.send(chatFrame(CmdChat, 1, "one", "u1", 1))
		c.send(chatFrame(CmdChat, 2, "two", "u1", 1))
		c.send(chatFrame(CmdChat, 3, "three", "u1", 1))
		c.hold(3 * time.Second)
	})

	stream, err := Start(context.Background(), "chan", nil, testOptions(srv, alwaysLive("c"), &fakeTokens{}))
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool { return stream.queue.Len() == 3 })
	stream.Terminate()
	require.Equal(t, StateTerminated, stream.State())

	var texts []string
	for ev := range stream.All() {
		require.False(t, ev.IsHeartbeat(), "no heartbeats once terminated")
		texts = append(texts, ev.Text)
	}
	require.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestAllIsHeartbeatingAndNotRestartable(t *testing.T) {
	srv := newFakeChatServer(t, func(c *fakeConn, n int) {
		if !c.handshake("1") {
			return
		}
		c.hold(3 * time.Second)
	})

	stream, err := Start(context.Background(), "chan", nil, testOptions(srv, alwaysLive("c"), &fakeTokens{}))
	require.NoError(t, err)
	defer stream.Terminate()

	start := time.Now()
	heartbeats := 0
	for ev := range stream.All() {
		require.True(t, ev.IsHeartbeat())
		heartbeats++
		if heartbeats == 3 {
			break
		}
	}
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	for range stream.All() {
		t.Fatal("a consumed stream must not yield again")
	}
}

func TestStreamSessionID(t *testing.T) {
	srv := newFakeChatServer(t, func(c *fakeConn, n int) {})
	detail := &fakeDetail{fn: func(context.Context, int) (LiveDetail, error) {
		return LiveDetail{Status: "CLOSE"}, nil
	}}
	a, err := Start(context.Background(), "chan", nil, testOptions(srv, detail, &fakeTokens{}))
	require.NoError(t, err)
	b, err := Start(context.Background(), "chan", nil, testOptions(srv, detail, &fakeTokens{}))
	require.NoError(t, err)
	require.NotEmpty(t, a.SessionID())
	require.NotEqual(t, a.SessionID(), b.SessionID())
	require.Equal(t, "chan", a.Session().ChannelID)
}
