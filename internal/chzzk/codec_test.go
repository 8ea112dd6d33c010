package chzzk

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeConnectEnvelope(t *testing.T) {
	env, err := connectEnvelope("N1abc", "tok-123")
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "3", got["ver"])
	require.Equal(t, "game", got["svcid"])
	require.Equal(t, "N1abc", got["cid"])
	require.EqualValues(t, 100, got["cmd"])
	require.EqualValues(t, 1, got["tid"])

	body, ok := got["bdy"].(map[string]any)
	require.True(t, ok, "bdy should be an object: %s", data)
	require.Contains(t, body, "uid")
	require.Nil(t, body["uid"])
	require.EqualValues(t, 2001, body["devType"])
	require.Equal(t, "tok-123", body["accTkn"])
	require.Equal(t, "READ", body["auth"])
}

func TestEncodeKeepalive(t *testing.T) {
	data, err := Encode(pingEnvelope())
	require.NoError(t, err)
	require.JSONEq(t, `{"ver":"3","cmd":0}`, string(data))

	data, err = Encode(pongEnvelope())
	require.NoError(t, err)
	require.JSONEq(t, `{"ver":"3","cmd":10000}`, string(data))
}

func TestEncodeRecentChatCarriesSession(t *testing.T) {
	env, err := recentChatEnvelope("N1abc", "42", 50)
	require.NoError(t, err)
	data, err := Encode(env)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"ver":"3","svcid":"game","cid":"N1abc","cmd":5101,"tid":2,"sid":"42","bdy":{"recentMessageCount":50}}`,
		string(data))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		cmd     Command
		sid     string
		wantErr bool
	}{
		{name: "connected with body sid", raw: `{"ver":"3","cmd":10100,"retCode":0,"bdy":{"sid":"42"}}`, cmd: CmdConnected, sid: "42"},
		{name: "numeric sid", raw: `{"ver":3,"cmd":10100,"bdy":{"sid":42}}`, cmd: CmdConnected, sid: "42"},
		{name: "envelope sid fallback", raw: `{"ver":"2","cmd":10100,"sid":"s-9"}`, cmd: CmdConnected, sid: "s-9"},
		{name: "ping", raw: `{"ver":"3","cmd":0}`, cmd: CmdPing},
		{name: "chat list body", raw: `{"ver":"3","cmd":93101,"bdy":[{"msg":"hi"}]}`, cmd: CmdChat},
		{name: "missing cmd", raw: `{"ver":"3"}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "wrong type", raw: `{"cmd":"chat"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				var decErr *DecodeError
				require.Error(t, err)
				require.True(t, errors.As(err, &decErr))
				require.Equal(t, tt.raw, string(decErr.Raw))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.cmd, env.Cmd)
			if tt.sid != "" {
				require.Equal(t, tt.sid, sessionIDFrom(env))
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	require.Equal(t, "RESPONSE_RECENT_CHAT", CmdResponseRecentChat.String())
	require.Equal(t, "CMD_777", Command(777).String())
	require.True(t, CmdDonation.chatLike())
	require.False(t, CmdKick.chatLike())
	require.False(t, CmdResponseRecentChat.chatLike())
}
