package chzzk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleProfile = `{\"nickname\":\"viewer\",\"streamingProperty\":{\"subscription\":{\"tier\":2}}}`

func TestNormalizeBodyShapes(t *testing.T) {
	record := `{"msgTime":1000,"msg":"hi","uid":"u1","msgTypeCode":1,"profile":"` + sampleProfile + `"}`
	tests := []struct {
		name string
		body string
	}{
		{"list", `[` + record + `]`},
		{"message list", `{"messageList":[` + record + `]}`},
		{"single object", record},
	}
	n := Normalizer{ChannelID: "chan"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, drops := n.Normalize(json.RawMessage(tt.body))
			require.Empty(t, drops)
			require.Len(t, events, 1)
			ev := events[0]
			require.NotEmpty(t, ev.MessageID)
			require.EqualValues(t, 1000000, ev.Timestamp)
			require.Equal(t, "hi", ev.Text)
			require.Equal(t, "u1", ev.Author.ID)
			require.Equal(t, "viewer", ev.Author.DisplayName)
			require.Equal(t, "1", ev.MessageType)
			require.Equal(t, "2", ev.SubscriptionTier)
		})
	}
}

func TestNormalizeFieldDrift(t *testing.T) {
	n := Normalizer{ChannelID: "chan"}
	events, drops := n.Normalize(json.RawMessage(
		`[{"messageTime":2000,"content":"hey","userId":"u2","messageTypeCode":10,"extras":{}}]`))
	require.Empty(t, drops)
	require.Len(t, events, 1)
	require.EqualValues(t, 2000000, events[0].Timestamp)
	require.Equal(t, "hey", events[0].Text)
	require.Equal(t, "u2", events[0].Author.ID)
	require.Equal(t, "10", events[0].MessageType)
}

func TestNormalizePrefersFirstCandidate(t *testing.T) {
	n := Normalizer{}
	events, _ := n.Normalize(json.RawMessage(
		`{"msgTime":1,"messageTime":2,"msg":"new","content":"old","uid":"a","userId":"b","msgTypeCode":1,"profile":{}}`))
	require.Len(t, events, 1)
	require.EqualValues(t, 1000, events[0].Timestamp)
	require.Equal(t, "new", events[0].Text)
	require.Equal(t, "a", events[0].Author.ID)
}

func TestNormalizeDrops(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"no time", `{"msg":"x","uid":"u","msgTypeCode":1,"profile":{}}`, dropNoTime},
		{"entry notice", `{"msgTime":1,"uid":"u","msgTypeCode":30,"profile":{}}`, dropSystemType},
		{"system code as string", `{"msgTime":1,"uid":"u","msgTypeCode":"121","profile":{}}`, dropSystemType},
		{"no identity", `{"msgTime":1,"msg":"x","uid":"u","msgTypeCode":1}`, dropNoIdentity},
		{"bare chat record", `{"msgTime":1000,"msg":"hi","uid":"u1","msgTypeCode":1}`, dropNoIdentity},
		{"no text", `{"msgTime":1,"uid":"u","msgTypeCode":1,"profile":{}}`, dropMalformed},
		{"no type", `{"msgTime":1,"uid":"u","profile":{}}`, dropMalformed},
		{"no user", `{"msgTime":1,"msgTypeCode":1,"profile":{}}`, dropMalformed},
		{"not json", `{{`, dropBadBody},
	}
	n := Normalizer{ChannelID: "chan"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, drops := n.Normalize(json.RawMessage(tt.body))
			require.Empty(t, events)
			require.Len(t, drops, 1)
			require.Equal(t, tt.reason, drops[0].Reason)
		})
	}
}

func TestNormalizeNullTextIsEmpty(t *testing.T) {
	n := Normalizer{}
	events, drops := n.Normalize(json.RawMessage(`{"msgTime":1,"msg":null,"uid":"u","msgTypeCode":1,"profile":{}}`))
	require.Empty(t, drops)
	require.Len(t, events, 1)
	require.Empty(t, events[0].Text)
}

func TestNormalizeSystemCodesNeverForwarded(t *testing.T) {
	n := Normalizer{}
	for code := range systemTypeCodes {
		body := `[{"msgTime":5,"msg":"joined","uid":"u","msgTypeCode":` + code + `,"profile":{},"extras":{}}]`
		events, _ := n.Normalize(json.RawMessage(body))
		require.Empty(t, events, "code %s", code)
	}
}

func TestNormalizeBadNestedPayloadIsEmpty(t *testing.T) {
	n := Normalizer{}
	events, drops := n.Normalize(json.RawMessage(
		`{"msgTime":1,"msg":"x","uid":"u","msgTypeCode":1,"profile":"{not json","extras":"null"}`))
	require.Empty(t, drops)
	require.Len(t, events, 1)
	require.Empty(t, events[0].Author.DisplayName)
	require.Nil(t, events[0].Extras)
}

func TestNormalizeDonationExtras(t *testing.T) {
	extras := `{\"payAmount\":1000,\"emojis\":{\"z_1\":\"https://e/z\",\"a_1\":\"https://e/a\"},\"isAnonymous\":false}`
	n := Normalizer{}
	events, drops := n.Normalize(json.RawMessage(
		`{"msgTime":1,"msg":"{:a_1:} thanks","uid":"u","msgTypeCode":10,"extras":"` + extras + `"}`))
	require.Empty(t, drops)
	require.Len(t, events, 1)
	ev := events[0]
	require.NotNil(t, ev.PayAmount)
	require.Equal(t, 1000.0, *ev.PayAmount)
	require.Len(t, ev.Emotes, 2)
	require.Equal(t, "a_1", ev.Emotes[0].Name)
	require.Equal(t, "https://e/a", ev.Emotes[0].URL)
	require.Equal(t, "z_1", ev.Emotes[1].Name)
	require.Equal(t, map[string]any{"isAnonymous": false}, ev.Extras)
}

func TestContentHashDeterministic(t *testing.T) {
	body := json.RawMessage(`[{"msgTime":1000,"msg":"hi","uid":"u1","msgTypeCode":1,"profile":"` + sampleProfile + `"}]`)
	n := Normalizer{ChannelID: "chan"}
	first, _ := n.Normalize(body)
	second, _ := n.Normalize(body)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, first[0].MessageID, second[0].MessageID)
	require.Len(t, first[0].MessageID, 64)

	changed, _ := n.Normalize(json.RawMessage(`[{"msgTime":1000,"msg":"ho","uid":"u1","msgTypeCode":1,"profile":"` + sampleProfile + `"}]`))
	require.NotEqual(t, first[0].MessageID, changed[0].MessageID)
}

func TestContentHashIgnoresNestedEncoding(t *testing.T) {
	n := Normalizer{}
	asString, _ := n.Normalize(json.RawMessage(`{"msgTime":1,"msg":"x","uid":"u","msgTypeCode":1,"profile":"{\"nickname\":\"a\",\"b\":1}"}`))
	asObject, _ := n.Normalize(json.RawMessage(`{"msgTypeCode":1,"uid":"u","profile":{"b":1,"nickname":"a"},"msg":"x","msgTime":1}`))
	require.Len(t, asString, 1)
	require.Len(t, asObject, 1)
	require.Equal(t, asString[0].MessageID, asObject[0].MessageID)
}

func TestChannelUserTimeStrategy(t *testing.T) {
	n := Normalizer{ChannelID: "chan", Strategy: ChannelUserTime}
	events, _ := n.Normalize(json.RawMessage(`{"msgTime":1234,"msg":"x","uid":"u9","msgTypeCode":1,"profile":{}}`))
	require.Len(t, events, 1)
	require.Equal(t, "chan-u9-1234", events[0].MessageID)
}

func TestParseIDStrategy(t *testing.T) {
	require.Equal(t, ChannelUserTime, ParseIDStrategy("tuple"))
	require.Equal(t, ChannelUserTime, ParseIDStrategy(" TUPLE "))
	require.Equal(t, ContentHash, ParseIDStrategy("hash"))
	require.Equal(t, ContentHash, ParseIDStrategy(""))
	require.Equal(t, "hash", ContentHash.String())
}
