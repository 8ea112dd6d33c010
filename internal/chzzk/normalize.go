package chzzk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/you/livechat-harvester/internal/core"
)

type logicalField int

const (
	fieldTime logicalField = iota
	fieldText
	fieldType
	fieldUser
)

// fieldCandidates lists, per logical field, the keys used by successive
// protocol versions in priority order. New drift is a new entry here.
var fieldCandidates = map[logicalField][]string{
	fieldTime: {"msgTime", "messageTime"},
	fieldText: {"msg", "content"},
	fieldType: {"msgTypeCode", "messageTypeCode"},
	fieldUser: {"uid", "userId"},
}

// systemTypeCodes are entry/exit style notices with no author-addressed
// content.
var systemTypeCodes = map[string]struct{}{
	"30":  {},
	"121": {},
}

// Drop reasons reported by the normalizer.
const (
	dropNoTime      = "no_time"
	dropSystemType  = "system_type"
	dropNoIdentity  = "no_identity"
	dropMalformed   = "malformed"
	dropBadBody     = "bad_body"
	dropNotChat     = "unhandled_command"
	dropDecodeFrame = "decode_error"
)

// IDStrategy derives MessageID for a normalized record.
type IDStrategy int

const (
	// ContentHash is sha256 over the canonical JSON of the full record with
	// its nested profile/extras parsed. Stable under retransmission.
	ContentHash IDStrategy = iota
	// ChannelUserTime joins channel id, user id and server timestamp. Cheap,
	// assumes that triple is unique within the stream.
	ChannelUserTime
)

func (s IDStrategy) String() string {
	switch s {
	case ChannelUserTime:
		return "tuple"
	default:
		return "hash"
	}
}

// ParseIDStrategy maps "hash" and "tuple" to a strategy. Anything else is
// ContentHash.
func ParseIDStrategy(raw string) IDStrategy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tuple", "channel_user_time":
		return ChannelUserTime
	default:
		return ContentHash
	}
}

// Drop describes one record the normalizer refused.
type Drop struct {
	Reason string
	Sample string
}

// Normalizer maps raw frame bodies to ChatEvents. It holds no mutable state.
type Normalizer struct {
	ChannelID string
	Strategy  IDStrategy
}

// Normalize accepts a body that is a list of records, an object with a
// messageList, or a single record object.
func (n Normalizer) Normalize(body json.RawMessage) ([]core.ChatEvent, []Drop) {
	records, err := splitRecords(body)
	if err != nil {
		return nil, []Drop{{Reason: dropBadBody, Sample: string(body)}}
	}

	var (
		events []core.ChatEvent
		drops  []Drop
	)
	for _, rec := range records {
		ev, reason := n.normalizeRecord(rec)
		if reason != "" {
			drops = append(drops, Drop{Reason: reason, Sample: sampleOf(rec)})
			continue
		}
		events = append(events, ev)
	}
	return events, drops
}

func splitRecords(body json.RawMessage) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var root any
	if err := decodeNumbers(trimmed, &root); err != nil {
		return nil, err
	}

	switch v := root.(type) {
	case []any:
		return recordsOf(v), nil
	case map[string]any:
		if list, ok := v["messageList"].([]any); ok {
			return recordsOf(list), nil
		}
		return []map[string]any{v}, nil
	default:
		return nil, fmt.Errorf("unexpected body type %T", root)
	}
}

func recordsOf(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (n Normalizer) normalizeRecord(rec map[string]any) (core.ChatEvent, string) {
	rawTime, ok := resolve(rec, fieldTime)
	if !ok {
		return core.ChatEvent{}, dropNoTime
	}
	ms, ok := asInt64(rawTime)
	if !ok {
		return core.ChatEvent{}, dropMalformed
	}

	rawType, ok := resolve(rec, fieldType)
	if !ok {
		return core.ChatEvent{}, dropMalformed
	}
	typeCode := scalarString(rawType)
	if _, system := systemTypeCodes[typeCode]; system {
		return core.ChatEvent{}, dropSystemType
	}

	_, hasProfile := rec["profile"]
	_, hasExtras := rec["extras"]
	if !hasProfile && !hasExtras {
		return core.ChatEvent{}, dropNoIdentity
	}

	rawUser, ok := resolve(rec, fieldUser)
	if !ok {
		return core.ChatEvent{}, dropMalformed
	}

	profile := nestedMap(rec["profile"])
	extras := nestedMap(rec["extras"])

	// The hashed form carries the parsed sub-payloads so that re-encodings of
	// the same nested document hash identically.
	canonical := make(map[string]any, len(rec))
	for k, v := range rec {
		canonical[k] = v
	}
	canonical["profile"] = profile
	canonical["extras"] = extras

	rawText, ok := resolve(rec, fieldText)
	if !ok {
		return core.ChatEvent{}, dropMalformed
	}
	text := ""
	if rawText != nil {
		text = scalarString(rawText)
	}

	ev := core.ChatEvent{
		Timestamp:   ms * 1000,
		Text:        text,
		MessageType: typeCode,
		Author: core.Author{
			ID:          scalarString(rawUser),
			DisplayName: scalarString(profile["nickname"]),
		},
		SubscriptionTier: subscriptionTier(profile),
		Emotes:           emotesOf(extras["emojis"]),
		PayAmount:        payAmountOf(extras["payAmount"]),
	}
	if rest := remainingExtras(extras); len(rest) > 0 {
		ev.Extras = rest
	}

	id, err := n.messageID(canonical, ev, ms)
	if err != nil || id == "" {
		return core.ChatEvent{}, dropMalformed
	}
	ev.MessageID = id
	return ev, ""
}

func (n Normalizer) messageID(canonical map[string]any, ev core.ChatEvent, ms int64) (string, error) {
	switch n.Strategy {
	case ChannelUserTime:
		return n.ChannelID + "-" + ev.Author.ID + "-" + strconv.FormatInt(ms, 10), nil
	default:
		// encoding/json writes map keys sorted, which makes this canonical.
		data, err := json.Marshal(canonical)
		if err != nil {
			return "", err
		}
		digest := sha256.Sum256(data)
		return hex.EncodeToString(digest[:]), nil
	}
}

// resolve returns the value under the first candidate key present in rec.
// Presence counts even when the value is null.
func resolve(rec map[string]any, field logicalField) (any, bool) {
	for _, key := range fieldCandidates[field] {
		if v, ok := rec[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// nestedMap parses a sub-payload that upstream ships as serialized JSON
// inside a string. Anything unparseable is an empty map.
func nestedMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]any{}
		}
		var out map[string]any
		if err := decodeNumbers([]byte(t), &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	default:
		return map[string]any{}
	}
}

func subscriptionTier(profile map[string]any) string {
	prop, _ := profile["streamingProperty"].(map[string]any)
	sub, _ := prop["subscription"].(map[string]any)
	if sub == nil {
		return ""
	}
	if tier, ok := sub["tier"]; ok && tier != nil {
		return scalarString(tier)
	}
	return ""
}

func emotesOf(v any) []core.Emote {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]core.Emote, 0, len(names))
	for _, name := range names {
		out = append(out, core.Emote{Name: name, URL: scalarString(m[name])})
	}
	return out
}

func payAmountOf(v any) *float64 {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil || f == 0 {
			return nil
		}
		return &f
	case float64:
		if t == 0 {
			return nil
		}
		return &t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || f == 0 {
			return nil
		}
		return &f
	}
	return nil
}

func remainingExtras(extras map[string]any) map[string]any {
	out := make(map[string]any, len(extras))
	for k, v := range extras {
		if k == "emojis" || k == "payAmount" {
			continue
		}
		out[k] = v
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func sampleOf(rec map[string]any) string {
	if v, ok := resolve(rec, fieldText); ok {
		if s := scalarString(v); s != "" {
			return s
		}
	}
	if v, ok := resolve(rec, fieldType); ok {
		return "type=" + scalarString(v)
	}
	return ""
}
