package chzzk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Command is the numeric command code carried in every envelope.
type Command int

const (
	CmdPing               Command = 0
	CmdPong               Command = 10000
	CmdConnect            Command = 100
	CmdConnected          Command = 10100
	CmdSendChat           Command = 3101
	CmdRequestRecentChat  Command = 5101
	CmdResponseRecentChat Command = 15101
	CmdEvent              Command = 93006
	CmdChat               Command = 93101
	CmdDonation           Command = 93102
	CmdKick               Command = 94005
	CmdBlock              Command = 94006
	CmdBlind              Command = 94008
	CmdNotice             Command = 94010
	CmdPenalty            Command = 94015

	// cmdUnknown labels frames that could not be decoded.
	cmdUnknown Command = -1
)

var commandNames = map[Command]string{
	CmdPing:               "PING",
	CmdPong:               "PONG",
	CmdConnect:            "CONNECT",
	CmdConnected:          "CONNECTED",
	CmdSendChat:           "SEND_CHAT",
	CmdRequestRecentChat:  "REQUEST_RECENT_CHAT",
	CmdResponseRecentChat: "RESPONSE_RECENT_CHAT",
	CmdEvent:              "EVENT",
	CmdChat:               "CHAT",
	CmdDonation:           "DONATION",
	CmdKick:               "KICK",
	CmdBlock:              "BLOCK",
	CmdBlind:              "BLIND",
	CmdNotice:             "NOTICE",
	CmdPenalty:            "PENALTY",
	cmdUnknown:            "UNKNOWN",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "CMD_" + strconv.Itoa(int(c))
}

// chatLike reports whether frames with this command carry records for the
// normalizer.
func (c Command) chatLike() bool {
	switch c {
	case CmdChat, CmdDonation, CmdEvent, CmdNotice:
		return true
	}
	return false
}

const (
	protocolVersion = "3"
	serviceID       = "game"
)

// Envelope is one wire message. Body stays raw; its shape depends on Cmd.
type Envelope struct {
	Version       flexString      `json:"ver"`
	ServiceID     string          `json:"svcid,omitempty"`
	ChannelID     string          `json:"cid,omitempty"`
	Cmd           Command         `json:"cmd"`
	TransactionID int             `json:"tid,omitempty"`
	SessionID     flexString      `json:"sid,omitempty"`
	RetCode       int             `json:"retCode,omitempty"`
	RetMsg        string          `json:"retMsg,omitempty"`
	Body          json.RawMessage `json:"bdy,omitempty"`
}

// flexString accepts either a JSON string or number; upstream has sent both
// for the same key across protocol versions.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type connectBody struct {
	UID         *string `json:"uid"`
	DevType     int     `json:"devType"`
	AccessToken string  `json:"accTkn"`
	Auth        string  `json:"auth"`
}

type recentChatBody struct {
	RecentMessageCount int `json:"recentMessageCount"`
}

type connectedBody struct {
	SessionID flexString `json:"sid"`
}

// DecodeError reports a frame that could not be turned into an envelope.
// Callers log and discard the frame.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chzzk: decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errMissingCommand = errors.New("missing cmd")

// Encode serializes env for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("chzzk: encode %s: %w", env.Cmd, err)
	}
	return data, nil
}

// Decode parses one wire message. Any failure is a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var probe struct {
		Cmd *Command `json:"cmd"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{}, &DecodeError{Raw: data, Err: err}
	}
	if probe.Cmd == nil {
		return Envelope{}, &DecodeError{Raw: data, Err: errMissingCommand}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Raw: data, Err: err}
	}
	return env, nil
}

func pingEnvelope() Envelope {
	return Envelope{Version: protocolVersion, Cmd: CmdPing}
}

func pongEnvelope() Envelope {
	return Envelope{Version: protocolVersion, Cmd: CmdPong}
}

func connectEnvelope(chatChannelID, accessToken string) (Envelope, error) {
	body, err := json.Marshal(connectBody{
		DevType:     2001,
		AccessToken: accessToken,
		Auth:        "READ",
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version:       protocolVersion,
		ServiceID:     serviceID,
		ChannelID:     chatChannelID,
		Cmd:           CmdConnect,
		TransactionID: 1,
		Body:          body,
	}, nil
}

func recentChatEnvelope(chatChannelID, sessionID string, count int) (Envelope, error) {
	body, err := json.Marshal(recentChatBody{RecentMessageCount: count})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version:       protocolVersion,
		ServiceID:     serviceID,
		ChannelID:     chatChannelID,
		Cmd:           CmdRequestRecentChat,
		TransactionID: 2,
		SessionID:     flexString(sessionID),
		Body:          body,
	}, nil
}

func sessionIDFrom(env Envelope) string {
	if len(env.Body) > 0 {
		var body connectedBody
		if err := json.Unmarshal(env.Body, &body); err == nil && body.SessionID != "" {
			return string(body.SessionID)
		}
	}
	return string(env.SessionID)
}
