package core

// ChatEvent is the normalized chat record delivered to consumers and written
// by the sinks. The zero value is the heartbeat: nothing arrived within the
// poll window but the session is still alive.
type ChatEvent struct {
	MessageID        string         `json:"message_id,omitempty"`
	Timestamp        int64          `json:"timestamp,omitempty"` // microseconds since epoch
	Text             string         `json:"message,omitempty"`
	MessageType      string         `json:"message_type,omitempty"`
	Author           Author         `json:"author"`
	SubscriptionTier string         `json:"subscription_tier,omitempty"`
	Emotes           []Emote        `json:"emotes,omitempty"`
	PayAmount        *float64       `json:"pay_amount,omitempty"`
	Extras           map[string]any `json:"extras,omitempty"`
}

type Author struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Emote is one inline emoji reference; Name is the token used in the text.
type Emote struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// IsHeartbeat reports whether e is the empty sentinel.
func (e ChatEvent) IsHeartbeat() bool {
	return e.MessageID == "" &&
		e.Timestamp == 0 &&
		e.Text == "" &&
		e.MessageType == "" &&
		e.Author == (Author{}) &&
		e.SubscriptionTier == "" &&
		len(e.Emotes) == 0 &&
		e.PayAmount == nil &&
		len(e.Extras) == 0
}

// StreamStatus is the broadcast state reported alongside a chat sequence.
type StreamStatus string

const (
	StatusLive     StreamStatus = "live"
	StatusUpcoming StreamStatus = "upcoming"
)

// StreamInfo is the metadata returned with a chat sequence. Duration is
// always unknown for live chat.
type StreamInfo struct {
	ChannelID     string       `json:"channel_id"`
	ChatChannelID string       `json:"chat_channel_id,omitempty"`
	StreamID      string       `json:"id"`
	Title         string       `json:"title"`
	Status        StreamStatus `json:"status"`
}
