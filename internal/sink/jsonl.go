package sink

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/livechat-harvester/internal/core"
)

// JSONLines writes one JSON object per event, for the stdout sink.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLines(w io.Writer) *JSONLines {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLines{enc: enc}
}

func (j *JSONLines) Write(ev core.ChatEvent) error {
	if ev.IsHeartbeat() {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return errors.Wrap(j.enc.Encode(ev), "encode event")
}
