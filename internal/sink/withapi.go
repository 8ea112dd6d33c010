package sink

import "github.com/you/livechat-harvester/internal/core"

type broadcaster interface {
	Broadcast(core.ChatEvent)
}

// WithBroadcast forwards each event that base stored successfully to the
// live API clients. When base is an Inserter, events it already had are not
// forwarded again.
type WithBroadcast struct {
	base Writer
	api  broadcaster
}

func WithAPI(base Writer, api broadcaster) *WithBroadcast {
	return &WithBroadcast{base: base, api: api}
}

func (w *WithBroadcast) Write(ev core.ChatEvent) error {
	fresh := true
	if ins, ok := w.base.(Inserter); ok {
		inserted, err := ins.Insert(ev)
		if err != nil {
			return err
		}
		fresh = inserted
	} else if err := w.base.Write(ev); err != nil {
		return err
	}
	if fresh && w.api != nil && !ev.IsHeartbeat() {
		w.api.Broadcast(ev)
	}
	return nil
}

// Multi writes each event to every writer, returning the first error after
// all have been attempted.
type Multi []Writer

func (m Multi) Write(ev core.ChatEvent) error {
	var first error
	for _, w := range m {
		if err := w.Write(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
