package chzzk

import (
	"errors"
	"fmt"
)

// Kind classifies fatal session errors.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindAuthFailed
	KindTransportFailed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAuthFailed:
		return "auth failed"
	case KindTransportFailed:
		return "transport failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound        = errors.New("chzzk: channel not found")
	ErrAuthFailed      = errors.New("chzzk: authentication failed")
	ErrTransportFailed = errors.New("chzzk: transport failed")
)

// Error is the typed failure surfaced at start-up or after the reconnect
// budget is spent. It matches its Kind's sentinel with errors.Is.
type Error struct {
	Kind    Kind
	Channel string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chzzk: %s: channel %s", e.Kind, e.Channel)
	}
	return fmt.Sprintf("chzzk: %s: channel %s: %v", e.Kind, e.Channel, e.Err)
}

func (e *Error) Unwrap() []error {
	out := []error{e.sentinel()}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindNotFound:
		return ErrNotFound
	case KindAuthFailed:
		return ErrAuthFailed
	default:
		return ErrTransportFailed
	}
}

func newError(kind Kind, channel string, err error) *Error {
	return &Error{Kind: kind, Channel: channel, Err: err}
}

// classify wraps err as an *Error, keeping an existing classification.
func classify(kind Kind, channel string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return newError(kind, channel, err)
}
