package sink

import (
	"errors"
	"sync"
	"time"

	"github.com/you/livechat-harvester/internal/core"
)

type Writer interface {
	Write(core.ChatEvent) error
}

// BatchWriter is implemented by writers that can store several events in one
// round trip.
type BatchWriter interface {
	Writer
	WriteBatch([]core.ChatEvent) error
}

// Inserter is implemented by writers that deduplicate. Insert reports
// whether ev was new.
type Inserter interface {
	Insert(core.ChatEvent) (bool, error)
}

var ErrWriterClosed = errors.New("buffered writer closed")

type BufferedWriter struct {
	base          Writer
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []core.ChatEvent
	timer   *time.Timer
	closed  bool
	lastErr error
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

// Write buffers ev, flushing when the batch is full. An error from an
// earlier timer flush is reported by the next Write.
func (b *BufferedWriter) Write(ev core.ChatEvent) error {
	if ev.IsHeartbeat() {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrWriterClosed
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, ev)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}

	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	events := b.takeLocked()
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.writeAll(events); err != nil {
		return err
	}
	return pendingErr
}

// Flush writes whatever is buffered.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	events := b.takeLocked()
	b.stopTimerLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.writeAll(events); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	events := b.takeLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.writeAll(events); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	events := b.takeLocked()
	b.mu.Unlock()

	if err := b.writeAll(events); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedWriter) takeLocked() []core.ChatEvent {
	if len(b.buffer) == 0 {
		return nil
	}
	events := append([]core.ChatEvent(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	return events
}

func (b *BufferedWriter) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedWriter) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *BufferedWriter) writeAll(events []core.ChatEvent) error {
	if len(events) == 0 {
		return nil
	}
	if bw, ok := b.base.(BatchWriter); ok && len(events) > 1 {
		return bw.WriteBatch(events)
	}
	for _, ev := range events {
		if err := b.base.Write(ev); err != nil {
			return err
		}
	}
	return nil
}
