package sink

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/livechat-harvester/internal/core"
)

type recordingWriter struct {
	mu        sync.Mutex
	events    []core.ChatEvent
	batches   int
	failAfter int
	calls     int
}

func (r *recordingWriter) Write(ev core.ChatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type batchRecorder struct {
	recordingWriter
}

func (b *batchRecorder) WriteBatch(events []core.ChatEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches++
	b.events = append(b.events, events...)
	return nil
}

func event(id string) core.ChatEvent {
	return core.ChatEvent{MessageID: id, MessageType: "CHAT", Timestamp: 1}
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(event("1")); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.Write(event("2")); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterUsesBatchWriter(t *testing.T) {
	base := &batchRecorder{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 3})

	for i := 0; i < 3; i++ {
		if err := bw.Write(event(fmt.Sprint(i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if base.batches != 1 || base.Count() != 3 {
		t.Fatalf("expected one batch of 3, got batches=%d count=%d", base.batches, base.Count())
	}
	if base.calls != 0 {
		t.Fatalf("expected no single writes, got %d", base.calls)
	}
}

func TestBufferedWriterSkipsHeartbeats(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1})
	if err := bw.Write(core.ChatEvent{}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.calls != 0 {
		t.Fatalf("heartbeat reached the base writer")
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(event("interval")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if base.Count() != 1 {
		t.Fatalf("expected timer flush, got %d", base.Count())
	}
}

func TestBufferedWriterCloseFlushes(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10})
	_ = bw.Write(event("a"))
	_ = bw.Write(event("b"))
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected close to flush, got %d", base.Count())
	}
	if err := bw.Write(event("c")); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1, FlushInterval: 0})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.Write(event("err")); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

type recordingBroadcaster struct {
	events []core.ChatEvent
}

func (r *recordingBroadcaster) Broadcast(ev core.ChatEvent) {
	r.events = append(r.events, ev)
}

func TestWithAPIBroadcastsStoredEvents(t *testing.T) {
	api := &recordingBroadcaster{}
	ok := WithAPI(&recordingWriter{}, api)
	if err := ok.Write(event("1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ok.Write(core.ChatEvent{})

	failing := WithAPI(&recordingWriter{failAfter: 1}, api)
	if err := failing.Write(event("2")); err == nil {
		t.Fatalf("expected error")
	}

	if len(api.events) != 1 || api.events[0].MessageID != "1" {
		t.Fatalf("unexpected broadcasts: %+v", api.events)
	}
}

func TestMultiWritesAll(t *testing.T) {
	a := &recordingWriter{failAfter: 1}
	b := &recordingWriter{}
	if err := (Multi{a, b}).Write(event("1")); err == nil {
		t.Fatalf("expected first error")
	}
	if b.Count() != 1 {
		t.Fatalf("second writer skipped")
	}
}
