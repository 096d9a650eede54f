// Package ring implements the bounded, cursor-addressable output
// buffer each session pumps connector bytes into: a byte-oriented log
// addressed by monotonic, never-reset cursors, with a
// broadcast-on-append wakeup for blocking readers.
package ring

import (
	"sync"
	"time"
)

// Cursor is an opaque, monotonically increasing byte offset into a
// session's output log. It is never negative and never resets across the
// lifetime of a session.
type Cursor = int64

// ReadResult is the outcome of a Buffer.ReadFrom call.
type ReadResult struct {
	Bytes             []byte
	NextCursor        Cursor
	Truncated         bool
	DroppedBytes      int64
	BufferStartCursor Cursor
	BufferEndCursor   Cursor
	TimedOut          bool
}

// Stats is a point-in-time snapshot of buffer bookkeeping, used by
// status/list responses.
type Stats struct {
	StartCursor       Cursor
	EndCursor         Cursor
	DroppedBytesTotal int64
	MaxBytes          int
}

// Buffer is a bounded append-only byte log. One writer (the session's
// pump) appends; arbitrarily many readers call ReadFrom concurrently.
// Readers never mutate the buffer or each other's cursors.
type Buffer struct {
	mu       sync.RWMutex
	data     []byte
	start    Cursor
	end      Cursor
	maxBytes int
	dropped  int64

	notifyMu sync.Mutex
	notify   chan struct{}
}

// New creates a Buffer bounded to maxBytes. maxBytes must be positive.
func New(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &Buffer{
		maxBytes: maxBytes,
		notify:   make(chan struct{}),
	}
}

// Append atomically appends b, advancing end_cursor. If the resulting
// length would exceed maxBytes, the oldest overflow bytes are dropped and
// start_cursor advances by the same amount. Any blocked ReadFrom callers
// are woken.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.end += Cursor(len(p))
	if len(b.data) > b.maxBytes {
		overflow := len(b.data) - b.maxBytes
		b.data = append([]byte(nil), b.data[overflow:]...)
		b.start += Cursor(overflow)
		b.dropped += int64(overflow)
	}
	b.mu.Unlock()
	b.wake()
}

func (b *Buffer) wake() {
	b.notifyMu.Lock()
	close(b.notify)
	b.notify = make(chan struct{})
	b.notifyMu.Unlock()
}

func (b *Buffer) waitChan() chan struct{} {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	return b.notify
}

// ReadFrom implements three-way cursor semantics: a cursor behind the
// retained window returns a truncated read; a cursor inside the window
// returns immediately; a cursor at end_cursor blocks until new data
// arrives or deadline passes.
func (b *Buffer) ReadFrom(cursor Cursor, maxBytes int, deadline time.Time) ReadResult {
	if maxBytes <= 0 {
		maxBytes = b.maxBytes
	}
	for {
		b.mu.RLock()
		start, end := b.start, b.end
		switch {
		case cursor < start:
			dropped := start - cursor
			n := len(b.data)
			if n > maxBytes {
				n = maxBytes
			}
			out := append([]byte(nil), b.data[:n]...)
			res := ReadResult{
				Bytes:             out,
				NextCursor:        start + Cursor(len(out)),
				Truncated:         true,
				DroppedBytes:      int64(dropped),
				BufferStartCursor: start,
				BufferEndCursor:   end,
			}
			b.mu.RUnlock()
			return res
		case cursor < end:
			offset := int(cursor - start)
			avail := b.data[offset:]
			n := len(avail)
			if n > maxBytes {
				n = maxBytes
			}
			out := append([]byte(nil), avail[:n]...)
			res := ReadResult{
				Bytes:             out,
				NextCursor:        cursor + Cursor(len(out)),
				BufferStartCursor: start,
				BufferEndCursor:   end,
			}
			b.mu.RUnlock()
			return res
		default:
			// cursor >= end: wait for more data or the deadline.
			ch := b.waitChan()
			b.mu.RUnlock()
			if deadline.IsZero() {
				<-ch
				continue
			}
			d := time.Until(deadline)
			if d <= 0 {
				return ReadResult{
					NextCursor:        cursor,
					TimedOut:          true,
					BufferStartCursor: start,
					BufferEndCursor:   end,
				}
			}
			timer := time.NewTimer(d)
			select {
			case <-ch:
				timer.Stop()
				continue
			case <-timer.C:
				b.mu.RLock()
				s, e := b.start, b.end
				b.mu.RUnlock()
				return ReadResult{
					NextCursor:        cursor,
					TimedOut:          true,
					BufferStartCursor: s,
					BufferEndCursor:   e,
				}
			}
		}
	}
}

// Tail returns the last min(maxBytes, length) bytes, further trimmed to
// the last maxLines newline-delimited segments when maxLines > 0.
func (b *Buffer) Tail(maxBytes int, maxLines int) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.data)
	if maxBytes > 0 && maxBytes < n {
		n = maxBytes
	}
	out := b.data[len(b.data)-n:]
	if maxLines <= 0 {
		return append([]byte(nil), out...)
	}
	lines := splitLines(out)
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	joined := joinLines(lines)
	return joined
}

func splitLines(b []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			out = append(out, b[start:i+1])
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, b[start:])
	}
	return out
}

func joinLines(lines [][]byte) []byte {
	var total int
	for _, l := range lines {
		total += len(l)
	}
	out := make([]byte, 0, total)
	for _, l := range lines {
		out = append(out, l...)
	}
	return out
}

// Stats returns a snapshot of cursor and drop bookkeeping.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		StartCursor:       b.start,
		EndCursor:         b.end,
		DroppedBytesTotal: b.dropped,
		MaxBytes:          b.maxBytes,
	}
}

// EndCursor returns the current end_cursor, the natural starting point
// for a reader that only wants bytes written from now on.
func (b *Buffer) EndCursor() Cursor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end
}
