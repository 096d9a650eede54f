// Package expect implements the read-loop primitive shared by read and
// exec: it composes bytes pulled from a ring.Buffer against a regex
// match, an idle-quiescence window, a byte cap, and a deadline, in that
// priority order.
package expect

import (
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/ptyctl/ptyctl/ring"
)

// tickInterval bounds how often idle-quiescence and cap predicates are
// re-evaluated while waiting on the ring buffer.
const tickInterval = 50 * time.Millisecond

// Options configures one Run call.
type Options struct {
	TimeoutMs      int
	MaxBytes       int
	UntilRegex     *regexp.Regexp
	IncludeMatch   bool
	UntilIdleMs    int
	WaitForRegexes []*regexp.Regexp
}

// Result is the outcome of a Run call.
type Result struct {
	Bytes           []byte
	NextCursor      ring.Cursor
	Matched         bool
	IdleReached     bool
	TimedOut        bool
	Truncated       bool
	DroppedBytes    int64
	WaitingForInput bool
	IdleClamped     bool
	Encoding        string // "" or "base64"
}

// Run pulls from buf starting at cursor until a regex match, idle
// quiescence, a byte cap, or the deadline fires, whichever comes first.
func Run(buf *ring.Buffer, cursor ring.Cursor, opts Options) Result {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 20
	}
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	deadline := time.Now().Add(timeout)

	idle := time.Duration(opts.UntilIdleMs) * time.Millisecond
	var idleClamped bool
	if opts.UntilIdleMs > 0 && idle > timeout {
		idle = timeout
		idleClamped = true
	}

	windowStart := cursor
	var window []byte
	lastData := time.Now()

	for {
		now := time.Now()
		if now.After(deadline) {
			return Result{
				Bytes:       window,
				NextCursor:  cursor,
				TimedOut:    true,
				IdleClamped: idleClamped,
				Encoding:    encodingFor(window),
			}
		}

		tickDeadline := deadline
		if now.Add(tickInterval).Before(deadline) {
			tickDeadline = now.Add(tickInterval)
		}

		remaining := opts.MaxBytes - len(window)
		res := buf.ReadFrom(cursor, remaining, tickDeadline)

		if res.Truncated {
			// Overflow mid-accumulation: stop and let the caller resync.
			return Result{
				Bytes:        res.Bytes,
				NextCursor:   res.NextCursor,
				Truncated:    true,
				DroppedBytes: res.DroppedBytes,
				IdleClamped:  idleClamped,
				Encoding:     encodingFor(res.Bytes),
			}
		}

		if len(res.Bytes) == 0 {
			// No new data this tick: check idle, then overall deadline.
			if opts.UntilIdleMs > 0 && time.Since(lastData) >= idle {
				return Result{
					Bytes:           window,
					NextCursor:      cursor,
					IdleReached:     true,
					IdleClamped:     idleClamped,
					WaitingForInput: matchesAny(window, opts.WaitForRegexes),
					Encoding:        encodingFor(window),
				}
			}
			if time.Now().After(deadline) {
				return Result{
					Bytes:       window,
					NextCursor:  cursor,
					TimedOut:    true,
					IdleClamped: idleClamped,
					Encoding:    encodingFor(window),
				}
			}
			continue
		}

		window = append(window, res.Bytes...)
		cursor = res.NextCursor
		lastData = time.Now()

		if opts.UntilRegex != nil {
			if loc := matchWindow(window, opts.UntilRegex); loc != nil {
				chunk := window
				nextCursor := cursor
				if !opts.IncludeMatch {
					chunk = window[:loc[0]]
					nextCursor = windowStart + ring.Cursor(loc[0])
				}
				return Result{
					Bytes:           chunk,
					NextCursor:      nextCursor,
					Matched:         true,
					IdleClamped:     idleClamped,
					WaitingForInput: matchesAny(chunk, opts.WaitForRegexes),
					Encoding:        encodingFor(chunk),
				}
			}
		}

		if len(window) >= opts.MaxBytes {
			return Result{
				Bytes:           window[:opts.MaxBytes],
				NextCursor:      windowStart + ring.Cursor(opts.MaxBytes),
				IdleClamped:     idleClamped,
				WaitingForInput: matchesAny(window, opts.WaitForRegexes),
				Encoding:        encodingFor(window[:opts.MaxBytes]),
			}
		}
	}
}

// matchWindow returns the match location of re against window, or nil
// if window is not valid UTF-8 (a regex can't usefully match raw binary
// terminal output) or if re does not match.
func matchWindow(window []byte, re *regexp.Regexp) []int {
	if !utf8.Valid(window) {
		return nil
	}
	return re.FindIndex(window)
}

// encodingFor reports how a caller must serialize b: "" for valid UTF-8
// text, "base64" when b contains bytes that don't decode as text.
func encodingFor(b []byte) string {
	if utf8.Valid(b) {
		return ""
	}
	return "base64"
}

func matchesAny(window []byte, res []*regexp.Regexp) bool {
	if len(res) == 0 || !utf8.Valid(window) {
		return false
	}
	for _, re := range res {
		if re.Match(window) {
			return true
		}
	}
	return false
}
