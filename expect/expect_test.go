package expect

import (
	"regexp"
	"testing"
	"time"

	"github.com/ptyctl/ptyctl/ring"
)

func TestRunMatchesRegexIncludingMatch(t *testing.T) {
	buf := ring.New(4096)
	buf.Append([]byte("login: "))

	res := Run(buf, 0, Options{
		TimeoutMs:    1000,
		MaxBytes:     4096,
		UntilRegex:   regexp.MustCompile(`login: $`),
		IncludeMatch: true,
	})
	if !res.Matched {
		t.Fatalf("expected match, got %+v", res)
	}
	if string(res.Bytes) != "login: " {
		t.Fatalf("got %q, want %q", res.Bytes, "login: ")
	}
	if res.NextCursor != ring.Cursor(len("login: ")) {
		t.Fatalf("got next cursor %d, want %d", res.NextCursor, len("login: "))
	}
}

func TestRunExcludesMatchFromWindow(t *testing.T) {
	buf := ring.New(4096)
	buf.Append([]byte("hello prompt> "))

	res := Run(buf, 0, Options{
		TimeoutMs:    1000,
		MaxBytes:     4096,
		UntilRegex:   regexp.MustCompile(`prompt> $`),
		IncludeMatch: false,
	})
	if !res.Matched {
		t.Fatalf("expected match")
	}
	if string(res.Bytes) != "hello " {
		t.Fatalf("got %q, want %q", res.Bytes, "hello ")
	}
	if res.NextCursor != ring.Cursor(len("hello ")) {
		t.Fatalf("next cursor %d, want %d", res.NextCursor, len("hello "))
	}
}

func TestRunTimesOutWithoutMatch(t *testing.T) {
	buf := ring.New(4096)
	start := time.Now()
	res := Run(buf, buf.EndCursor(), Options{
		TimeoutMs:  150,
		MaxBytes:   4096,
		UntilRegex: regexp.MustCompile(`never`),
	})
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
}

func TestRunIdleReachedClampsToTimeout(t *testing.T) {
	buf := ring.New(4096)
	buf.Append([]byte("partial"))

	res := Run(buf, 0, Options{
		TimeoutMs:   100,
		MaxBytes:    4096,
		UntilIdleMs: 5000,
	})
	if !res.IdleClamped {
		t.Fatalf("expected idle clamp to be recorded")
	}
	if !res.IdleReached && !res.TimedOut {
		t.Fatalf("expected idle or timeout to fire, got %+v", res)
	}
}

func TestRunByteCap(t *testing.T) {
	buf := ring.New(4096)
	buf.Append([]byte("0123456789"))

	res := Run(buf, 0, Options{
		TimeoutMs: 1000,
		MaxBytes:  5,
	})
	if len(res.Bytes) != 5 {
		t.Fatalf("got %d bytes, want 5", len(res.Bytes))
	}
	if res.NextCursor != 5 {
		t.Fatalf("got next cursor %d, want 5", res.NextCursor)
	}
}

func TestRunTruncatedOnOverflow(t *testing.T) {
	buf := ring.New(16)
	buf.Append([]byte("0123456789012345678901234567890123456789"))

	res := Run(buf, 0, Options{
		TimeoutMs: 1000,
		MaxBytes:  4096,
	})
	if !res.Truncated {
		t.Fatalf("expected truncated result, got %+v", res)
	}
	if res.DroppedBytes == 0 {
		t.Fatalf("expected nonzero dropped bytes")
	}
}

func TestRunWaitingForInputDetection(t *testing.T) {
	buf := ring.New(4096)
	buf.Append([]byte("Password: "))

	res := Run(buf, 0, Options{
		TimeoutMs:      1000,
		MaxBytes:       4096,
		UntilRegex:     regexp.MustCompile(`Password: $`),
		IncludeMatch:   true,
		WaitForRegexes: []*regexp.Regexp{regexp.MustCompile(`(?i)password:\s*$`)},
	})
	if !res.Matched || !res.WaitingForInput {
		t.Fatalf("expected match and waiting_for_input, got %+v", res)
	}
}

func TestRunWakesOnLateData(t *testing.T) {
	buf := ring.New(4096)
	go func() {
		time.Sleep(50 * time.Millisecond)
		buf.Append([]byte("ready> "))
	}()

	start := time.Now()
	res := Run(buf, 0, Options{
		TimeoutMs:  2000,
		MaxBytes:   4096,
		UntilRegex: regexp.MustCompile(`ready> $`),
	})
	if !res.Matched {
		t.Fatalf("expected match, got %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("took too long to observe late data: %v", time.Since(start))
	}
}
