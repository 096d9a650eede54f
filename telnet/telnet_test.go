package telnet

import (
	"bytes"
	"testing"
)

func TestFeedStripsIACEscape(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, "xterm-256color")

	input := []byte{'a', 'b', IAC, IAC, 'c'}
	nvt, err := c.Feed(input)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(nvt, []byte{'a', 'b', IAC, 'c'}) {
		t.Fatalf("got %v, want abIACc", nvt)
	}
}

func TestFeedConsumesNegotiation(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, "xterm-256color")

	// Peer sends DO ECHO, then plain data.
	input := []byte{IAC, DO, OptEcho, 'x', 'y'}
	nvt, err := c.Feed(input)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(nvt, []byte("xy")) {
		t.Fatalf("got %q, want %q", nvt, "xy")
	}
	// We refuse to echo.
	if !bytes.Equal(out.Bytes(), []byte{IAC, WONT, OptEcho}) {
		t.Fatalf("got %v, want WONT ECHO", out.Bytes())
	}
}

func TestNAWSRoundTrip(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, "xterm-256color")
	c.SetSize(120, 40)

	if _, err := c.Feed([]byte{IAC, DO, OptNAWS}); err != nil {
		t.Fatal(err)
	}
	want := []byte{
		IAC, WILL, OptNAWS,
		IAC, SB, OptNAWS, 0x00, 0x78, 0x00, 0x28, IAC, SE,
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("got %v, want %v", out.Bytes(), want)
	}

	out.Reset()
	if err := c.Resize(80, 24); err != nil {
		t.Fatal(err)
	}
	want = []byte{IAC, SB, OptNAWS, 0x00, 0x50, 0x00, 0x18, IAC, SE}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("got %v, want %v", out.Bytes(), want)
	}
}

func TestTTYPESendReplies(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, "xterm-256color")

	if _, err := c.Feed([]byte{IAC, DO, OptTType}); err != nil {
		t.Fatal(err)
	}
	out.Reset()

	sub := []byte{IAC, SB, OptTType, ttypeSEND, IAC, SE}
	if _, err := c.Feed(sub); err != nil {
		t.Fatal(err)
	}
	want := append([]byte{IAC, SB, OptTType, ttypeIS}, []byte("xterm-256color")...)
	want = append(want, IAC, SE)
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("got %v, want %v", out.Bytes(), want)
	}
}

func TestUnknownOptionRefused(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, "xterm")
	if _, err := c.Feed([]byte{IAC, WILL, 99}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), []byte{IAC, DONT, 99}) {
		t.Fatalf("got %v, want DONT 99", out.Bytes())
	}
}

func TestNegotiationBoundedReplies(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, "xterm")
	// A finite script of 100 DO/DONT toggles must produce exactly 100 replies.
	var script []byte
	for i := 0; i < 100; i++ {
		cmd := DO
		if i%2 == 1 {
			cmd = DONT
		}
		script = append(script, IAC, cmd, OptBinary)
	}
	if _, err := c.Feed(script); err != nil {
		t.Fatal(err)
	}
	if got := out.Len(); got != 100*3 {
		t.Fatalf("emitted %d bytes of replies, want %d", got, 100*3)
	}
}
