// Package telnet implements an incremental Telnet (RFC 854) codec:
// it separates NVT data bytes from IAC control sequences, drives a
// small negotiation policy for BINARY/ECHO/SGA/TTYPE/NAWS, and builds
// the NAWS and TTYPE subnegotiation frames.
package telnet

import "io"

// IAC command bytes.
const (
	SE   byte = 0xF0
	SB   byte = 0xFA
	WILL byte = 0xFB
	WONT byte = 0xFC
	DO   byte = 0xFD
	DONT byte = 0xFE
	IAC  byte = 0xFF
)

// Option codes this codec negotiates.
const (
	OptBinary byte = 0
	OptEcho   byte = 1
	OptSGA    byte = 3
	OptTType  byte = 24
	OptNAWS   byte = 31
)

// TTYPE subnegotiation sub-codes.
const (
	ttypeIS   byte = 0
	ttypeSEND byte = 1
)

type state int

const (
	stateData state = iota
	stateAfterIAC
	stateAfterCmd
	stateInSubneg
	stateInSubnegAfterIAC
)

// NegotiationEvent records a WILL/WONT/DO/DONT byte pair seen from the peer.
type NegotiationEvent struct {
	Cmd    byte
	Option byte
}

// SubnegEvent records a completed SB ... SE frame from the peer.
type SubnegEvent struct {
	Option byte
	Data   []byte
}

// Codec is an incremental Telnet negotiator. It must not be shared
// between goroutines without external synchronization, matching the
// contract of the session pump that owns it exclusively.
type Codec struct {
	st     state
	cmd    byte
	subOpt byte
	subBuf []byte

	term       string
	cols, rows uint16
	nawsActive bool

	// Writer is the raw socket negotiation replies are written to.
	// It must never receive NVT data; only IAC-prefixed frames.
	Writer io.Writer

	// OnNegotiation and OnSubneg are optional hooks for callers that
	// want to observe negotiation traffic (e.g. for diagnostics).
	OnNegotiation func(NegotiationEvent)
	OnSubneg      func(SubnegEvent)
}

// New creates a Codec that will reply to TTYPE SEND requests with term
// and replies to any option negotiation on w.
func New(w io.Writer, term string) *Codec {
	return &Codec{Writer: w, term: term}
}

// SetSize caches the terminal size used for subsequent NAWS frames sent
// via Resize, without itself emitting a frame.
func (c *Codec) SetSize(cols, rows uint16) {
	c.cols, c.rows = cols, rows
}

// Resize updates the cached size and, if NAWS is currently active,
// emits a fresh NAWS subnegotiation frame immediately.
func (c *Codec) Resize(cols, rows uint16) error {
	c.cols, c.rows = cols, rows
	if c.nawsActive {
		return c.sendNAWS()
	}
	return nil
}

// Feed processes newly arrived bytes and returns the NVT data extracted
// from them (IAC sequences never appear in the returned slice). It may
// write negotiation replies to Writer synchronously.
func (c *Codec) Feed(p []byte) ([]byte, error) {
	out := make([]byte, 0, len(p))
	var werr error
	for _, b := range p {
		switch c.st {
		case stateData:
			if b == IAC {
				c.st = stateAfterIAC
				continue
			}
			out = append(out, b)

		case stateAfterIAC:
			switch {
			case b == IAC:
				out = append(out, IAC)
				c.st = stateData
			case b == SB:
				c.st = stateInSubneg // next byte is the option
				c.subBuf = nil
				c.subOpt = 0xFF // sentinel: option not yet read
			case b == WILL || b == WONT || b == DO || b == DONT:
				c.cmd = b
				c.st = stateAfterCmd
			default:
				// Single-byte command (NOP, GA, etc.): consumed, not logged
				// beyond the optional hook.
				if c.OnNegotiation != nil {
					c.OnNegotiation(NegotiationEvent{Cmd: b})
				}
				c.st = stateData
			}

		case stateAfterCmd:
			opt := b
			if c.OnNegotiation != nil {
				c.OnNegotiation(NegotiationEvent{Cmd: c.cmd, Option: opt})
			}
			if err := c.handleCmd(c.cmd, opt); err != nil {
				werr = err
			}
			c.st = stateData

		case stateInSubneg:
			if c.subOpt == 0xFF {
				c.subOpt = b
				continue
			}
			if b == IAC {
				c.st = stateInSubnegAfterIAC
				continue
			}
			c.subBuf = append(c.subBuf, b)

		case stateInSubnegAfterIAC:
			switch b {
			case IAC:
				c.subBuf = append(c.subBuf, IAC)
				c.st = stateInSubneg
			case SE:
				if c.OnSubneg != nil {
					c.OnSubneg(SubnegEvent{Option: c.subOpt, Data: append([]byte(nil), c.subBuf...)})
				}
				if err := c.handleSubneg(c.subOpt, c.subBuf); err != nil {
					werr = err
				}
				c.st = stateData
			default:
				// Malformed: treat as data resuming, best effort.
				c.st = stateData
			}
		}
	}
	return out, werr
}

// handleCmd implements the default negotiation policy table. Every
// branch replies exactly once per received command (DO NAWS also sends
// one NAWS size frame after its WILL), which is what bounds the number
// of replies for any finite input script.
func (c *Codec) handleCmd(cmd, opt byte) error {
	switch opt {
	case OptBinary, OptSGA:
		switch cmd {
		case DO:
			return c.send(WILL, opt)
		case WILL:
			return c.send(DO, opt)
		case DONT:
			return c.send(WONT, opt)
		case WONT:
			return c.send(DONT, opt)
		}
	case OptEcho:
		switch cmd {
		case DO:
			return c.send(WONT, opt) // we refuse to echo for the peer
		case WILL:
			return c.send(DO, opt) // we accept the peer echoing
		case DONT:
			return c.send(WONT, opt)
		case WONT:
			return c.send(DONT, opt)
		}
	case OptTType:
		switch cmd {
		case DO:
			return c.send(WILL, opt)
		case WILL:
			return c.send(DONT, opt) // we refuse to let the peer send us its type
		case DONT:
			return c.send(WONT, opt)
		case WONT:
			return c.send(DONT, opt)
		}
	case OptNAWS:
		switch cmd {
		case DO:
			c.nawsActive = true
			if err := c.send(WILL, opt); err != nil {
				return err
			}
			return c.sendNAWS()
		case WILL:
			return c.send(DONT, opt)
		case DONT:
			c.nawsActive = false
			return c.send(WONT, opt)
		case WONT:
			return c.send(DONT, opt)
		}
	default:
		switch cmd {
		case DO:
			return c.send(WONT, opt)
		case WILL:
			return c.send(DONT, opt)
		case DONT:
			return c.send(WONT, opt)
		case WONT:
			return c.send(DONT, opt)
		}
	}
	return nil
}

func (c *Codec) handleSubneg(opt byte, data []byte) error {
	if opt == OptTType && len(data) >= 1 && data[0] == ttypeSEND {
		payload := append([]byte{ttypeIS}, []byte(c.term)...)
		return c.sendSubneg(OptTType, payload)
	}
	return nil
}

func (c *Codec) send(cmd, opt byte) error {
	if c.Writer == nil {
		return nil
	}
	_, err := c.Writer.Write([]byte{IAC, cmd, opt})
	return err
}

func (c *Codec) sendNAWS() error {
	payload := []byte{
		byte(c.cols >> 8), byte(c.cols),
		byte(c.rows >> 8), byte(c.rows),
	}
	return c.sendSubneg(OptNAWS, payload)
}

func (c *Codec) sendSubneg(opt byte, payload []byte) error {
	if c.Writer == nil {
		return nil
	}
	frame := make([]byte, 0, len(payload)*2+5)
	frame = append(frame, IAC, SB, opt)
	frame = append(frame, escapeIAC(payload)...)
	frame = append(frame, IAC, SE)
	_, err := c.Writer.Write(frame)
	return err
}

// escapeIAC doubles every literal 0xFF in payload.
func escapeIAC(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}
