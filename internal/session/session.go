// Package session holds the table of live connections and everything
// attached to one: the telnet machine, the output buffer, snoop links,
// queued input handlers and the prompt. The table is owned by the
// driver's loop goroutine; nothing here locks.
package session

import (
	"net"
	"net/netip"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/pkg/errors"

	"github.com/halcyonmud/halcyon/internal/lang"
	"github.com/halcyonmud/halcyon/internal/telnet"
)

// Ref addresses a table slot. The generation counter changes every time
// the slot is reused, so a stale Ref never resolves to the wrong
// session.
type Ref struct {
	Index int
	Gen   uint32
}

type Session struct {
	ID uuid.UUID

	ref   Ref
	conn  net.Conn
	addr  netip.AddrPort
	owner lang.Value
	table *Table
	log   zerolog.Logger

	machine *telnet.Machine
	backlog []byte // raw input that did not fit the machine buffer

	out        [MaxSocketPacket]byte
	outLen     int
	charset    [32]byte
	quoteIAC   bool
	sendingCmd bool
	encoder    *encoding.Encoder

	dirty     bool
	dirtyPrev int
	dirtyNext int

	snoopOn     int        // slot index of the session we watch, -1
	snoopBy     lang.Value // owner of whoever watches us, nil
	snoopBySlot int        // the watcher's slot when interactive, -1

	inputTo   []InputTo
	noInputTo bool // one registration per evaluation pass

	prompt lang.Value

	closing    bool
	doClose    bool
	handoffErq bool
	editing    bool
}

func (s *Session) Ref() Ref                  { return s.ref }
func (s *Session) Owner() lang.Value         { return s.owner }
func (s *Session) SetOwner(owner lang.Value) { s.owner = owner }
func (s *Session) Machine() *telnet.Machine  { return s.machine }
func (s *Session) Conn() net.Conn            { return s.conn }
func (s *Session) Addr() netip.AddrPort      { return s.addr }
func (s *Session) Closing() bool             { return s.closing }
func (s *Session) DoClose() bool             { return s.doClose }
func (s *Session) Editing() bool             { return s.editing }
func (s *Session) SetEditing(v bool)         { s.editing = v }
func (s *Session) Log() zerolog.Logger       { return s.log }

// ScheduleClose marks the session for the loop's teardown sweep.
func (s *Session) ScheduleClose() { s.doClose = true }

// MarkErqHandoff flags that on teardown the socket is to be adopted by
// the ERQ bridge instead of closed.
func (s *Session) MarkErqHandoff() {
	s.handoffErq = true
	s.doClose = true
}

// Backlog returns raw input waiting for buffer space, clearing it.
func (s *Session) Backlog() []byte {
	b := s.backlog
	s.backlog = nil
	return b
}

func (s *Session) SetBacklog(p []byte) { s.backlog = p }

// HasBacklog peeks without clearing.
func (s *Session) HasBacklog() bool { return len(s.backlog) > 0 }

// SetQuoteIAC controls IAC doubling on output. Off means the client
// negotiated a binary-clean channel.
func (s *Session) SetQuoteIAC(v bool) { s.quoteIAC = v }

// SetCharset replaces the output filter bitset.
func (s *Session) SetCharset(set [32]byte) { s.charset = set }

// SetCombine replaces the character-mode combinable set.
func (s *Session) SetCombine(set [32]byte) { s.machine.SetCombine(set) }

// SetEncoding installs a write encoder by IANA charset name, as
// negotiated through the CHARSET option. Empty name removes it.
func (s *Session) SetEncoding(name string) error {
	if name == "" {
		s.encoder = nil
		return nil
	}
	e, err := ianaindex.IANA.Encoding(name)
	if err != nil || e == nil {
		return errors.Errorf("unsupported charset %q", name)
	}
	s.encoder = e.NewEncoder()
	return nil
}

// DefaultCharset allows every byte except NUL and newline, which have
// structural handling of their own.
func DefaultCharset() [32]byte {
	var set [32]byte
	for i := range set {
		set[i] = 0xff
	}
	set[0] &^= 1 << 0
	set['\n'/8] &^= 1 << ('\n' % 8)
	return set
}

// The following methods make Session the telnet machine's environment.

// SendCommand queues protocol bytes past the output filter and flushes
// them at once.
func (s *Session) SendCommand(p ...byte) {
	s.sendingCmd = true
	s.table.write(s, p)
	s.table.flush(s)
	s.sendingCmd = false
}

// Echo writes raw bytes straight to the socket, skipping the buffer.
func (s *Session) Echo(p []byte) {
	if s.conn != nil {
		s.conn.Write(p)
	}
}

// IgnoreBang reports whether '!'-escaped input is plain data right now,
// considering both the active modes and every queued input handler.
func (s *Session) IgnoreBang() bool {
	if s.machine.Mode()&telnet.IgnoreBang != 0 {
		return true
	}
	for _, it := range s.inputTo {
		if it.Mode&telnet.IgnoreBang != 0 {
			return true
		}
	}
	return false
}

// Delegate forwards a negotiation to the table's policy hook.
func (s *Session) Delegate(cmd, opt byte) bool {
	if s.table.cfg.TelnetNeg == nil {
		return false
	}
	return s.table.cfg.TelnetNeg(s, cmd, opt)
}

// Subneg forwards a subnegotiation payload to the table's hook.
func (s *Session) Subneg(opt byte, data []byte) {
	if s.table.cfg.Subneg != nil {
		s.table.cfg.Subneg(s, opt, data)
	}
}
