package session

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/halcyonmud/halcyon/internal/lang"
	"github.com/halcyonmud/halcyon/internal/telnet"
)

var ErrFull = errors.New("session table is full")

// Config wires the table to its surroundings. All hooks are optional
// except Interp.
type Config struct {
	Capacity     int
	Log          zerolog.Logger
	Diag         zerolog.Logger // sink for undeliverable output
	Interp       lang.Interp
	WriteTimeout time.Duration
	DelegateAll  bool // route every telnet option through TelnetNeg

	// TelnetNeg decides delegable option negotiations; false declines.
	TelnetNeg func(s *Session, cmd, opt byte) bool
	// Subneg receives complete subnegotiation payloads.
	Subneg func(s *Session, opt byte, data []byte)
	// NoEchoHook, when set, takes over mode-change negotiation.
	NoEchoHook func(s *Session, mode telnet.Mode) bool
	// Shadow may intercept a message before delivery; true swallows it.
	Shadow func(owner lang.Value, msg []byte) bool
	// TellObject delivers snooped output to a watcher that has no
	// connection of its own.
	TellObject func(owner lang.Value, msg string)
	// OnDisconnect tells the policy layer a connection's owner is gone.
	OnDisconnect func(owner lang.Value)
	// HandOff adopts the socket of a session demoted into an ERQ
	// helper; true means the table must not close it.
	HandOff func(conn net.Conn) bool
}

// Table is the arena of live sessions. Slots are addressed by index
// plus generation; a nil slot is free.
type Table struct {
	cfg       Config
	slots     []*Session
	gens      []uint32
	count     int
	maxUsed   int // one past the highest occupied slot
	dirtyHead int // head of the buffered-output list, -1 when empty
}

func NewTable(cfg Config) *Table {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Interp == nil {
		cfg.Interp = lang.NopInterp{}
	}
	return &Table{
		cfg:       cfg,
		slots:     make([]*Session, cfg.Capacity),
		gens:      make([]uint32, cfg.Capacity),
		dirtyHead: -1,
	}
}

func (t *Table) Len() int      { return t.count }
func (t *Table) Capacity() int { return len(t.slots) }

// Get resolves a Ref, or nil when the slot was reused or freed.
func (t *Table) Get(ref Ref) *Session {
	if ref.Index < 0 || ref.Index >= len(t.slots) {
		return nil
	}
	s := t.slots[ref.Index]
	if s == nil || s.ref.Gen != ref.Gen {
		return nil
	}
	return s
}

// At returns the session in a slot regardless of generation.
func (t *Table) At(index int) *Session {
	if index < 0 || index >= len(t.slots) {
		return nil
	}
	return t.slots[index]
}

// MaxUsed is one past the highest occupied slot; the loop's scan bound.
func (t *Table) MaxUsed() int { return t.maxUsed }

// New admits a connection into the lowest free slot.
func (t *Table) New(conn net.Conn, owner lang.Value) (*Session, error) {
	slot := -1
	for i := range t.slots {
		if t.slots[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrFull
	}
	t.gens[slot]++
	s := &Session{
		ID:          uuid.New(),
		ref:         Ref{Index: slot, Gen: t.gens[slot]},
		conn:        conn,
		owner:       owner,
		table:       t,
		charset:     DefaultCharset(),
		quoteIAC:    true,
		dirtyPrev:   -1,
		dirtyNext:   -1,
		snoopOn:     -1,
		snoopBySlot: -1,
	}
	if conn != nil {
		if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
			s.addr = ap
		}
	}
	s.log = t.cfg.Log.With().
		Str("session", s.ID.String()).
		Str("peer", s.addr.String()).
		Logger()
	s.machine = telnet.New(s)
	s.machine.SetDelegateAll(t.cfg.DelegateAll)
	t.slots[slot] = s
	t.count++
	if slot+1 > t.maxUsed {
		t.maxUsed = slot + 1
	}
	s.log.Debug().Int("slot", slot).Msg("session admitted")
	return s, nil
}

// Remove tears a session down: notify the policy layer, unlink snoops,
// flush and close (or hand the socket off), discard queued input
// handlers, free the slot. Calling it twice is harmless.
func (t *Table) Remove(s *Session, force bool) {
	if s == nil || t.Get(s.ref) != s {
		return
	}
	if s.closing && !force {
		return
	}
	s.closing = true

	if s.owner != nil {
		if t.cfg.OnDisconnect != nil {
			t.cfg.OnDisconnect(s.owner)
		} else {
			t.cfg.Interp.Destroy(s.owner)
		}
	}

	// snoop links, both directions
	t.clearWatcher(s)
	if s.snoopOn >= 0 {
		if tgt := t.slots[s.snoopOn]; tgt != nil && tgt.snoopBySlot == s.ref.Index {
			tgt.snoopBy = nil
			tgt.snoopBySlot = -1
		}
		s.snoopOn = -1
	}

	if s.conn != nil {
		conn := s.conn
		if s.handoffErq && !force && t.cfg.HandOff != nil && t.cfg.HandOff(conn) {
			// the socket lives on as the helper link
			s.conn = nil
		} else {
			t.flush(s)
			s.conn = nil
			conn.Close()
		}
	}

	s.inputTo = nil // discarded, never invoked
	s.prompt = nil
	s.owner = nil
	t.unlinkDirty(s)
	t.slots[s.ref.Index] = nil
	t.gens[s.ref.Index]++
	t.count--
	for t.maxUsed > 0 && t.slots[t.maxUsed-1] == nil {
		t.maxUsed--
	}
	s.log.Debug().Msg("session removed")
}

func (t *Table) markDirty(s *Session) {
	if s.dirty {
		return
	}
	s.dirty = true
	s.dirtyPrev = -1
	s.dirtyNext = t.dirtyHead
	if t.dirtyHead >= 0 {
		t.slots[t.dirtyHead].dirtyPrev = s.ref.Index
	}
	t.dirtyHead = s.ref.Index
}

func (t *Table) unlinkDirty(s *Session) {
	if !s.dirty {
		return
	}
	s.dirty = false
	if s.dirtyPrev >= 0 {
		t.slots[s.dirtyPrev].dirtyNext = s.dirtyNext
	} else {
		t.dirtyHead = s.dirtyNext
	}
	if s.dirtyNext >= 0 {
		t.slots[s.dirtyNext].dirtyPrev = s.dirtyPrev
	}
	s.dirtyPrev, s.dirtyNext = -1, -1
}
