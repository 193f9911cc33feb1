package telnet

// State identifies where the input machine stands in the byte stream.
type State uint8

const (
	StateInvalid State = iota // marker for the empty saved-state slot
	StateData                 // plain text
	StateCr                   // saw a CR at the end of a read
	StateIac                  // saw an IAC
	StateWill                 // saw IAC WILL
	StateWont                 // saw IAC WONT
	StateDo                   // saw IAC DO
	StateDont                 // saw IAC DONT
	StateSb                   // inside a subnegotiation
	StateSbIac                // saw an IAC inside a subnegotiation
	StateReady                // a complete command is waiting
	StateSynch                // discarding until the urgent mark
)

// Env is what the machine needs from its surroundings. The session layer
// implements it; tests stub it.
type Env interface {
	// SendCommand queues protocol bytes for the client, bypassing the
	// output charset filter, and flushes them.
	SendCommand(p ...byte)
	// Echo writes raw bytes straight to the client. Used for rubout
	// feedback on escaped character-mode lines.
	Echo(p []byte)
	// IgnoreBang reports whether '!'-escaped input currently gets no
	// special treatment for this session.
	IgnoreBang() bool
	// Delegate offers a negotiation (WILL/WONT/DO/DONT, option) to the
	// installed policy hook. False means unhandled; the machine then
	// declines on its own.
	Delegate(cmd, opt byte) bool
	// Subneg delivers a complete subnegotiation payload.
	Subneg(opt byte, data []byte)
}

var rubout = []byte{'\b', ' ', '\b'}

// Machine decodes one session's raw telnet stream into clean command
// text, tracking option negotiations on the side.
//
// The raw buffer holds three regions at once: clean text of the command
// being built in [0, commandEnd), parsed-but-unconsumed bytes up to
// tnEnd, and raw unparsed bytes up to textEnd. commandStart is nonzero
// only in character mode, where delivered characters advance it.
type Machine struct {
	env Env

	state State
	base  State // state to fall back to after a negotiation: Data or Synch
	saved State // state suspended while character input is drained

	mode         Mode
	sga          bool // we announced WILL SUPPRESS-GO-AHEAD
	delegateAll  bool
	gobble       byte // second byte of a line terminator split across reads
	resetPending bool // realign before the next parse; set when the client ends character mode

	text         [MaxText + 2]byte
	textEnd      int
	commandStart int
	commandEnd   int
	tnStart      int
	tnEnd        int

	cmdLen     int // length of the finished command while in StateReady
	charsReady int // chars measured out for character-mode delivery
	lineDone   bool

	combine [32]byte // character-mode combinable set, one bit per byte value
}

func New(env Env) *Machine {
	return &Machine{
		env:   env,
		state: StateData,
		base:  StateData,
		saved: StateInvalid,
	}
}

// SetDelegateAll routes every option negotiation, including ECHO and
// SUPPRESS-GO-AHEAD, through the Env.Delegate hook.
func (m *Machine) SetDelegateAll(v bool) { m.delegateAll = v }

func (m *Machine) Mode() Mode      { return m.mode }
func (m *Machine) State() State    { return m.state }
func (m *Machine) Ready() bool     { return m.state == StateReady }
func (m *Machine) CharsReady() int { return m.charsReady }
func (m *Machine) Sga() bool       { return m.sga }
func (m *Machine) FreeSpace() int  { return MaxText - m.textEnd }

// MarkStale flags the current modes as left over from a finished input
// handler. A later Request clears it; if it survives the handler, the
// modes are renegotiated.
func (m *Machine) MarkStale() {
	if m.mode != 0 {
		m.mode |= Stale
	}
}

// SetCombine installs the character-mode combinable set: bytes whose bit
// is set may be delivered together in one batch.
func (m *Machine) SetCombine(set [32]byte) { m.combine = set }

func (m *Machine) combinable(ch byte) bool {
	return m.combine[ch/8]&(1<<(ch%8)) != 0
}

// Append copies raw bytes from the wire into the buffer and reports how
// many fit.
func (m *Machine) Append(p []byte) int {
	n := copy(m.text[m.textEnd:MaxText], p)
	m.textEnd += n
	return n
}

// Synch switches the stream into urgent-data mode: everything is
// discarded until a Data Mark command arrives.
func (m *Machine) Synch() {
	m.base = StateSynch
	if m.state == StateData {
		m.state = StateSynch
	}
}

func (m *Machine) bangLine() bool {
	return m.text[0] == '!' && !m.env.IgnoreBang()
}

// BangLine reports whether the pending input is a '!'-escaped line that
// must be buffered whole even in character mode.
func (m *Machine) BangLine() bool { return m.bangLine() }

// TakeCommand hands over the finished command line, minus any prefix
// already delivered character by character, and restarts the parse so
// any typeahead is processed.
func (m *Machine) TakeCommand() (string, bool) {
	if m.state != StateReady {
		return "", false
	}
	cmd := string(m.text[m.commandStart:m.cmdLen])
	m.cmdLen = 0
	m.commandStart = 0
	m.state = StateData
	m.Parse()
	return cmd, true
}

// pendingChars is how much undelivered clean text a character-mode
// session has accumulated.
func (m *Machine) pendingChars() int {
	if m.state == StateSb || m.state == StateSbIac {
		return m.tnStart - m.commandStart
	}
	return m.commandEnd - m.commandStart
}

// PendingChars is the exported view of the undelivered clean text, for
// the loop's is-there-work check.
func (m *Machine) PendingChars() int { return m.pendingChars() }

// TakeChars extracts the next batch of characters for a session in
// character mode: one char, a run of combinable chars, or the
// terminating newline. ok is false when nothing is deliverable yet.
// Lines beginning with '!' never come through here; the caller falls
// back to whole-line delivery for those.
func (m *Machine) TakeChars() (string, bool) {
	endOfLine := false
	if m.state != StateReady {
		avail := m.pendingChars()
		if avail <= 0 {
			return "", false
		}
		m.saved = m.state
		m.charsReady = avail
		m.state = StateReady
		m.lineDone = false
	} else if m.charsReady == 0 {
		if m.cmdLen > m.commandStart {
			// A whole line arrived in one read; measure out its chars,
			// terminator included.
			m.charsReady = m.cmdLen - m.commandStart
			m.lineDone = true
			m.saved = StateData
		} else {
			m.saved = StateData
			endOfLine = true
		}
	}

	var buf []byte
	if endOfLine {
		buf = []byte{'\n'}
	} else {
		for len(buf) < m.charsReady {
			ch := m.text[m.commandStart]
			m.commandStart++
			buf = append(buf, ch)
			if ch == 0 || !m.combinable(ch) {
				if len(buf) != 1 {
					buf = buf[:len(buf)-1]
					m.commandStart--
				}
				break
			}
		}
		if buf[len(buf)-1] == 0 {
			// Ran into the line terminator byte itself.
			buf[len(buf)-1] = '\n'
			m.lineDone = true
			m.charsReady = len(buf)
		}
		m.charsReady -= len(buf)
	}

	if m.lineDone && m.charsReady <= 0 {
		// Line fully delivered: restart the buffer and parse typeahead.
		m.lineDone = false
		m.charsReady = 0
		m.cmdLen = 0
		m.commandStart = 0
		m.saved = StateInvalid
		m.state = StateData
		m.Parse()
		return string(buf), true
	}
	if m.charsReady <= 0 {
		m.realign()
	}
	return string(buf), true
}

// realign resumes the suspended parse state after all measured-out
// characters were delivered. The first cell stays put so the '!' check
// keeps working mid-line.
func (m *Machine) realign() {
	m.state = m.saved
	if m.state == StateInvalid {
		m.state = StateData
	}
	m.saved = StateInvalid
	d := m.commandStart - 1
	m.tnStart -= d
	m.commandEnd -= d
	if n := m.commandEnd - 1; n > 0 && m.commandStart+n <= len(m.text) {
		copy(m.text[1:], m.text[m.commandStart:m.commandStart+n])
	}
	m.commandStart = 1
	if m.tnStart < 1 {
		m.tnStart = 1
	}
	if m.commandEnd < 1 {
		m.commandEnd = 1
	}
	m.textEnd, m.tnEnd = m.commandEnd, m.commandEnd
}

// ResetInput realigns the buffer when character mode ends, dropping the
// delivered prefix and keeping whatever is still pending.
func (m *Machine) ResetInput() {
	if m.commandStart == 0 {
		return
	}
	cs := m.commandStart
	m.commandStart = 0
	m.tnEnd -= cs
	m.textEnd -= cs
	m.commandEnd -= cs
	if m.textEnd <= 0 || m.tnEnd < 0 {
		m.textEnd, m.tnEnd, m.commandEnd, m.tnStart = 0, 0, 0, 0
		m.cmdLen = 0
		return
	}
	copy(m.text[:], m.text[cs:cs+m.textEnd])
	if m.commandEnd < 0 {
		m.commandEnd = 0
	}
	if m.tnStart >= cs {
		m.tnStart -= cs
	} else {
		m.tnStart = 0
	}
}

// DropCharMode abandons a character-mode attempt the client refused.
func (m *Machine) DropCharMode() {
	m.mode &^= CharModeReq | CharMode | CharModeAck
	m.ResetInput()
}

// Request switches the session's input modes and drives the telnet
// negotiations needed to get there. When hook is non-nil and claims the
// change, only the mode word is updated.
func (m *Machine) Request(mode Mode, hook func(Mode) bool) {
	old := m.mode
	m.mode = mode.confirm()
	confirm := m.mode.acked()
	if (confirm^old)&(noEchoMask|charModeMask) == 0 {
		return
	}
	if hook != nil && hook(m.mode) {
		return
	}
	if ^confirm&old&NoEcho != 0 {
		m.sendWont(Echo)
	} else if confirm&^old&noEchoMask != 0 {
		m.sendWill(Echo)
	}
	if m.sga && confirm&(NoEcho|CharMode) == 0 {
		m.sga = false
		m.sendWont(SuppressGoAhead)
	}
	switch {
	case ^confirm&old&charModeMask != 0 ||
		(^confirm&old&Stale != 0 && old&charModeMask != 0):
		if ^confirm&old&charModeMask != 0 {
			if old&CharMode != 0 {
				m.sendDont(SuppressGoAhead)
			}
			if m.saved != StateInvalid {
				m.charsReady = 0
				m.state = m.saved
				m.saved = StateInvalid
			}
		}
		m.ResetInput()
	case confirm&^old&charModeMask != 0:
		m.sendDo(SuppressGoAhead)
		m.sendWill(SuppressGoAhead)
		m.sga = true
	}
}

// Parse advances the machine over all raw bytes appended so far. It
// stops when a complete command is ready; calling it again while a
// command waits is a no-op.
func (m *Machine) Parse() {
	if m.state == StateReady {
		return
	}
	if m.resetPending {
		m.resetPending = false
		m.ResetInput()
	}
	from, end := m.tnEnd, m.textEnd
	for {
		if from >= end {
			m.textEnd, m.tnEnd = m.commandEnd, m.commandEnd
			return
		}
		if m.gobble != 0 {
			g := m.gobble
			m.gobble = 0
			if m.text[from] == g {
				from++
				continue
			}
		}
		break
	}
	p := parser{m: m, from: from, to: m.commandEnd, end: end}
	p.run()
}

type parser struct {
	m    *Machine
	from int // next raw byte to look at
	to   int // next free clean-text cell
	end  int
}

func (p *parser) run() {
	m := p.m
	for p.from < p.end {
		ch := m.text[p.from]
		p.from++
		switch m.state {
		case StateReady:
			// An unconsumed command is waiting; leave the byte alone.
			return
		case StateData:
			if p.data(ch) {
				return
			}
		case StateCr:
			if p.crFollow(ch) {
				return
			}
		case StateIac:
			p.iacCommand(ch)
		case StateWill:
			m.negotiate(WILL, ch)
			m.state = m.base
		case StateWont:
			m.negotiate(WONT, ch)
			m.state = m.base
		case StateDo:
			m.negotiate(DO, ch)
			m.state = m.base
		case StateDont:
			m.negotiate(DONT, ch)
			m.state = m.base
		case StateSb:
			if ch == IAC {
				m.state = StateSbIac
				break
			}
			m.text[p.to] = ch
			p.to++
		case StateSbIac:
			p.sbIac(ch)
		case StateSynch:
			switch ch {
			case IAC:
				m.state = StateIac
			case DM:
				p.dataMark()
			}
		default:
			m.state = StateData
		}
	}
	p.exhausted()
}

// data handles one byte of plain text. It reports true when the parse
// is over for this round (line finished or buffer drained mid-CR).
func (p *parser) data(ch byte) bool {
	m := p.m
	switch ch {
	case IAC:
		m.state = StateIac
	case '\b', 0x7f:
		if m.mode&CharModeReq == 0 {
			// line mode: erase the last pending char
			if p.to > 0 {
				p.to--
			}
			return false
		}
		if m.bangLine() {
			// escaped line in character mode: echo what the client has
			// not seen yet, then rub one char out
			if p.to > m.charsReady {
				m.env.Echo(m.text[m.charsReady:p.to])
				m.charsReady = p.to
			}
			if p.to > 0 {
				m.env.Echo(rubout)
				p.to--
				m.charsReady--
			}
			return false
		}
		// unescaped character mode passes the control char through
		m.text[p.to] = ch
		p.to++
	case '\r':
		if p.from >= p.end {
			if m.mode&CharModeReq == 0 || m.bangLine() {
				m.gobble = '\n'
				p.finishLine()
				return true
			}
			// in character mode a lone CR may still become data; wait
			// for its partner byte
			m.state = StateCr
			p.exhausted()
			return true
		}
		ch2 := m.text[p.from]
		p.from++
		return p.crFollow(ch2)
	case '\n':
		if m.mode&CharModeReq == 0 || m.bangLine() {
			m.gobble = '\r'
		}
		p.finishLine()
		return true
	case 0:
		// NUL is dropped
	default:
		m.text[p.to] = ch
		p.to++
	}
	return false
}

// crFollow resolves the byte after a CR: LF and NUL belong to the
// terminator, anything else is pushed back.
func (p *parser) crFollow(ch byte) bool {
	m := p.m
	if ch != '\n' {
		p.from--
	}
	if m.mode&CharModeReq != 0 && !m.bangLine() {
		if p.from == p.to {
			// a lone CR with no slack in the buffer: open a cell for it
			if m.textEnd < MaxText-1 {
				m.textEnd++
				p.end++
			}
			p.from++
			for cp := p.end; cp != p.from-1; cp-- {
				m.text[cp] = m.text[cp-1]
			}
		}
		if m.mode&(CharModeReq|CharMode) != CharModeReq {
			// character mode is live: CR is just another data byte
			m.text[p.to] = '\r'
			p.to++
			m.state = StateData
			return false
		}
		// client refused character mode; treat as a full line
	}
	p.finishLine()
	return true
}

func (p *parser) finishLine() {
	m := p.m
	m.state = StateReady
	m.commandEnd = 0
	m.tnEnd = p.from
	if m.mode&CharModeReq != 0 && !m.bangLine() {
		m.text[p.to] = '\n'
		p.to++
	}
	m.text[p.to] = 0
	m.cmdLen = p.to
}

// iacCommand handles the byte following an IAC.
func (p *parser) iacCommand(ch byte) {
	m := p.m
	switch ch {
	case IAC:
		m.text[p.to] = ch
		p.to++
		m.state = m.base
	case WILL:
		m.state = StateWill
	case WONT:
		m.state = StateWont
	case DO:
		m.state = StateDo
	case DONT:
		m.state = StateDont
	case SB:
		m.tnStart = p.to
		m.state = StateSb
	case DM:
		p.dataMark()
	case EOR:
		// end-of-record is the policy layer's business
		m.env.Delegate(EOR, 0)
		m.state = m.base
	default:
		// NOP, GA and anything unassigned are dropped
		m.state = m.base
	}
}

func (p *parser) dataMark() {
	m := p.m
	if m.base == StateSynch {
		m.base = StateData
	}
	m.state = m.base
}

// sbIac handles the byte following an IAC inside a subnegotiation. A
// closing SB instead of SE both ends the payload and opens the next
// negotiation.
func (p *parser) sbIac(ch byte) {
	m := p.m
	if ch == IAC {
		m.text[p.to] = ch
		p.to++
		m.state = StateSb
		return
	}
	if ch == SE || ch == SB {
		size := p.to - m.tnStart - 1
		if size >= 0 && size < MaxText {
			payload := make([]byte, size)
			copy(payload, m.text[m.tnStart+1:p.to])
			m.env.Subneg(m.text[m.tnStart], payload)
		}
	}
	p.to = m.tnStart
	if ch != SE {
		p.iacCommand(ch)
		return
	}
	m.state = m.base
}

// exhausted records the cursors once all raw bytes are parsed and deals
// with a full buffer.
func (p *parser) exhausted() {
	m := p.m
	m.textEnd, m.tnEnd, m.commandEnd = p.to, p.to, p.to
	switch m.state {
	case StateData, StateCr:
		if p.to >= MaxText {
			// a command longer than the whole buffer: hand it over as a
			// partial line and restart
			m.textEnd, m.tnEnd = 0, 0
			if m.mode&CharModeReq == 0 {
				m.commandEnd = 0
			}
			m.cmdLen = p.to
			m.state = StateReady
		}
	default:
		if p.to >= MaxText {
			// negotiation data swamped the buffer: drop all of it
			m.textEnd, m.tnEnd, m.commandEnd = 0, 0, 0
			m.tnStart, m.commandStart = 0, 0
			m.state = StateData
		}
	}
}
