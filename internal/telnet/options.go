package telnet

// Option negotiations dispatch through four tables, one per command.
// ECHO and SUPPRESS-GO-AHEAD have native handlers tied to the mode
// word; a fixed set of display-ish options routes to the Env.Delegate
// hook; everything else is declined.

type optHandler func(m *Machine, cmd, opt byte)

var (
	doHandlers   [256]optHandler
	dontHandlers [256]optHandler
	willHandlers [256]optHandler
	wontHandlers [256]optHandler
)

// Options the policy layer may choose to support.
var delegable = []byte{
	TransmitBinary,
	TerminalType,
	EndOfRecord,
	NAWS,
	TerminalSpeed,
	Linemode,
	XDisplayLoc,
	Environ,
	NewEnviron,
	Charset,
}

func init() {
	for i := range doHandlers {
		doHandlers[i] = refuse
		dontHandlers[i] = ignore
		willHandlers[i] = refuse
		wontHandlers[i] = ignore
	}
	for _, opt := range delegable {
		doHandlers[opt] = delegate
		dontHandlers[opt] = delegate
		willHandlers[opt] = delegate
		wontHandlers[opt] = delegate
	}
	doHandlers[Echo] = doEcho
	dontHandlers[Echo] = dontEcho
	doHandlers[SuppressGoAhead] = doSga
	dontHandlers[SuppressGoAhead] = dontSga
	willHandlers[SuppressGoAhead] = willSga
	wontHandlers[SuppressGoAhead] = wontSga
}

func (m *Machine) negotiate(cmd, opt byte) {
	if m.delegateAll {
		delegate(m, cmd, opt)
		return
	}
	switch cmd {
	case DO:
		doHandlers[opt](m, cmd, opt)
	case DONT:
		dontHandlers[opt](m, cmd, opt)
	case WILL:
		willHandlers[opt](m, cmd, opt)
	case WONT:
		wontHandlers[opt](m, cmd, opt)
	}
}

func (m *Machine) sendWill(opt byte) { m.env.SendCommand(IAC, WILL, opt) }
func (m *Machine) sendWont(opt byte) { m.env.SendCommand(IAC, WONT, opt) }
func (m *Machine) sendDo(opt byte)   { m.env.SendCommand(IAC, DO, opt) }
func (m *Machine) sendDont(opt byte) { m.env.SendCommand(IAC, DONT, opt) }

func ignore(*Machine, byte, byte) {}

func refuse(m *Machine, cmd, opt byte) {
	switch cmd {
	case DO:
		m.sendWont(opt)
	case WILL:
		m.sendDont(opt)
	}
}

func delegate(m *Machine, cmd, opt byte) {
	if m.env.Delegate(cmd, opt) {
		return
	}
	refuse(m, cmd, opt)
}

// doEcho confirms echo suppression the session asked for and rejects
// unsolicited requests.
func doEcho(m *Machine, _, opt byte) {
	if m.mode&noEchoMask != 0 {
		if m.mode&NoEcho == 0 {
			m.sendWill(opt)
		}
		m.mode |= noEchoMask
	} else {
		m.sendWont(opt)
	}
}

func dontEcho(m *Machine, _, opt byte) {
	if m.mode&noEchoMask != 0 {
		if m.mode&noEchoMask == noEchoMask {
			m.sendWont(opt)
		}
		m.mode = m.mode&^NoEcho | NoEchoAck
	}
}

func doSga(m *Machine, _, opt byte) {
	if m.mode&(noEchoMask|charModeMask) != 0 {
		if !m.sga {
			m.sga = true
			m.sendWill(opt)
		}
	} else {
		m.sendWont(opt)
	}
}

func dontSga(m *Machine, _, opt byte) {
	if m.sga {
		m.sga = false
		m.sendWont(opt)
	}
}

// willSga treats the client's SUPPRESS-GO-AHEAD offer as agreement to
// character-at-a-time input.
func willSga(m *Machine, _, opt byte) {
	if m.mode&charModeMask != 0 {
		if m.mode&CharMode == 0 {
			m.sendDo(opt)
		}
		m.mode |= charModeMask
	} else {
		m.sendDont(opt)
	}
}

// wontSga handles the client backing out of character mode. The buffer
// realignment is deferred to the next Parse; this runs mid-parse and
// must not move text under the live cursors.
func wontSga(m *Machine, _, opt byte) {
	if m.mode&charModeMask != 0 {
		if m.mode&charModeMask == charModeMask {
			m.sendDont(opt)
		}
		if m.mode&CharMode != 0 {
			m.resetPending = true
		}
		m.mode = m.mode&^CharMode | CharModeAck
	}
}
