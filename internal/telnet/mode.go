package telnet

// Mode is the per-session input-mode word. Echo suppression and
// character mode each go through a request/active/ack triple: a request
// bit shifted left twice gives the active bit, and the active bit
// shifted left twice gives the ack bit. Request changes ride on that
// relation, so keep the bit order intact.
type Mode uint8

const (
	NoEchoReq   Mode = 1 << iota // we asked to suppress the client's echo
	CharModeReq                  // we asked for character-at-a-time input
	NoEcho                       // echo suppression is active
	CharMode                     // character mode is active
	NoEchoAck                    // client acknowledged echo suppression
	CharModeAck                  // client acknowledged character mode
	Stale                        // mode kept alive across an input-handler call
	IgnoreBang                   // '!'-escaped input gets no special treatment
)

const (
	noEchoMask   = NoEcho | NoEchoAck
	charModeMask = CharMode | CharModeAck
	ackShift     = 2
)

// confirm expands the request bits of m into their active counterparts.
func (m Mode) confirm() Mode {
	return m | (m&(NoEchoReq|CharModeReq))<<ackShift
}

// acked expands the active bits of m into their ack counterparts.
func (m Mode) acked() Mode {
	return m | m<<ackShift
}

// CharModeActive reports whether character mode was both requested and
// granted by the client.
func (m Mode) CharModeActive() bool {
	return m&(CharModeReq|CharMode) == CharModeReq|CharMode
}
