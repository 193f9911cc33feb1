package session

import (
	"strings"

	"github.com/halcyonmud/halcyon/internal/lang"
	"github.com/halcyonmud/halcyon/internal/telnet"
)

// InputTo is one queued input handler: the next finished line goes to
// the callback instead of the command parser.
type InputTo struct {
	Callback lang.Value
	Mode     telnet.Mode
}

// QueueInput registers an input handler at the head of the queue. Only
// one registration is accepted per evaluation pass; the loop resets the
// guard between commands.
func (t *Table) QueueInput(s *Session, cb lang.Value, mode telnet.Mode) bool {
	if s.closing || s.noInputTo {
		return false
	}
	s.noInputTo = true
	s.inputTo = append([]InputTo{{Callback: cb, Mode: mode}}, s.inputTo...)
	if mode != 0 || s.machine.Mode() != 0 {
		t.requestModes(s, mode)
	}
	return true
}

// ResetInputGuard re-arms the one-registration-per-pass guard.
func (t *Table) ResetInputGuard(s *Session) { s.noInputTo = false }

// PendingInput reports how many input handlers are queued.
func (s *Session) PendingInput() int { return len(s.inputTo) }

// ConsumeInput offers a finished line to the queued handlers. A '!'
// prefix skips to the first handler that ignores the escape; without
// one the line stays a normal command and false is returned.
func (t *Table) ConsumeInput(s *Session, line string) bool {
	if len(s.inputTo) == 0 {
		return false
	}
	idx := 0
	if strings.HasPrefix(line, "!") {
		idx = -1
		for i, it := range s.inputTo {
			if it.Mode&telnet.IgnoreBang != 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
	}
	it := s.inputTo[idx]

	// The client did not echo but this handler expected visible input:
	// simulate the echo so the transcript stays coherent.
	if s.machine.Mode()&telnet.NoEcho != 0 && it.Mode&telnet.NoEchoReq == 0 {
		if seen := s.machine.CharsReady(); seen < len(line) {
			t.Send(s, line[seen:]+"\n")
		}
	}

	s.inputTo = append(s.inputTo[:idx], s.inputTo[idx+1:]...)
	s.machine.MarkStale()
	if _, err := t.cfg.Interp.Evaluate(it.Callback, line); err != nil {
		s.log.Warn().Err(err).Msg("input handler failed")
	}
	if s.machine.Mode()&telnet.Stale != 0 {
		// the handler set no modes of its own: fall back to the next
		// handler's, or to none
		next := telnet.Mode(0)
		if len(s.inputTo) > 0 {
			next = s.inputTo[0].Mode
		}
		t.requestModes(s, next)
	}
	return true
}

func (t *Table) requestModes(s *Session, mode telnet.Mode) {
	var hook func(telnet.Mode) bool
	if t.cfg.NoEchoHook != nil {
		hook = func(m telnet.Mode) bool { return t.cfg.NoEchoHook(s, m) }
	}
	s.machine.Request(mode, hook)
}

// RequestModes renegotiates the session's input modes.
func (t *Table) RequestModes(s *Session, mode telnet.Mode) {
	t.requestModes(s, mode)
}
