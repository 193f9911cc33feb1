package session

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/halcyonmud/halcyon/internal/telnet"
)

// MaxSocketPacket is the output buffer size and flush threshold of one
// session. A full buffer is written out immediately; anything shorter
// waits for the loop's flush pass.
const MaxSocketPacket = 1024

// Send delivers text to a session: shadow hook first, then the snoop
// mirror, then the filtered output buffer. Output for closing or
// ownerless sessions lands in the diagnostic sink instead.
func (t *Table) Send(s *Session, msg string) {
	if s == nil || s.closing || s.conn == nil {
		t.discard(msg)
		return
	}
	if t.cfg.Shadow != nil && s.owner != nil && t.cfg.Shadow(s.owner, []byte(msg)) {
		return
	}
	t.deliver(s, msg)
}

func (t *Table) deliver(s *Session, msg string) {
	if s.snoopBySlot >= 0 {
		if w := t.slots[s.snoopBySlot]; w != nil && !w.closing {
			t.deliver(w, "%"+msg)
		}
	} else if s.snoopBy != nil && t.cfg.TellObject != nil {
		t.cfg.TellObject(s.snoopBy, "%"+msg)
	}
	p := []byte(msg)
	if s.encoder != nil {
		if enc, err := s.encoder.Bytes(p); err == nil {
			p = enc
		}
	}
	t.write(s, p)
}

// write pushes bytes through the per-byte output filter into the
// session buffer. Protocol commands bypass the filter entirely.
func (t *Table) write(s *Session, p []byte) {
	for _, c := range p {
		if s.conn == nil {
			return // a flush error tore the connection down mid-message
		}
		if s.sendingCmd {
			t.queue(s, c)
			continue
		}
		switch {
		case c == '\n':
			t.queue(s, '\r', '\n')
		case c == 0:
			// never sent
		case s.charset[c/8]&(1<<(c%8)) == 0:
			// filtered out
		case c == telnet.IAC && s.quoteIAC:
			t.queue(s, telnet.IAC, telnet.IAC)
		default:
			t.queue(s, c)
		}
	}
}

func (t *Table) queue(s *Session, b ...byte) {
	if s.outLen+len(b) > MaxSocketPacket {
		t.flush(s)
		if s.conn == nil {
			return
		}
	}
	s.outLen += copy(s.out[s.outLen:], b)
	if s.outLen >= MaxSocketPacket {
		t.flush(s)
	} else {
		t.markDirty(s)
	}
}

// Flush forces buffered output onto the wire regardless of length.
func (t *Table) Flush(s *Session) { t.flush(s) }

// FlushAll walks the dirty list; the loop calls it before every wait.
func (t *Table) FlushAll() {
	i := t.dirtyHead
	for i >= 0 {
		s := t.slots[i]
		if s == nil {
			break
		}
		next := s.dirtyNext
		t.flush(s)
		i = next
	}
}

func (t *Table) flush(s *Session) {
	if s.conn == nil || s.outLen == 0 {
		t.unlinkDirty(s)
		return
	}
	if t.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	n, err := s.conn.Write(s.out[:s.outLen])
	if n > 0 && n < s.outLen {
		copy(s.out[:], s.out[n:s.outLen])
	}
	s.outLen -= n
	if err != nil {
		if isTransientWrite(err) {
			// the rest of this message is lost; the session survives
			s.outLen = 0
		} else {
			s.log.Debug().Err(err).Msg("write failed; scheduling close")
			s.outLen = 0
			s.doClose = true
		}
	}
	if s.outLen == 0 {
		t.unlinkDirty(s)
	} else {
		t.markDirty(s)
	}
}

// isTransientWrite matches the interrupted/would-block class of write
// errors that cost the message but not the connection.
func isTransientWrite(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (t *Table) discard(msg string) {
	t.cfg.Diag.Log().Str("payload", msg).Msg("undeliverable message")
}
