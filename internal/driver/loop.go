package driver

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/halcyonmud/halcyon/internal/session"
)

// AllowedEditorCmds bounds how many consecutive commands a session in
// the modal editor may burn in one loop turn before others get served.
const AllowedEditorCmds = 100

// readChunk is how much one reader goroutine pulls per Read.
const readChunk = 1024

type readEvent struct {
	ref  session.Ref
	data []byte
	err  error
}

type erqEvent struct {
	gen  int
	data []byte
	err  error
}

// Run is the loop. It owns every table until ctx is cancelled; calling
// it twice is not supported.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.listen(ctx); err != nil {
		return err
	}
	defer d.shutdown()
	if d.cfg.ErqPath != "" {
		if err := d.StartErq(d.cfg.ErqPath); err != nil {
			d.log.Warn().Err(err).Str("path", d.cfg.ErqPath).Msg("erq helper unavailable")
		}
	}
	d.lastBeat = time.Now()
	for {
		d.sweep()
		d.table.FlushAll()
		if err := d.wait(ctx); err != nil {
			return err
		}
		d.heartbeat()
		d.serveSessions()
	}
}

// sweep removes every session marked for teardown since the last turn.
func (d *Driver) sweep() {
	for i := 0; i < d.table.MaxUsed(); i++ {
		s := d.table.At(i)
		if s != nil && s.DoClose() && !s.Closing() {
			d.remove(s)
		}
	}
}

func (d *Driver) remove(s *session.Session) {
	data := DisconnectData{ID: s.ID, Addr: s.Addr(), Owner: s.Owner()}
	d.table.Remove(s, false)
	d.publish(EventDisconnect, data)
}

// wait blocks on the funnel channels until something happens or the
// heartbeat is due, then drains whatever else is already queued.
func (d *Driver) wait(ctx context.Context) error {
	timer := time.After(d.timeout())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case conn := <-d.accepts:
		d.admit(conn)
	case ev := <-d.reads:
		d.handleRead(ev)
	case ev := <-d.erqIn:
		d.handleErq(ev)
	case ev := <-d.udpIn:
		d.serveDatagram(ev)
	case <-timer:
	}
	for {
		select {
		case conn := <-d.accepts:
			d.admit(conn)
		case ev := <-d.reads:
			d.handleRead(ev)
		case ev := <-d.erqIn:
			d.handleErq(ev)
		case ev := <-d.udpIn:
			d.serveDatagram(ev)
		default:
			return nil
		}
	}
}

func (d *Driver) timeout() time.Duration {
	if d.hasWork() {
		return 0
	}
	left := d.cfg.Heartbeat - time.Since(d.lastBeat)
	if left < 0 {
		return 0
	}
	return left
}

// hasWork reports whether any session already holds something the
// serve phase can act on without new input.
func (d *Driver) hasWork() bool {
	for i := 0; i < d.table.MaxUsed(); i++ {
		s := d.table.At(i)
		if s == nil || s.Closing() {
			continue
		}
		m := s.Machine()
		switch {
		case s.DoClose():
			return true
		case m.Ready():
			return true
		case s.HasBacklog() && m.FreeSpace() > 0:
			return true
		case m.Mode().CharModeActive() && !m.BangLine() && m.PendingChars() > 0:
			return true
		}
	}
	return false
}

func (d *Driver) heartbeat() {
	if time.Since(d.lastBeat) < d.cfg.Heartbeat {
		return
	}
	d.lastBeat = time.Now()
	d.cfg.Handler.HandleHeartbeat()
}

func (d *Driver) handleRead(ev readEvent) {
	s := d.table.Get(ev.ref)
	if s == nil {
		return // the session went away while the chunk was in flight
	}
	if len(ev.data) > 0 {
		d.feed(s, ev.data)
	}
	if ev.err != nil && classifyRead(ev.err) == readTeardown {
		lg := s.Log()
		lg.Debug().Err(ev.err).Msg("read failed; scheduling close")
		s.ScheduleClose()
	}
}

// feed pushes raw input into the telnet machine; what does not fit
// waits in the session backlog. While an unconsumed command sits in the
// buffer everything waits, because a partial command may occupy the
// cells Append would use.
func (d *Driver) feed(s *session.Session, data []byte) {
	m := s.Machine()
	if b := s.Backlog(); len(b) > 0 {
		data = append(b, data...)
	}
	if m.Ready() {
		s.SetBacklog(data)
		return
	}
	n := m.Append(data)
	if n < len(data) {
		s.SetBacklog(data[n:])
	}
	m.Parse()
}

func (d *Driver) handleErq(ev erqEvent) {
	if ev.gen != d.erqGen {
		return // a reader of an already-dead helper
	}
	if len(ev.data) > 0 {
		d.bridge.Consume(ev.data)
	}
	if ev.err != nil {
		d.bridge.Stop()
	}
}

func (d *Driver) startErqReader(r io.Reader) {
	d.erqGen++
	go d.erqReadLoop(d.erqGen, r)
}

func (d *Driver) erqReadLoop(gen int, r io.Reader) {
	for {
		buf := make([]byte, readChunk)
		n, err := r.Read(buf)
		select {
		case d.erqIn <- erqEvent{gen: gen, data: buf[:n], err: err}:
		case <-d.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// serveSessions gives every session a turn, starting after last turn's
// first so no one can starve the rest.
func (d *Driver) serveSessions() {
	n := d.table.MaxUsed()
	if n == 0 {
		return
	}
	d.scan++
	for i := 0; i < n; i++ {
		s := d.table.At((d.scan + i) % n)
		if s == nil || s.Closing() || s.DoClose() {
			continue
		}
		limit := 1
		if s.Editing() {
			limit = AllowedEditorCmds
		}
		for j := 0; j < limit; j++ {
			if !d.serveCommand(s) {
				break
			}
		}
	}
}

// serveCommand extracts and dispatches at most one unit of input: a
// finished line, or a character-mode batch.
func (d *Driver) serveCommand(s *session.Session) bool {
	m := s.Machine()
	if !m.Ready() {
		if b := s.Backlog(); len(b) > 0 {
			n := m.Append(b)
			if n < len(b) {
				s.SetBacklog(b[n:])
			}
		}
		m.Parse()
	}
	// '!'-escaped lines buffer whole even in character mode and come
	// through the line path below once finished.
	if m.Mode().CharModeActive() && !m.BangLine() {
		chars, ok := m.TakeChars()
		if !ok {
			return false
		}
		d.dispatchCommand(s, chars)
		return true
	}
	if !m.Ready() {
		return false
	}
	line, ok := m.TakeCommand()
	if !ok {
		return false
	}
	d.dispatchCommand(s, strings.TrimSuffix(line, "\n"))
	return true
}

func (d *Driver) dispatchCommand(s *session.Session, line string) {
	if w := d.table.At(s.Snooper()); w != nil && !w.Closing() {
		d.table.Send(w, "% "+line+"\n")
	}
	d.table.ResetInputGuard(s)
	if !d.table.ConsumeInput(s, line) {
		cmd := line
		if strings.HasPrefix(cmd, "!") && s.PendingInput() > 0 {
			// the escape served its purpose; the parser never sees it
			cmd = cmd[1:]
		}
		d.cfg.Handler.HandleCommand(s, cmd)
	}
	d.table.PrintPrompt(s)
}

func (d *Driver) shutdown() {
	close(d.done)
	for _, l := range d.listeners {
		l.Close()
	}
	if d.udpConn != nil {
		d.udpConn.Close()
	}
	d.bridge.Stop()
	for i := 0; i < d.table.MaxUsed(); i++ {
		if s := d.table.At(i); s != nil {
			d.table.Remove(s, true)
		}
	}
}
