package driver

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonmud/halcyon/internal/event"
	"github.com/halcyonmud/halcyon/internal/lang"
	"github.com/halcyonmud/halcyon/internal/session"
	"github.com/halcyonmud/halcyon/internal/telnet"
)

type fakeConn struct {
	wrote  bytes.Buffer
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *fakeConn) Write(p []byte) (int, error) { return c.wrote.Write(p) }
func (c *fakeConn) Close() error                { c.closed = true; return nil }

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 40000}
}

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type stubHandler struct {
	commands []string
	beats    int
}

func (h *stubHandler) HandleCommand(s *session.Session, cmd string) {
	h.commands = append(h.commands, cmd)
}

func (h *stubHandler) HandleHeartbeat() { h.beats++ }

func newTestDriver(t *testing.T, tweak func(*Config)) (*Driver, *stubHandler) {
	t.Helper()
	h := &stubHandler{}
	cfg := Config{
		MaxSessions: 4,
		Logger:      zerolog.Nop(),
		Handler:     h,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d, h
}

func admitOne(t *testing.T, d *Driver) (*session.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	d.admit(conn)
	require.Equal(t, 1, d.table.Len())
	var s *session.Session
	for i := 0; i < d.table.MaxUsed(); i++ {
		if got := d.table.At(i); got != nil {
			s = got
		}
	}
	require.NotNil(t, s)
	return s, conn
}

func TestHandlerRequired(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCommandRoundTrip(t *testing.T) {
	d, h := newTestDriver(t, nil)
	s, conn := admitOne(t, d)

	d.feed(s, []byte("look\r\nnorth\r\n"))
	d.serveSessions() // one command per turn
	d.serveSessions()
	assert.Equal(t, []string{"look", "north"}, h.commands)

	d.table.FlushAll()
	assert.Equal(t, "> > ", conn.wrote.String())
}

func TestConnectHookSetsOwner(t *testing.T) {
	d, _ := newTestDriver(t, func(cfg *Config) {
		cfg.Hooks.Connect = func(s *session.Session) (lang.Value, error) {
			return "player:" + s.Addr().Addr().String(), nil
		}
	})
	s, _ := admitOne(t, d)
	assert.Equal(t, "player:10.1.2.3", s.Owner())
}

func TestConnectHookRejects(t *testing.T) {
	d, _ := newTestDriver(t, func(cfg *Config) {
		cfg.Hooks.Connect = func(*session.Session) (lang.Value, error) {
			return nil, errors.New("banned")
		}
	})
	conn := &fakeConn{}
	d.admit(conn)
	assert.Equal(t, 0, d.table.Len())
	assert.True(t, conn.closed)
	assert.Contains(t, conn.wrote.String(), "Sorry")
}

func TestTableFullAnswersAndCloses(t *testing.T) {
	d, _ := newTestDriver(t, func(cfg *Config) { cfg.MaxSessions = 1 })
	admitOne(t, d)

	late := &fakeConn{}
	d.admit(late)
	assert.Equal(t, 1, d.table.Len())
	assert.True(t, late.closed)
	assert.Contains(t, late.wrote.String(), "no room")
}

func TestBangEscapeReachesParserStripped(t *testing.T) {
	d, h := newTestDriver(t, nil)
	s, _ := admitOne(t, d)

	require.True(t, d.InputTo(s, "capture", 0))
	d.feed(s, []byte("!who\r\n"))
	d.serveSessions()
	assert.Equal(t, []string{"who"}, h.commands)
}

func TestSnooperSeesInput(t *testing.T) {
	d, _ := newTestDriver(t, nil)
	wconn := &fakeConn{}
	tconn := &fakeConn{}
	d.admit(wconn)
	d.admit(tconn)
	var watcher, target *session.Session
	for i := 0; i < d.table.MaxUsed(); i++ {
		s := d.table.At(i)
		if s.Conn() == net.Conn(wconn) {
			watcher = s
		} else {
			target = s
		}
	}
	require.NoError(t, d.SetSnoop("w", watcher, target))

	d.feed(target, []byte("say hi\r\n"))
	d.serveSessions()
	d.table.FlushAll()
	assert.Contains(t, wconn.wrote.String(), "% say hi\r\n")
}

func TestHeartbeat(t *testing.T) {
	d, h := newTestDriver(t, func(cfg *Config) { cfg.Heartbeat = time.Minute })
	d.lastBeat = time.Now().Add(-2 * time.Minute)
	d.heartbeat()
	d.heartbeat() // not due again yet
	assert.Equal(t, 1, h.beats)
}

func TestTimeoutZeroWhenWorkPending(t *testing.T) {
	d, _ := newTestDriver(t, func(cfg *Config) { cfg.Heartbeat = time.Minute })
	d.lastBeat = time.Now()
	s, _ := admitOne(t, d)
	assert.Greater(t, d.timeout(), time.Duration(0))

	d.feed(s, []byte("look\r\n"))
	assert.Equal(t, time.Duration(0), d.timeout())
}

func TestSweepPublishesDisconnect(t *testing.T) {
	d, _ := newTestDriver(t, nil)
	var gone []DisconnectData
	d.Bus().ListenFunc(EventDisconnect, func(_ context.Context, ev event.Event) error {
		gone = append(gone, ev.Data.(DisconnectData))
		return nil
	})
	s, conn := admitOne(t, d)
	id := s.ID

	d.Remove(s)
	d.sweep()
	assert.Equal(t, 0, d.table.Len())
	assert.True(t, conn.closed)
	require.Len(t, gone, 1)
	assert.Equal(t, id, gone[0].ID)
}

func TestReadErrorTearsDown(t *testing.T) {
	d, _ := newTestDriver(t, nil)
	s, _ := admitOne(t, d)
	d.handleRead(readEvent{ref: s.Ref(), err: io.EOF})
	assert.True(t, s.DoClose())
}

func TestStaleReadEventIgnored(t *testing.T) {
	d, _ := newTestDriver(t, nil)
	s, _ := admitOne(t, d)
	ref := s.Ref()
	d.table.Remove(s, false)
	d.handleRead(readEvent{ref: ref, data: []byte("ghost\r\n")})
	assert.Equal(t, 0, d.table.Len())
}

func TestBacklogDrainsAcrossTurns(t *testing.T) {
	d, h := newTestDriver(t, nil)
	s, _ := admitOne(t, d)

	big := bytes.Repeat([]byte{'a'}, telnet.MaxText)
	d.feed(s, append(big, []byte("\r\ntail\r\n")...))
	assert.True(t, s.HasBacklog())

	for i := 0; i < 4; i++ {
		d.serveSessions()
	}
	require.NotEmpty(t, h.commands)
	assert.Equal(t, "tail", h.commands[len(h.commands)-1])
}

func TestAttachErqAdoptsSocketOnSweep(t *testing.T) {
	d, _ := newTestDriver(t, nil)
	s, conn := admitOne(t, d)

	require.True(t, d.AttachErq(s, false))
	assert.True(t, s.DoClose())
	d.sweep()

	assert.Equal(t, 0, d.table.Len())
	assert.False(t, conn.closed, "the bridge owns the socket now")
	assert.True(t, d.ErqConnected())
	assert.Equal(t, []byte{telnet.IAC, telnet.TransmitBinary}, conn.wrote.Bytes())
}

func TestSetCharModeNegotiates(t *testing.T) {
	d, _ := newTestDriver(t, nil)
	s, conn := admitOne(t, d)

	d.SetCharMode(s, true)
	assert.Equal(t, []byte{
		telnet.IAC, telnet.DO, telnet.SuppressGoAhead,
		telnet.IAC, telnet.WILL, telnet.SuppressGoAhead,
	}, conn.wrote.Bytes())
	assert.True(t, s.Machine().Mode().CharModeActive())
}

func TestLookupHostProvisionalOnMiss(t *testing.T) {
	d, _ := newTestDriver(t, nil)
	addr := netip.MustParseAddr("10.9.8.7")
	name := d.LookupHost(addr)
	assert.Equal(t, "10.9.8.7", name)
	again := d.LookupHost(addr)
	assert.Equal(t, name, again)
}
