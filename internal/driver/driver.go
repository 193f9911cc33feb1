// Package driver runs the multiplexed loop that owns every shared
// table: the session arena, the ERQ bridge and the IP name cache.
// Network reads happen in small reader goroutines that funnel chunks
// into the loop's channels; every state change happens on the loop
// goroutine, so none of the owned structures lock.
package driver

import (
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/halcyonmud/halcyon/internal/erq"
	"github.com/halcyonmud/halcyon/internal/event"
	"github.com/halcyonmud/halcyon/internal/ipcache"
	"github.com/halcyonmud/halcyon/internal/lang"
	"github.com/halcyonmud/halcyon/internal/session"
	"github.com/halcyonmud/halcyon/internal/telnet"
)

// Handler receives the loop's two upcalls: one per extracted command,
// and one per heartbeat interval.
type Handler interface {
	HandleCommand(s *session.Session, cmd string)
	HandleHeartbeat()
}

// Hooks are the optional policy callbacks of the embedding runtime.
type Hooks struct {
	// Connect turns a freshly admitted session into a real owner
	// object; an error rejects the connection.
	Connect func(s *session.Session) (lang.Value, error)
	// Disconnect is told when a session's owner loses its connection.
	Disconnect func(owner lang.Value)
	// TelnetNeg decides delegable telnet option negotiations.
	TelnetNeg func(s *session.Session, cmd, opt byte) bool
	// Subneg receives complete subnegotiation payloads.
	Subneg func(s *session.Session, opt byte, data []byte)
	// NoEcho, when set, takes over input-mode negotiation.
	NoEcho func(s *session.Session, mode telnet.Mode) bool
	// ErqStop fires after the helper connection dies.
	ErqStop func()
	// ReceiveUDP gets every datagram from the service port.
	ReceiveUDP func(addr netip.Addr, port uint16, payload []byte)
	// TellObject delivers snooped output to a watcher without a
	// connection of its own.
	TellObject func(owner lang.Value, msg string)
	// Shadow may intercept any outgoing message; true swallows it.
	Shadow func(owner lang.Value, msg []byte) bool
	// FullMessage overrides the text sent when the table is full.
	FullMessage string
}

type Config struct {
	Addrs        []string // tcp listen addresses
	UDPAddr      string   // optional datagram service port
	ErqPath      string   // helper program started at boot when set
	MaxSessions  int
	IPCacheSize  int
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	// DelegateAll routes every telnet option through the TelnetNeg
	// hook instead of only the delegable set.
	DelegateAll bool

	Logger  zerolog.Logger
	Interp  lang.Interp
	Hooks   Hooks
	Handler Handler
	Bus     event.Dispatcher
}

type Driver struct {
	cfg    Config
	log    zerolog.Logger
	table  *session.Table
	cache  *ipcache.Cache
	bridge *erq.Bridge
	bus    event.Dispatcher

	done    chan struct{}
	accepts chan net.Conn
	reads   chan readEvent
	erqIn   chan erqEvent
	udpIn   chan udpEvent

	listeners []net.Listener
	udpConn   *net.UDPConn

	scan     int // rotating session scan cursor
	erqGen   int // invalidates reader goroutines of dead helpers
	lastBeat time.Time
}

func New(cfg Config) (*Driver, error) {
	if cfg.Handler == nil {
		return nil, errors.New("driver: a command handler is required")
	}
	if cfg.Interp == nil {
		cfg.Interp = lang.NopInterp{}
	}
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 50
	}
	if cfg.IPCacheSize < 1 {
		cfg.IPCacheSize = ipcache.DefaultSize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.Bus == nil {
		cfg.Bus = event.NewDispatcher()
	}

	d := &Driver{
		cfg:     cfg,
		log:     cfg.Logger,
		bus:     cfg.Bus,
		cache:   ipcache.New(cfg.IPCacheSize),
		done:    make(chan struct{}),
		accepts: make(chan net.Conn, 8),
		reads:   make(chan readEvent, 64),
		erqIn:   make(chan erqEvent, 16),
		udpIn:   make(chan udpEvent, 16),
	}
	d.bridge = erq.New(cfg.Logger, cfg.Interp, d.cache)
	d.bridge.OnStop(func() {
		if cfg.Hooks.ErqStop != nil {
			cfg.Hooks.ErqStop()
		}
		d.publish(EventErqStop, nil)
	})
	d.table = session.NewTable(session.Config{
		Capacity:     cfg.MaxSessions,
		Log:          cfg.Logger,
		Diag:         cfg.Logger.With().Str("sink", "discard").Logger(),
		Interp:       cfg.Interp,
		WriteTimeout: cfg.WriteTimeout,
		DelegateAll:  cfg.DelegateAll,
		TelnetNeg:    cfg.Hooks.TelnetNeg,
		Subneg:       cfg.Hooks.Subneg,
		NoEchoHook:   cfg.Hooks.NoEcho,
		Shadow:       cfg.Hooks.Shadow,
		TellObject:   cfg.Hooks.TellObject,
		OnDisconnect: cfg.Hooks.Disconnect,
		HandOff: func(conn net.Conn) bool {
			if !d.bridge.Attach(conn) {
				return false
			}
			d.startErqReader(conn)
			return true
		},
	})
	return d, nil
}

// Sessions exposes the table for embedders; safe only from the loop
// goroutine or before Run.
func (d *Driver) Sessions() *session.Table { return d.table }

func (d *Driver) Bus() event.Dispatcher { return d.bus }

// Send delivers text through the session's output filter and buffer.
func (d *Driver) Send(s *session.Session, text string) { d.table.Send(s, text) }

func (d *Driver) SendBytes(s *session.Session, p []byte) { d.table.Send(s, string(p)) }

// Flush forces the session's buffered output onto the wire.
func (d *Driver) Flush(s *session.Session) { d.table.Flush(s) }

func (d *Driver) SetSnoop(watcherOwner lang.Value, watcher, target *session.Session) error {
	return d.table.SetSnoop(watcherOwner, watcher, target)
}

func (d *Driver) StopSnoop(watcherOwner lang.Value, target *session.Session) error {
	return d.table.StopSnoop(watcherOwner, target)
}

// InputTo queues cb as the handler of the session's next input line.
func (d *Driver) InputTo(s *session.Session, cb lang.Value, mode telnet.Mode) bool {
	return d.table.QueueInput(s, cb, mode)
}

// SendErq forwards a request to the helper. False when there is no
// helper, the handle table is full, the payload is oversized, an
// earlier message is still stuck, or policy says no.
func (d *Driver) SendErq(code byte, payload []byte, cb lang.Value) bool {
	if !d.cfg.Interp.Authorize(lang.AuthSendErq, cb) {
		return false
	}
	return d.bridge.Send(code, payload, cb)
}

// AttachErq demotes a session into the helper link: its socket is
// adopted by the bridge during the teardown sweep. With force a live
// helper is stopped first.
func (d *Driver) AttachErq(s *session.Session, force bool) bool {
	if s == nil || s.Closing() {
		return false
	}
	if !d.cfg.Interp.Authorize(lang.AuthAttachErq, s.Owner()) {
		return false
	}
	if d.bridge.Connected() {
		if !force {
			return false
		}
		d.bridge.Stop()
	}
	s.MarkErqHandoff()
	return true
}

// StartErq spawns the helper program and begins reading its replies.
func (d *Driver) StartErq(path string, args ...string) error {
	if err := d.bridge.Start(path, args...); err != nil {
		return err
	}
	d.startErqReader(d.bridge.Reader())
	return nil
}

func (d *Driver) StopErq() { d.bridge.Stop() }

func (d *Driver) ErqConnected() bool { return d.bridge.Connected() }

func (d *Driver) SetPrompt(s *session.Session, p lang.Value) { d.table.SetPrompt(s, p) }

func (d *Driver) QueryPrompt(s *session.Session) lang.Value { return d.table.QueryPrompt(s) }

// LookupHost answers from the IP cache; on a miss the address itself is
// returned and a reverse lookup is started through the helper, so a
// later call may know better.
func (d *Driver) LookupHost(addr netip.Addr) string {
	if name, ok := d.cache.Lookup(addr); ok {
		return name
	}
	name := d.cache.AddProvisional(addr)
	d.resolve(addr)
	return name
}

func (d *Driver) resolve(addr netip.Addr) {
	if addr.Is4() {
		d.bridge.ResolveV4(addr)
	} else {
		d.bridge.ResolveV6(addr)
	}
}

// SetBinary turns off IAC quoting for a binary-clean channel.
func (d *Driver) SetBinary(s *session.Session, on bool) { s.SetQuoteIAC(!on) }

// SetNoEcho switches echo suppression, keeping the other mode bits.
func (d *Driver) SetNoEcho(s *session.Session, on bool) {
	d.switchMode(s, telnet.NoEchoReq, on)
}

// SetCharMode switches character-at-a-time input, keeping the other
// mode bits.
func (d *Driver) SetCharMode(s *session.Session, on bool) {
	d.switchMode(s, telnet.CharModeReq, on)
}

func (d *Driver) switchMode(s *session.Session, bit telnet.Mode, on bool) {
	mode := s.Machine().Mode() & (telnet.NoEchoReq | telnet.CharModeReq | telnet.IgnoreBang)
	if on {
		mode |= bit
	} else {
		mode &^= bit
	}
	d.table.RequestModes(s, mode)
}

// Remove schedules the session for the loop's teardown sweep.
func (d *Driver) Remove(s *session.Session) { s.ScheduleClose() }
