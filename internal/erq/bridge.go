package erq

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/halcyonmud/halcyon/internal/ipcache"
	"github.com/halcyonmud/halcyon/internal/lang"
	"github.com/halcyonmud/halcyon/internal/telnet"
)

var (
	ErrRunning = errors.New("erq: helper already attached")
	ErrRefused = errors.New("erq: helper failed to start")
)

// erqGreeting is written to a freshly adopted connection so the remote
// helper knows it is talking to the driver.
var erqGreeting = []byte{telnet.IAC, telnet.TransmitBinary}

// Bridge owns the helper connection and the table of outstanding
// requests. Every method must be called from the loop goroutine; only
// the raw reads happen elsewhere and come back in through Consume.
type Bridge struct {
	log    zerolog.Logger
	interp lang.Interp
	cache  *ipcache.Cache

	rwc io.ReadWriteCloser
	cmd *exec.Cmd

	// callback slots, free list threaded through nextFree. Slot
	// MaxPending is the fire-and-forget slot and never enters the list.
	cbs      [MaxPending + 1]lang.Value
	used     [MaxPending + 1]bool
	nextFree [MaxPending]int
	freeHead int

	recv []byte // partially received inbound message
	tail []byte // unsent outbound bytes

	onStop func()
}

func New(log zerolog.Logger, interp lang.Interp, cache *ipcache.Cache) *Bridge {
	b := &Bridge{
		log:    log.With().Str("component", "erq").Logger(),
		interp: interp,
		cache:  cache,
	}
	for i := range b.nextFree {
		b.nextFree[i] = i + 1
	}
	return b
}

// OnStop installs a callback invoked after the helper connection dies.
func (b *Bridge) OnStop(fn func()) { b.onStop = fn }

func (b *Bridge) Connected() bool { return b.rwc != nil }

// Pending counts occupied callback slots.
func (b *Bridge) Pending() int {
	n := 0
	for h := 0; h < MaxPending; h++ {
		if b.used[h] {
			n++
		}
	}
	return n
}

// Start spawns the helper program and waits for its one-byte startup
// ack; '0' means the helper could not set itself up.
func (b *Bridge) Start(path string, args ...string) error {
	if b.rwc != nil {
		return ErrRunning
	}
	cmd := exec.Command(path, append(args, "--forked")...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "erq: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "erq: stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "erq: start helper")
	}
	var ack [1]byte
	if _, err := io.ReadFull(stdout, ack[:]); err != nil {
		cmd.Process.Kill()
		go cmd.Wait()
		return errors.Wrap(err, "erq: reading startup ack")
	}
	if ack[0] == '0' {
		cmd.Process.Kill()
		go cmd.Wait()
		return ErrRefused
	}
	b.cmd = cmd
	b.rwc = pipeConn{Reader: stdout, WriteCloser: stdin}
	b.log.Info().Str("path", path).Msg("erq helper started")
	return nil
}

// Attach adopts an existing connection, typically the socket of a
// session that announced itself as a replacement helper.
func (b *Bridge) Attach(rwc io.ReadWriteCloser) bool {
	if b.rwc != nil {
		return false
	}
	b.rwc = rwc
	if _, err := rwc.Write(erqGreeting); err != nil {
		b.rwc = nil
		return false
	}
	b.log.Info().Msg("erq helper attached")
	return true
}

// Reader exposes the current helper connection for the loop's reader
// goroutine. nil while no helper is up.
func (b *Bridge) Reader() io.Reader {
	if b.rwc == nil {
		return nil
	}
	return b.rwc
}

// Send frames a request for the helper. cb, when non-nil, is invoked
// with the reply payload; with cb nil the reply is discarded. False
// means the request cannot be taken right now: no helper, the handle
// table is full, the request is oversized, or an earlier message is
// still only partially written.
func (b *Bridge) Send(code byte, payload []byte, cb lang.Value) bool {
	if b.rwc == nil {
		return false
	}
	if headerSize+1+len(payload) > MaxSend {
		return false
	}
	if !b.drainTail() {
		return false
	}
	handle := MaxPending
	if cb != nil {
		handle = b.freeHead
		if handle >= MaxPending {
			return false
		}
		b.freeHead = b.nextFree[handle]
		b.used[handle] = true
		b.cbs[handle] = cb
	}
	b.write(uint32(handle), code, payload)
	return true
}

// ResolveV4 asks the helper for the hostname behind a v4 address. The
// reply comes back on the reserved lookup handle and feeds the cache.
func (b *Bridge) ResolveV4(addr netip.Addr) bool {
	if b.rwc == nil || !addr.Is4() {
		return false
	}
	if !b.drainTail() {
		return false
	}
	a4 := addr.As4()
	b.write(HandleRLookup, ReqRLookup, a4[:])
	return true
}

func (b *Bridge) ResolveV6(addr netip.Addr) bool {
	if b.rwc == nil {
		return false
	}
	if !b.drainTail() {
		return false
	}
	b.write(HandleRLookupV6, ReqRLookupV6, []byte(addr.String()))
	return true
}

func (b *Bridge) drainTail() bool {
	if len(b.tail) == 0 {
		return true
	}
	n, _ := b.rwc.Write(b.tail)
	b.tail = b.tail[n:]
	return len(b.tail) == 0
}

func (b *Bridge) write(handle uint32, code byte, payload []byte) {
	buf := make([]byte, headerSize+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[4:8], handle)
	buf[8] = code
	copy(buf[9:], payload)
	n, err := b.rwc.Write(buf)
	if n < len(buf) {
		// keep the unsent tail; further sends are refused until the
		// helper drains it
		b.tail = append(b.tail[:0], buf[n:]...)
	}
	if err != nil {
		b.log.Warn().Err(err).Msg("short write to erq helper")
	}
}

// Consume feeds raw bytes read from the helper into the framer and
// dispatches every complete message.
func (b *Bridge) Consume(data []byte) {
	b.recv = append(b.recv, data...)
	for b.rwc != nil && len(b.recv) >= headerSize {
		msglen := int(binary.BigEndian.Uint32(b.recv[:4]))
		if msglen < headerSize || msglen > MaxReply {
			b.log.Error().Int("len", msglen).Msg("erq helper sent a garbled length; cutting it off")
			b.Stop()
			return
		}
		if len(b.recv) < msglen {
			return
		}
		msg := b.recv[:msglen]
		b.recv = b.recv[msglen:]
		b.dispatch(binary.BigEndian.Uint32(msg[4:8]), msg[8:])
	}
}

func (b *Bridge) dispatch(handle uint32, payload []byte) {
	keep := false
	if handle == HandleKeepAlive {
		if len(payload) < 4 {
			return
		}
		handle = binary.BigEndian.Uint32(payload[:4])
		payload = payload[4:]
		keep = true
	}
	switch handle {
	case HandleRLookup:
		b.rlookupV4(payload)
		return
	case HandleRLookupV6:
		b.rlookupV6(payload)
		return
	}
	if handle >= MaxPending || !b.used[handle] {
		// stray or already-retired handle
		return
	}
	cb := b.cbs[handle]
	if !keep {
		b.release(int(handle))
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	if _, err := b.interp.Evaluate(cb, data, len(data)); err != nil {
		b.log.Warn().Err(err).Msg("erq callback failed")
	}
}

func (b *Bridge) rlookupV4(payload []byte) {
	if len(payload) < 4 {
		return
	}
	addr := netip.AddrFrom4([4]byte(payload[:4]))
	name := string(bytes.TrimRight(payload[4:], "\x00"))
	if name != "" {
		b.cache.Add(addr, name)
	}
}

func (b *Bridge) rlookupV6(payload []byte) {
	fields := strings.Fields(string(bytes.TrimRight(payload, "\x00")))
	if len(fields) >= 2 {
		b.cache.Update(fields[0], fields[1])
	}
}

func (b *Bridge) release(handle int) {
	b.cbs[handle] = nil
	b.used[handle] = false
	b.nextFree[handle] = b.freeHead
	b.freeHead = handle
}

// Stop tears the helper connection down and fails every outstanding
// request with the stale signal.
func (b *Bridge) Stop() {
	if b.rwc == nil {
		return
	}
	b.rwc.Close()
	b.rwc = nil
	if b.cmd != nil {
		cmd := b.cmd
		b.cmd = nil
		go cmd.Wait()
	}
	b.recv = nil
	b.tail = nil
	b.used[MaxPending] = false
	b.cbs[MaxPending] = nil
	for h := 0; h < MaxPending; h++ {
		if !b.used[h] {
			continue
		}
		cb := b.cbs[h]
		b.release(h)
		if _, err := b.interp.Evaluate(cb, StaleSignal); err != nil {
			b.log.Warn().Err(err).Msg("stale erq callback failed")
		}
	}
	b.log.Info().Msg("erq helper stopped")
	if b.onStop != nil {
		b.onStop()
	}
}

type pipeConn struct {
	io.Reader
	io.WriteCloser
}
