package erq

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonmud/halcyon/internal/ipcache"
	"github.com/halcyonmud/halcyon/internal/lang"
)

type fakeConn struct {
	out    bytes.Buffer
	limit  int // max bytes accepted per Write, 0 = unlimited
	closed bool
}

func (f *fakeConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (f *fakeConn) Write(p []byte) (int, error) {
	n := len(p)
	if f.limit > 0 && n > f.limit {
		n = f.limit
	}
	f.out.Write(p[:n])
	return n, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type call struct {
	cb   lang.Value
	args []lang.Value
}

type recInterp struct{ calls []call }

func (r *recInterp) Evaluate(cb lang.Value, args ...lang.Value) (lang.Value, error) {
	r.calls = append(r.calls, call{cb, args})
	return nil, nil
}

func (r *recInterp) Authorize(string, ...lang.Value) bool { return true }
func (r *recInterp) Destroy(lang.Value)                   {}

func newTestBridge(t *testing.T) (*Bridge, *fakeConn, *recInterp, *ipcache.Cache) {
	t.Helper()
	interp := &recInterp{}
	cache := ipcache.New(8)
	b := New(zerolog.Nop(), interp, cache)
	conn := &fakeConn{}
	require.True(t, b.Attach(conn))
	conn.out.Reset() // drop the greeting
	return b, conn, interp, cache
}

func reply(handle uint32, payload []byte) []byte {
	msg := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(msg[0:4], uint32(len(msg)))
	binary.BigEndian.PutUint32(msg[4:8], handle)
	copy(msg[8:], payload)
	return msg
}

func TestAttachSendsGreeting(t *testing.T) {
	b := New(zerolog.Nop(), &recInterp{}, ipcache.New(8))
	conn := &fakeConn{}
	require.True(t, b.Attach(conn))
	assert.Equal(t, erqGreeting, conn.out.Bytes())
	assert.False(t, b.Attach(&fakeConn{}), "second attach must be refused")
}

func TestSendFraming(t *testing.T) {
	b, conn, _, _ := newTestBridge(t)
	require.True(t, b.Send(ReqExecute, []byte("ls"), "cb"))

	wire := conn.out.Bytes()
	require.Len(t, wire, 11)
	assert.Equal(t, uint32(11), binary.BigEndian.Uint32(wire[0:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(wire[4:8]))
	assert.Equal(t, ReqExecute, wire[8])
	assert.Equal(t, []byte("ls"), wire[9:])
}

func TestSendRefusals(t *testing.T) {
	b := New(zerolog.Nop(), &recInterp{}, ipcache.New(8))
	assert.False(t, b.Send(ReqExecute, nil, "cb"), "no helper")

	b, _, _, _ = newTestBridge(t)
	big := bytes.Repeat([]byte{'x'}, MaxSend)
	assert.False(t, b.Send(ReqExecute, big, "cb"), "oversized request")
}

func TestHandleTableExhaustion(t *testing.T) {
	b, conn, _, _ := newTestBridge(t)
	for i := 0; i < MaxPending; i++ {
		require.True(t, b.Send(ReqExecute, nil, i))
	}
	assert.Equal(t, MaxPending, b.Pending())
	assert.False(t, b.Send(ReqExecute, nil, "one too many"))

	// fire-and-forget does not need a slot
	conn.out.Reset()
	require.True(t, b.Send(ReqSend, []byte("x"), nil))
	assert.Equal(t, uint32(MaxPending), binary.BigEndian.Uint32(conn.out.Bytes()[4:8]))

	// a reply frees its slot for reuse
	b.Consume(reply(7, []byte("done")))
	assert.Equal(t, MaxPending-1, b.Pending())
	assert.True(t, b.Send(ReqExecute, nil, "again"))
}

func TestChunkedReplies(t *testing.T) {
	b, _, interp, _ := newTestBridge(t)
	require.True(t, b.Send(ReqExecute, nil, "first"))
	require.True(t, b.Send(ReqExecute, nil, "second"))

	wire := append(reply(0, []byte("aa")), reply(1, []byte("bb"))...)
	for _, bt := range wire {
		b.Consume([]byte{bt})
	}

	require.Len(t, interp.calls, 2)
	assert.Equal(t, "first", interp.calls[0].cb)
	assert.Equal(t, []byte("aa"), interp.calls[0].args[0])
	assert.Equal(t, "second", interp.calls[1].cb)
	assert.Equal(t, []byte("bb"), interp.calls[1].args[0])
	assert.Equal(t, 0, b.Pending())
}

func TestStrayHandleIgnored(t *testing.T) {
	b, _, interp, _ := newTestBridge(t)
	b.Consume(reply(5, []byte("nobody asked")))
	assert.Empty(t, interp.calls)
	assert.True(t, b.Connected())
}

func TestKeepHandleDoesNotRetire(t *testing.T) {
	b, _, interp, _ := newTestBridge(t)
	require.True(t, b.Send(ReqListen, nil, "acceptor"))

	wrapped := append([]byte{0, 0, 0, 0}, []byte("tick")...)
	b.Consume(reply(HandleKeepAlive, wrapped))
	b.Consume(reply(HandleKeepAlive, wrapped))
	require.Len(t, interp.calls, 2)
	assert.Equal(t, "acceptor", interp.calls[0].cb)
	assert.Equal(t, []byte("tick"), interp.calls[0].args[0])
	assert.Equal(t, 1, b.Pending())

	// the plain reply retires it
	b.Consume(reply(0, []byte("done")))
	require.Len(t, interp.calls, 3)
	assert.Equal(t, 0, b.Pending())
}

func TestGarbledLengthKillsHelper(t *testing.T) {
	b, conn, interp, _ := newTestBridge(t)
	stopped := false
	b.OnStop(func() { stopped = true })
	require.True(t, b.Send(ReqExecute, nil, "victim"))

	b.Consume([]byte{0, 0, 0, 4, 0, 0, 0, 0})

	assert.False(t, b.Connected())
	assert.True(t, conn.closed)
	assert.True(t, stopped)
	require.Len(t, interp.calls, 1)
	assert.Equal(t, "victim", interp.calls[0].cb)
	assert.Equal(t, lang.Value(StaleSignal), interp.calls[0].args[0])
}

func TestStopFailsAllPending(t *testing.T) {
	b, _, interp, _ := newTestBridge(t)
	for _, cb := range []string{"a", "b", "c"} {
		require.True(t, b.Send(ReqExecute, nil, cb))
	}
	b.Stop()
	require.Len(t, interp.calls, 3)
	for _, c := range interp.calls {
		assert.Equal(t, lang.Value(StaleSignal), c.args[0])
	}
	assert.Equal(t, 0, b.Pending())
	b.Stop() // idempotent
	assert.Len(t, interp.calls, 3)
}

func TestReverseLookupFeedsCache(t *testing.T) {
	b, _, _, cache := newTestBridge(t)
	addr := netip.MustParseAddr("10.1.2.3")
	cache.AddProvisional(addr)
	require.True(t, b.ResolveV4(addr))

	payload := append([]byte{10, 1, 2, 3}, []byte("host.example\x00")...)
	b.Consume(reply(HandleRLookup, payload))

	name, ok := cache.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, "host.example", name)
}

func TestReverseLookupV6UpdatesByName(t *testing.T) {
	b, _, _, cache := newTestBridge(t)
	addr := netip.MustParseAddr("2001:db8::1")
	cache.AddProvisional(addr)
	require.True(t, b.ResolveV6(addr))

	b.Consume(reply(HandleRLookupV6, []byte("2001:db8::1 six.example\x00")))

	name, ok := cache.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, "six.example", name)
}

func TestPartialWriteBlocksFurtherSends(t *testing.T) {
	b, conn, _, _ := newTestBridge(t)
	conn.limit = 2
	require.True(t, b.Send(ReqExecute, nil, "slow")) // 9 bytes, 2 written

	// the tail must drain fully before anything new goes out
	assert.False(t, b.Send(ReqExecute, nil, "blocked"))
	conn.limit = 0
	assert.True(t, b.Send(ReqExecute, nil, "after drain"))
	assert.Equal(t, 9+9, conn.out.Len())
}
