// Package erq bridges the driver to its external request helper: a
// separate process doing the blocking work (name resolution, exec,
// auxiliary sockets) the main loop must never wait on. Both directions
// speak length-prefixed messages: a big-endian u32 total length, a
// big-endian u32 handle, then the body.
package erq

// Request codes understood by the helper.
const (
	ReqRLookup byte = iota
	ReqExecute
	ReqFork
	ReqAuth
	ReqSpawn
	ReqSend
	ReqKill
	ReqOpenUDP
	ReqOpenTCP
	ReqListen
	ReqAccept
	ReqLookup
	ReqRLookupV6
)

const (
	// MaxPending bounds the callback table; one extra slot carries
	// fire-and-forget requests that never see a reply.
	MaxPending = 32

	// MaxReply bounds one inbound message, header included. A helper
	// announcing more is broken and gets cut off.
	MaxReply = 1024

	// MaxSend bounds one outbound request, header included.
	MaxSend = 256

	headerSize = 8
)

// Reserved wire handles at the top of the u32 range. KeepHandle wraps a
// reply around the real handle without retiring it; the lookup handles
// route reverse-resolution replies straight into the IP cache.
const (
	HandleKeepAlive uint32 = 0xfffffffd
	HandleRLookup   uint32 = 0xfffffffe
	HandleRLookupV6 uint32 = 0xffffffff
)

// StaleSignal is passed to every pending callback when the helper dies
// before answering.
const StaleSignal = "erq-stale"
