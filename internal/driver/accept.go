package driver

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/halcyonmud/halcyon/internal/session"
)

const defaultFullMessage = "Sorry, there is no room for you right now. Come back later.\r\n"

func (d *Driver) listen(ctx context.Context) error {
	for _, addr := range d.cfg.Addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range d.listeners {
				open.Close()
			}
			return errors.Wrapf(err, "driver: listen %s", addr)
		}
		d.listeners = append(d.listeners, l)
		d.log.Info().Str("addr", l.Addr().String()).Msg("listening")
		go d.acceptLoop(ctx, l)
	}
	if d.cfg.UDPAddr != "" {
		uaddr, err := net.ResolveUDPAddr("udp", d.cfg.UDPAddr)
		if err != nil {
			return errors.Wrapf(err, "driver: udp address %s", d.cfg.UDPAddr)
		}
		d.udpConn, err = net.ListenUDP("udp", uaddr)
		if err != nil {
			return errors.Wrapf(err, "driver: udp listen %s", d.cfg.UDPAddr)
		}
		d.log.Info().Str("addr", d.udpConn.LocalAddr().String()).Msg("udp service port open")
		go d.udpLoop()
	}
	return nil
}

func (d *Driver) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return // closed on shutdown
		}
		select {
		case d.accepts <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// admit turns an accepted socket into a session: bind a slot, ask the
// policy layer for the owner, prime the name cache, start the reader.
func (d *Driver) admit(conn net.Conn) {
	s, err := d.table.New(conn, nil)
	if err != nil {
		d.log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("connection refused")
		conn.Write([]byte(d.fullMessage()))
		conn.Close()
		return
	}
	if d.cfg.Hooks.Connect != nil {
		owner, err := d.cfg.Hooks.Connect(s)
		if err != nil {
			lg := s.Log()
			lg.Warn().Err(err).Msg("admission rejected")
			d.table.Send(s, "Sorry, you cannot be taken right now.\n")
			d.table.Remove(s, true)
			return
		}
		s.SetOwner(owner)
	}
	if addr := s.Addr().Addr(); addr.IsValid() {
		if _, ok := d.cache.Lookup(addr); !ok {
			d.cache.AddProvisional(addr)
			d.resolve(addr)
		}
	}
	d.publish(EventConnect, ConnectData{ID: s.ID, Addr: s.Addr()})
	go d.readLoop(s.Ref(), conn)
}

func (d *Driver) fullMessage() string {
	if d.cfg.Hooks.FullMessage != "" {
		return d.cfg.Hooks.FullMessage
	}
	return defaultFullMessage
}

func (d *Driver) readLoop(ref session.Ref, conn net.Conn) {
	for {
		buf := make([]byte, readChunk)
		n, err := conn.Read(buf)
		select {
		case d.reads <- readEvent{ref: ref, data: buf[:n], err: err}:
		case <-d.done:
			return
		}
		if err != nil {
			if classifyRead(err) == readSkip {
				continue
			}
			return
		}
	}
}
