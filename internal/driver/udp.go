package driver

import "net/netip"

type udpEvent struct {
	addr netip.AddrPort
	data []byte
}

func (d *Driver) udpLoop() {
	for {
		buf := make([]byte, readChunk)
		n, addr, err := d.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if classifyRead(err) == readSkip {
				continue
			}
			return // closed on shutdown
		}
		select {
		case d.udpIn <- udpEvent{addr: addr, data: buf[:n]}:
		case <-d.done:
			return
		}
	}
}

func (d *Driver) serveDatagram(ev udpEvent) {
	if d.cfg.Hooks.ReceiveUDP != nil {
		d.cfg.Hooks.ReceiveUDP(ev.addr.Addr(), ev.addr.Port(), ev.data)
	}
	d.publish(EventDatagram, DatagramData{Addr: ev.addr, Payload: ev.data})
}
