package driver

import (
	"context"
	"net/netip"

	"github.com/google/uuid"

	"github.com/halcyonmud/halcyon/internal/event"
	"github.com/halcyonmud/halcyon/internal/lang"
)

// Lifecycle events published on the driver's bus.
const (
	EventConnect    event.Name = "driver.session.connect"
	EventDisconnect event.Name = "driver.session.disconnect"
	EventErqStop    event.Name = "driver.erq.stop"
	EventDatagram   event.Name = "driver.udp.datagram"
)

type ConnectData struct {
	ID   uuid.UUID
	Addr netip.AddrPort
}

type DisconnectData struct {
	ID    uuid.UUID
	Addr  netip.AddrPort
	Owner lang.Value
}

type DatagramData struct {
	Addr    netip.AddrPort
	Payload []byte
}

func (d *Driver) publish(name event.Name, data any) {
	ev := event.Event{Name: name, Data: data}
	if err := d.bus.Dispatch(context.Background(), ev); err != nil {
		d.log.Warn().Err(err).Str("event", string(name)).Msg("event listener failed")
	}
}
