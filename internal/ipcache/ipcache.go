// Package ipcache keeps a small fixed ring of address-to-hostname
// entries. Lookups scan backwards from the most recent insertion so hot
// addresses stay cheap; misses insert a provisional entry carrying the
// textual address until the asynchronous reverse lookup answers.
package ipcache

import "net/netip"

// DefaultSize is the ring capacity used when the configuration does not
// say otherwise.
const DefaultSize = 200

type entry struct {
	addr netip.Addr
	name string
	used bool
}

type Cache struct {
	ring []entry
	cur  int // next slot to overwrite
}

func New(size int) *Cache {
	if size < 1 {
		size = DefaultSize
	}
	return &Cache{ring: make([]entry, size)}
}

// Lookup returns the cached name for addr. ok is false on a miss; the
// caller is expected to insert a provisional entry and kick off the
// asynchronous resolve.
func (c *Cache) Lookup(addr netip.Addr) (string, bool) {
	for i := 0; i < len(c.ring); i++ {
		j := c.cur - 1 - i
		if j < 0 {
			j += len(c.ring)
		}
		e := &c.ring[j]
		if e.used && e.addr == addr {
			return e.name, true
		}
	}
	return "", false
}

// Add records name for addr, updating in place when the address is
// already cached and overwriting the oldest slot otherwise.
func (c *Cache) Add(addr netip.Addr, name string) {
	for i := range c.ring {
		e := &c.ring[i]
		if e.used && e.addr == addr {
			e.name = name
			return
		}
	}
	c.ring[c.cur] = entry{addr: addr, name: name, used: true}
	c.cur++
	if c.cur == len(c.ring) {
		c.cur = 0
	}
}

// AddProvisional caches the textual form of addr and returns it. The
// real name arrives later via Update or Add.
func (c *Cache) AddProvisional(addr netip.Addr) string {
	name := addr.String()
	c.Add(addr, name)
	return name
}

// Update renames an entry found by its old name. Reverse lookups for
// IPv6 answer with "oldname newname" pairs, so the address is not part
// of the reply.
func (c *Cache) Update(oldName, newName string) bool {
	for i := range c.ring {
		e := &c.ring[i]
		if e.used && e.name == oldName {
			e.name = newName
			return true
		}
	}
	return false
}
