// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// AddrEventKind distinguishes the two events an [AddressInventory] emits.
type AddrEventKind int

const (
	// AddrAdded means an address became usable.
	AddrAdded AddrEventKind = iota

	// AddrRemoved means an address stopped being usable, either because
	// it was unassigned or because it was deprecated (v6 zero preferred
	// lifetime is delivered as AddrRemoved even though the address is
	// still assigned).
	AddrRemoved
)

// Address is an interface-scoped local endpoint.
type Address struct {
	// Family is either "v4" or "v6".
	Family string

	// IfIndex is the owning interface's index.
	IfIndex int

	// IfName is the owning interface's name, kept for logging.
	IfName string

	// IP is the address itself, without a port.
	IP netip.Addr

	// Deprecated is true for v6 addresses whose preferred lifetime has
	// reached zero. Deprecated addresses are filtered out of candidate
	// generation even though they remain assigned to the interface.
	Deprecated bool
}

// addrKey identifies an Address uniquely within the inventory, keyed by
// (interface index, address).
type addrKey struct {
	ifIndex int
	ip      netip.Addr
}

func (a Address) key() addrKey {
	return addrKey{ifIndex: a.IfIndex, ip: a.IP}
}

// AddrEvent is delivered to subscribers of an [AddressInventory].
type AddrEvent struct {
	Kind    AddrEventKind
	Address Address
}

// AddressInventory maintains the live set of local addresses per
// interface and emits [AddrAdded]/[AddrRemoved] events as the set changes.
//
// ADDR_ADDED fires exactly once per address becoming usable, ADDR_REMOVED
// exactly once per address stopping being usable. Consumers (the resolver,
// flow candidates) must assume an address
// can disappear at any I/O-callback boundary and must subscribe rather than
// cache.
type AddressInventory struct {
	mu        sync.Mutex
	addresses map[addrKey]Address
	listeners []func(AddrEvent)
	logger    SLogger
}

// NewAddressInventory returns an empty [*AddressInventory].
func NewAddressInventory(logger SLogger) *AddressInventory {
	return &AddressInventory{
		addresses: make(map[addrKey]Address),
		logger:    logger,
	}
}

// Subscribe registers fn to be called for every future [AddrEvent]. It does
// not replay the current set; callers that need the current set should call
// [*AddressInventory.Snapshot] first.
func (inv *AddressInventory) Subscribe(fn func(AddrEvent)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.listeners = append(inv.listeners, fn)
}

// Snapshot returns the currently usable (non-deprecated) addresses.
func (inv *AddressInventory) Snapshot() []Address {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]Address, 0, len(inv.addresses))
	for _, a := range inv.addresses {
		if !a.Deprecated {
			out = append(out, a)
		}
	}
	return out
}

// Add inserts or updates addr in the inventory, emitting ADDR_ADDED if it
// is newly usable or ADDR_REMOVED if the update marks it deprecated.
func (inv *AddressInventory) Add(addr Address) {
	inv.mu.Lock()
	key := addr.key()
	prev, existed := inv.addresses[key]
	inv.addresses[key] = addr
	inv.mu.Unlock()

	switch {
	case addr.Deprecated:
		// Deprecated addresses are delivered as removed even though
		// still assigned.
		if !existed || !prev.Deprecated {
			inv.emit(AddrEvent{Kind: AddrRemoved, Address: addr})
		}
	case !existed || prev.Deprecated:
		inv.logger.Info("addrAdded",
			slog.String("family", addr.Family),
			slog.Int("ifIndex", addr.IfIndex),
			slog.String("ip", addr.IP.String()))
		inv.emit(AddrEvent{Kind: AddrAdded, Address: addr})
	}
}

// Remove deletes addr from the inventory and emits ADDR_REMOVED. Removing
// an address that is not present is a no-op: callers must not see a
// duplicate ADDR_REMOVED.
func (inv *AddressInventory) Remove(addr Address) {
	inv.mu.Lock()
	key := addr.key()
	prev, existed := inv.addresses[key]
	delete(inv.addresses, key)
	inv.mu.Unlock()

	// A deprecated entry was already delivered as ADDR_REMOVED by Add.
	if !existed || prev.Deprecated {
		return
	}
	inv.logger.Info("addrRemoved",
		slog.String("family", addr.Family),
		slog.Int("ifIndex", addr.IfIndex),
		slog.String("ip", addr.IP.String()))
	inv.emit(AddrEvent{Kind: AddrRemoved, Address: addr})
}

func (inv *AddressInventory) emit(ev AddrEvent) {
	inv.mu.Lock()
	listeners := append([]func(AddrEvent){}, inv.listeners...)
	inv.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Refresh re-scans the host's network interfaces and reconciles the
// inventory against the live set, emitting ADDR_ADDED/ADDR_REMOVED for
// whatever changed. It is meant to be called periodically by the event
// loop's timer phase; the OS-specific address-change listener this stands
// in for is treated as an external event source outside this package's
// scope.
func (inv *AddressInventory) Refresh() error {
	current, err := scanLocalAddresses()
	if err != nil {
		return err
	}

	inv.mu.Lock()
	stale := make([]Address, 0)
	seen := make(map[addrKey]bool, len(current))
	for _, a := range current {
		seen[a.key()] = true
	}
	for key, a := range inv.addresses {
		if !seen[key] {
			stale = append(stale, a)
		}
	}
	inv.mu.Unlock()

	for _, a := range stale {
		inv.Remove(a)
	}
	for _, a := range current {
		inv.Add(a)
	}
	return nil
}

// scanLocalAddresses enumerates every usable unicast address on every
// interface, marking v6 addresses whose preferred lifetime has expired as
// Deprecated via the platform hook [isDeprecatedIPv6].
func scanLocalAddresses() ([]Address, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []Address
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()

			family := "v4"
			deprecated := false
			if ip.Is6() && !ip.Is4In6() {
				family = "v6"
				deprecated = isDeprecatedIPv6(ifi.Index, ip)
			}

			out = append(out, Address{
				Family:     family,
				IfIndex:    ifi.Index,
				IfName:     ifi.Name,
				IP:         ip,
				Deprecated: deprecated,
			})
		}
	}
	return out, nil
}
