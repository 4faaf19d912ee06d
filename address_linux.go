// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package neat

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ifAddrmsgLen is sizeof(struct ifaddrmsg) from linux/if_addr.h:
// family(1) + prefixlen(1) + flags(1) + scope(1) + index(4).
const ifAddrmsgLen = 8

// ifaCacheinfoPreferredOffset is the byte offset of ifa_preferred within
// struct ifa_cacheinfo (ifa_prefered, ifa_valid, cstamp, tstamp; each a
// uint32, the field is kept "prefered" to match the kernel header's own
// misspelling).
const ifaCacheinfoPreferredOffset = 0

// isDeprecatedIPv6 reports whether the IPv6 address assigned to ifIndex has
// a zero preferred lifetime, by walking a netlink RTM_GETADDR dump and
// inspecting the IFA_CACHEINFO attribute. Any netlink failure is treated as
// "not deprecated" rather than propagated, since deprecation only filters
// addresses out of candidate generation; it does not require the
// information to be available.
func isDeprecatedIPv6(ifIndex int, ip netip.Addr) bool {
	data, err := unix.NetlinkRIB(unix.RTM_GETADDR, unix.AF_INET6)
	if err != nil {
		return false
	}
	msgs, err := unix.ParseNetlinkMessage(data)
	if err != nil {
		return false
	}

	want := ip.As16()
	for _, m := range msgs {
		if m.Header.Type != unix.RTM_NEWADDR || len(m.Data) < ifAddrmsgLen {
			continue
		}
		// index is a little-endian uint32 at offset 4 on every netlink-capable
		// Linux arch Go supports.
		msgIfIndex := int(binary.LittleEndian.Uint32(m.Data[4:8]))
		if msgIfIndex != ifIndex {
			continue
		}

		attrs, err := unix.ParseRouteAttr(m.Data[ifAddrmsgLen:])
		if err != nil {
			continue
		}

		matches := false
		preferredZero := false
		for _, attr := range attrs {
			switch attr.Attr.Type {
			case unix.IFA_ADDRESS, unix.IFA_LOCAL:
				var got [16]byte
				copy(got[:], attr.Value)
				if got == want {
					matches = true
				}
			case unix.IFA_CACHEINFO:
				if len(attr.Value) >= 4 {
					preferred := binary.LittleEndian.Uint32(attr.Value[ifaCacheinfoPreferredOffset:])
					preferredZero = preferred == 0
				}
			}
		}
		if matches {
			return preferredZero
		}
	}
	return false
}
