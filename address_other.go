// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package neat

import "net/netip"

// isDeprecatedIPv6 has no portable non-Linux implementation: reading a
// v6 address's preferred lifetime needs a netlink-equivalent facility this
// platform doesn't expose through golang.org/x/sys/unix. Addresses are
// therefore never reported as deprecated outside Linux.
func isDeprecatedIPv6(ifIndex int, ip netip.Addr) bool {
	return false
}
