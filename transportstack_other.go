// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package neat

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// dialRawStack is unimplemented outside Linux: SCTP and UDP-Lite raw
// sockets need protocol numbers and sockaddr constants this build does not
// wire up. The stack is still a recognized candidate so callers see a
// prompt, classified failure instead of it silently vanishing from the
// race.
func dialRawStack(ctx context.Context, stack TransportStack, local, remote netip.AddrPort) (net.Conn, error) {
	return nil, fmt.Errorf("%w: stack %s has no raw dial path on this platform", ErrIoError, stack)
}
