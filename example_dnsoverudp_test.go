// SPDX-License-Identifier: GPL-3.0-or-later

package neat_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/runtimex"
	"github.com/miekg/dns"
	"github.com/neatcore/neatcore"
)

// This example shows how to compose the low-level DNS-over-UDP dial
// pipeline the resolver builds one of per (source address, DNS server)
// pair (see resolver.go). It resolves a domain name against a public
// DNS server directly, bypassing request aggregation and dedup.
func Example_dnsOverUDP() {
	// Create context with overall timeout for the entire operation.
	// Caller controls timeout externally - the pipeline never modifies the context.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create a config and logger with a span ID for correlating log entries
	cfg := neat.NewConfig()
	spanID := neat.NewSpanID()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("spanID", spanID)

	// Create pipeline for establishing a DNS-over-UDP connection.
	// CancelWatchFunc binds context lifecycle to connection lifecycle:
	// when context is done (timeout, cancel, signal), connection closes.
	epntOp := neat.NewEndpointFunc(netip.MustParseAddrPort("8.8.8.8:53"))

	connectOp := neat.NewConnectFunc(cfg, "udp", logger)

	observeOp := neat.NewObserveConnFunc(cfg, logger)

	autoCancelOp := neat.NewCancelWatchFunc()

	wrapOp := neat.NewDNSOverUDPConnFunc(cfg, logger)

	dialPipe := neat.Compose5(epntOp, connectOp, observeOp, autoCancelOp, wrapOp)

	// Connect and wrap in DNSOverUDPConn (which owns the underlying connection)
	dnsConn := runtimex.PanicOnError1(dialPipe.Call(ctx, neat.Unit{}))
	defer dnsConn.Close()

	// Perform the DNS exchange
	dnsQuery := dnscodec.NewQuery("dns.google", dns.TypeA)
	dnsResp := runtimex.PanicOnError1(dnsConn.Exchange(ctx, dnsQuery))

	// Print the results
	addrs := runtimex.PanicOnError1(dnsResp.RecordsA())
	slices.Sort(addrs)
	fmt.Printf("%+v\n", addrs)

	// Output:
	// [8.8.4.4 8.8.8.8]
}
