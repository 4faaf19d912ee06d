// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
)

// ResolvedTriple is one element of a resolver request's result: a local
// source address paired with a resolved destination, tagged with whether
// the destination is private address space.
type ResolvedTriple struct {
	Source   Address
	Dest     netip.Addr
	Internal bool
}

// isRFC1918OrULA computes the internal_flag: RFC1918 10/8, 172.16/12,
// 192.168/16 for v4, fc00::/7 (ULA) for v6. It is implemented directly
// rather than by porting neat_resolver_addr_internal's v6 branch, whose
// `!= 0xfc` comparison computes the opposite of ULA membership (see
// DESIGN.md).
func isRFC1918OrULA(ip netip.Addr) bool {
	if ip.Is4() || ip.Is4In6() {
		v4 := ip.As4()
		switch {
		case v4[0] == 10:
			return true
		case v4[0] == 172 && v4[1]&0xf0 == 16:
			return true
		case v4[0] == 192 && v4[1] == 168:
			return true
		default:
			return false
		}
	}
	v6 := ip.As16()
	return v6[0]&0xfe == 0xfc
}

// classifyLiteral reports whether domain parses as a numeric address, and
// whether it matches the requested family. UNSPEC matches either family.
// A literal that parses but mismatches the requested family is an
// input error per the original's neat_resolver_check_for_literal, not a
// silent non-match.
func classifyLiteral(domain, family string) (addr netip.Addr, isLiteral bool, err error) {
	parsed, parseErr := netip.ParseAddr(domain)
	if parseErr != nil {
		return netip.Addr{}, false, nil
	}
	litFamily := "v4"
	if parsed.Is6() && !parsed.Is4In6() {
		litFamily = "v6"
	}
	if family != "unspec" && family != litFamily {
		return netip.Addr{}, true, fmt.Errorf("%w: literal %s is %s, requested %s", ErrInvalidProperty, domain, litFamily, family)
	}
	return parsed, true, nil
}

// ResolverRequest is one in-flight (domain, family) lookup.
type ResolverRequest struct {
	Domain string
	Port   uint16

	// Family is "v4", "v6", or "unspec".
	Family string
}

// dedupKey matches the spec's dedup key for resolver replies: same
// requesting interface, same address family, same resolved IP.
type dedupKey struct {
	ifIndex int
	family  string
	ip      netip.Addr
}

// Resolver implements the address-aware stub DNS resolver: for a domain
// name (or literal) it produces destination addresses reachable from each
// usable local source address, by racing a UDP query per (source address,
// DNS server) pair.
//
// Concurrent requests against the same Resolver are served one at a time,
// FIFO, grounded on neat_getaddrinfo's request_queue, rather than letting
// independent requests race each other's sockets.
type Resolver struct {
	Inventory *AddressInventory
	Servers   func() []DNSServer
	Config    *Config
	Logger    SLogger

	queueMu sync.Mutex
	queue   chan struct{}
}

// NewResolver returns a new [*Resolver]. servers returns the current DNS
// server set (typically [*DNSServerSet.Servers]).
func NewResolver(inventory *AddressInventory, servers func() []DNSServer, cfg *Config, logger SLogger) *Resolver {
	r := &Resolver{
		Inventory: inventory,
		Servers:   servers,
		Config:    cfg,
		Logger:    logger,
		queue:     make(chan struct{}, 1),
	}
	r.queue <- struct{}{}
	return r
}

// UpdateTimeouts changes the t1/t2 deadlines used by requests issued
// after this call, grounded on neat_resolver_update_timeouts. In-flight
// requests keep the deadlines they started with.
func (r *Resolver) UpdateTimeouts(t1, t2 time.Duration) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	r.Config.ResolverT1 = t1
	r.Config.ResolverT2 = t2
}

// Resolve runs one resolver request to completion. It blocks the calling
// goroutine until the request's t1/t2 deadlines resolve it one way or the
// other; concurrent callers on the same Resolver are serialized.
func (r *Resolver) Resolve(ctx context.Context, req ResolverRequest) ([]ResolvedTriple, error) {
	// FIFO queueing: acquire the one queue token before doing any work,
	// release it on return.
	select {
	case <-r.queue:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { r.queue <- struct{}{} }()

	if lit, isLiteral, err := classifyLiteral(req.Domain, req.Family); isLiteral {
		if err != nil {
			return nil, err
		}
		return r.resolveLiteral(ctx, lit, req.Family)
	}

	return r.resolvePairs(ctx, req)
}

// resolveLiteral implements the literal fast path: after DNSLiteralTimeout,
// the literal is paired with every usable source address of matching
// family. No DNS packets are sent.
func (r *Resolver) resolveLiteral(ctx context.Context, dst netip.Addr, family string) ([]ResolvedTriple, error) {
	timer := time.NewTimer(r.Config.DNSLiteralTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	dstFamily := "v4"
	if dst.Is6() && !dst.Is4In6() {
		dstFamily = "v6"
	}

	var triples []ResolvedTriple
	for _, src := range r.Inventory.Snapshot() {
		if src.Family != dstFamily {
			continue
		}
		triples = append(triples, ResolvedTriple{
			Source:   src,
			Dest:     dst,
			Internal: isRFC1918OrULA(dst),
		})
	}
	if len(triples) == 0 {
		return nil, fmt.Errorf("%w: no usable source address for literal", ErrNoResults)
	}
	return triples, nil
}

// pairResult is what one (source, server) pair reports back to the
// request-level aggregator.
type pairResult struct {
	source    Address
	addrs     []netip.Addr
	err       error
}

// resolvePairs implements the full query/aggregate algorithm: it fans a
// query out across every (source address, DNS server) pair, aggregates
// and deduplicates the replies, and finalizes their ordering.
func (r *Resolver) resolvePairs(ctx context.Context, req ResolverRequest) ([]ResolvedTriple, error) {
	sources := r.Inventory.Snapshot()
	servers := r.Servers()

	type job struct {
		source Address
		server DNSServer
	}
	var jobs []job
	for _, src := range sources {
		if req.Family != "unspec" && src.Family != req.Family {
			continue
		}
		for _, srv := range servers {
			if srv.Family != src.Family {
				continue
			}
			jobs = append(jobs, job{source: src, server: srv})
		}
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: no usable (source, server) pairs", ErrNoResults)
	}

	resultCh := make(chan pairResult, len(jobs))
	pairCtx, cancelPairs := context.WithCancel(ctx)
	defer cancelPairs()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			addrs, err := r.exchangePair(pairCtx, j.source, j.server, req)
			resultCh <- pairResult{source: j.source, addrs: addrs, err: err}
		}(j)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	r.queueMu.Lock()
	t1d, t2d := r.Config.ResolverT1, r.Config.ResolverT2
	r.queueMu.Unlock()

	t1 := time.NewTimer(t1d)
	defer t1.Stop()
	var t2 *time.Timer
	var t2C <-chan time.Time

	seen := make(map[dedupKey]bool)
	var triples []ResolvedTriple
	gotFirst := false

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case res, ok := <-resultCh:
			if !ok {
				resultCh = nil
				continue
			}
			if res.err != nil {
				r.Logger.Info("resolverPairDone", slog.String("errClass", r.Config.ErrClassifier.Classify(res.err)))
				continue
			}
			for _, addr := range res.addrs {
				key := dedupKey{ifIndex: res.source.IfIndex, family: res.source.Family, ip: addr}
				if seen[key] {
					continue
				}
				seen[key] = true
				triples = append(triples, ResolvedTriple{
					Source:   res.source,
					Dest:     addr,
					Internal: isRFC1918OrULA(addr),
				})
			}
			if len(res.addrs) > 0 && !gotFirst {
				gotFirst = true
				t2 = time.NewTimer(t2d)
				defer t2.Stop()
				t2C = t2.C
			}

		case <-t1.C:
			if !gotFirst {
				return nil, fmt.Errorf("%w: t1 elapsed with no answers", ErrTimeout)
			}

		case <-t2C:
			return r.finalize(triples)
		}
	}
}

// finalize applies the internal-first ordering hint, grounded on
// neat_resolver_fill_results' insertion-order behavior, and fails
// NoResults on an empty aggregate.
func (r *Resolver) finalize(triples []ResolvedTriple) ([]ResolvedTriple, error) {
	if len(triples) == 0 {
		return nil, fmt.Errorf("%w: DNS completed with no usable addresses", ErrNoResults)
	}
	ordered := make([]ResolvedTriple, 0, len(triples))
	for _, t := range triples {
		if t.Internal {
			ordered = append(ordered, t)
		}
	}
	for _, t := range triples {
		if !t.Internal {
			ordered = append(ordered, t)
		}
	}
	return ordered, nil
}

// exchangePair builds and sends one stub-resolver query from source to
// server and returns the resolved addresses, capped at MaxNumResolved.
// The pair is single-use: the underlying UDP socket is dialed, queried
// once, and closed regardless of outcome.
func (r *Resolver) exchangePair(ctx context.Context, source Address, server DNSServer, req ResolverRequest) ([]netip.Addr, error) {
	localDialer := &net.Dialer{
		LocalAddr: &net.UDPAddr{IP: net.IP(source.IP.AsSlice())},
	}

	connectOp := &ConnectFunc{
		Dialer:        localDialer,
		ErrClassifier: r.Config.ErrClassifier,
		Logger:        r.Logger,
		Network:       "udp",
		TimeNow:       r.Config.TimeNow,
	}
	observeOp := NewObserveConnFunc(r.Config, r.Logger)
	cancelWatchOp := NewCancelWatchFunc()
	wrapOp := NewDNSOverUDPConnFunc(r.Config, r.Logger)

	pipe := Compose4(connectOp, observeOp, cancelWatchOp, wrapOp)
	conn, err := pipe.Call(ctx, server.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	recordType := dns.TypeA
	if source.Family == "v6" {
		recordType = dns.TypeAAAA
	}
	query := dnscodec.NewQuery(req.Domain, recordType)

	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}

	var raw []string
	if recordType == dns.TypeAAAA {
		raw, err = resp.RecordsAAAA()
	} else {
		raw, err = resp.RecordsA()
	}
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		addr, perr := netip.ParseAddr(s)
		if perr != nil {
			continue
		}
		addrs = append(addrs, addr)
	}

	if len(addrs) > r.Config.MaxNumResolved {
		addrs = addrs[:r.Config.MaxNumResolved]
	}
	return addrs, nil
}
