// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/bassosimone/sud"
)

// FlowState is one state in the flow lifecycle.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowResolving
	FlowConnecting
	FlowOpen
	FlowClosing
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "IDLE"
	case FlowResolving:
		return "RESOLVING"
	case FlowConnecting:
		return "CONNECTING"
	case FlowOpen:
		return "OPEN"
	case FlowClosing:
		return "CLOSING"
	case FlowClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// candidate is one (source, destination, stack) triple eligible for a
// parallel connection attempt.
type candidate struct {
	triple ResolvedTriple
	stack  TransportStack
	port   uint16
}

func (c candidate) addrPort() netip.AddrPort {
	return netip.AddrPortFrom(c.triple.Dest, c.port)
}

// Flow is the per-connection state machine: it resolves a destination,
// races candidates built from the resolved addresses and the property
// engine's enabled transports, and exposes the winner as an opaque
// read/write handle.
//
// A Flow exclusively owns its socket, callback block, and candidate list;
// it never aliases another Flow's state.
type Flow struct {
	resolver *Resolver
	pm       *PMClient
	cfg      *Config
	logger   SLogger

	mu    sync.Mutex
	state FlowState
	ops   FlowOps

	property *PropertyDocument
	chosen   *candidate
	conn     net.Conn
	stack    TransportStack
	host     string
	port     uint16

	cancelResolve context.CancelFunc
	cancelConnect context.CancelFunc
	lifeCtx       context.Context
	lifeCancel    context.CancelFunc
	closeOnce     sync.Once
	readableOnce  sync.Once
	readDrained   chan struct{}

	// dispatch, when non-nil, routes every ops callback through a
	// Context's single dispatcher goroutine instead of calling it
	// directly from whichever goroutine observed the event, the same
	// single-threaded-reactor guarantee the Context provides on its own.
	// Set by [*Context.NewFlow].
	dispatch func(func())
}

// invoke runs fn directly, or hands it to dispatch if one is attached,
// so that every registered [FlowOps] callback observes the same
// non-reentrancy guarantee regardless of which goroutine detected the
// underlying event.
func (f *Flow) invoke(fn func()) {
	f.mu.Lock()
	dispatch := f.dispatch
	f.mu.Unlock()
	if dispatch != nil {
		dispatch(fn)
		return
	}
	fn()
}

// NewFlow returns a new, IDLE [*Flow].
func NewFlow(resolver *Resolver, pm *PMClient, cfg *Config, logger SLogger) *Flow {
	return &Flow{
		resolver:    resolver,
		pm:          pm,
		cfg:         cfg,
		logger:      logger,
		state:       FlowIdle,
		property:    NewPropertyDocument(),
		readDrained: make(chan struct{}, 1),
	}
}

// SetProperty parses jsonText as a [PropertyDocument] and attaches it to
// the flow. Must be called before Open.
func (f *Flow) SetProperty(jsonText []byte) error {
	doc, err := ParsePropertyDocument(jsonText)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.property = doc
	f.mu.Unlock()
	return nil
}

// SetOperations installs ops as the flow's callback block. Any slot left
// nil disables that callback.
//
// OnWritable is one-shot per arming: if ops.OnWritable is non-nil and the
// flow is already OPEN, it fires once immediately (the send window almost
// always has room) and is cleared again, so the caller must call
// SetOperations again to arm the next notification. An OnWritable armed
// before the flow is OPEN fires once, after OnConnected, when Open's race
// picks a winner.
func (f *Flow) SetOperations(ops FlowOps) {
	f.mu.Lock()
	f.ops = ops
	state := f.state
	f.mu.Unlock()

	if ops.OnWritable != nil && state == FlowOpen {
		onWritable := ops.OnWritable
		f.mu.Lock()
		f.ops.OnWritable = nil
		f.mu.Unlock()
		f.invoke(func() { onWritable(f) })
	}
}

// State returns the flow's current state. Safe for concurrent use.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stack returns the transport stack the flow chose, valid once OPEN.
func (f *Flow) Stack() TransportStack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stack
}

// RemoteHost returns the host Open was called with, for [Stats].
func (f *Flow) RemoteHost() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.host
}

// RemotePort returns the port Open was called with, for [Stats].
func (f *Flow) RemotePort() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *Flow) setState(next FlowState) {
	f.mu.Lock()
	old := f.state
	f.state = next
	f.mu.Unlock()
	f.logger.Info("flowStateChange", slog.String("from", old.String()), slog.String("to", next.String()))
}

// Open moves the flow IDLE→RESOLVING, consults the policy manager if
// configured, resolves host, then races transport candidates until one
// connects. It returns once the flow has reached OPEN or has failed; the
// outcome is also delivered to OnConnected/OnError.
func (f *Flow) Open(ctx context.Context, host string, port uint16) error {
	f.mu.Lock()
	if f.state != FlowIdle {
		f.mu.Unlock()
		return fmt.Errorf("%w: Open called on a flow in state %s", ErrInternal, f.state)
	}
	f.host, f.port = host, port
	property := f.property
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	f.lifeCtx, f.lifeCancel = lifeCtx, lifeCancel
	f.mu.Unlock()

	f.setState(FlowResolving)

	if f.pm != nil {
		if reply, err := f.pm.Request(ctx, property); err != nil {
			return f.fail(err)
		} else {
			property.Merge(reply)
		}
	}

	stacks, err := EnabledTransports(property, f.cfg.MaxNumProto, f.logger)
	if err != nil {
		return f.fail(err)
	}

	family := "unspec"
	resolveCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancelResolve = cancel
	f.mu.Unlock()
	defer cancel()

	triples, err := f.resolver.Resolve(resolveCtx, ResolverRequest{Domain: host, Port: port, Family: family})
	if err != nil {
		return f.fail(err)
	}

	candidates := buildCandidates(triples, stacks, port, f.cfg.MaxNumProto)
	if len(candidates) == 0 {
		return f.fail(fmt.Errorf("%w: property engine produced no candidates", ErrNoResults))
	}

	f.setState(FlowConnecting)
	return f.race(ctx, candidates)
}

// buildCandidates computes the candidate product of resolved triples and
// enabled stacks, bounded by maxNumProto distinct stacks per triple.
func buildCandidates(triples []ResolvedTriple, stacks []TransportStack, port uint16, maxNumProto int) []candidate {
	var out []candidate
	for _, t := range triples {
		n := 0
		for _, s := range stacks {
			if n >= maxNumProto {
				break
			}
			out = append(out, candidate{triple: t, stack: s, port: port})
			n++
		}
	}
	return out
}

// raceResult is what one candidate's dial attempt reports back.
type raceResult struct {
	candidate candidate
	conn      net.Conn
	raw       net.Conn
	err       error
}

// race dials every candidate concurrently and commits the first success as
// the flow's chosen connection, closing every other candidate. OnConnected
// fires exactly once.
func (f *Flow) race(ctx context.Context, candidates []candidate) error {
	connectCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancelConnect = cancel
	f.mu.Unlock()

	resultCh := make(chan raceResult, len(candidates))
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			conn, raw, err := f.dialCandidate(connectCtx, f.lifeCtx, c)
			resultCh <- raceResult{candidate: c, conn: conn, raw: raw, err: err}
		}(c)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var lastErr error
	remaining := len(candidates)
	for res := range resultCh {
		remaining--
		if res.err != nil {
			lastErr = res.err
			f.logger.Info("flowCandidateFailed",
				slog.String("stack", res.candidate.stack.String()),
				slog.String("errClass", f.cfg.ErrClassifier.Classify(res.err)))
			if remaining == 0 {
				cancel()
				return f.fail(fmt.Errorf("%w: %w", ErrNoResults, lastErr))
			}
			continue
		}

		// First success wins; cancel the rest and drain/close their
		// connections as they arrive.
		f.mu.Lock()
		f.chosen = &res.candidate
		f.conn = res.conn
		f.stack = res.candidate.stack
		f.mu.Unlock()
		cancel()
		go f.drainLosers(resultCh)

		f.setState(FlowOpen)
		f.readableOnce.Do(func() { go f.watchReadable(res.raw) })
		f.mu.Lock()
		onConnected := f.ops.OnConnected
		onWritable := f.ops.OnWritable
		f.ops.OnWritable = nil
		f.mu.Unlock()
		if onConnected != nil {
			f.invoke(func() { onConnected(f) })
		}
		if onWritable != nil {
			f.invoke(func() { onWritable(f) })
		}
		return nil
	}

	return f.fail(fmt.Errorf("%w: all candidates failed", ErrNoResults))
}

// drainLosers closes every remaining candidate connection once its dial
// finishes, after a winner has already been chosen.
func (f *Flow) drainLosers(resultCh <-chan raceResult) {
	for res := range resultCh {
		if res.conn != nil {
			res.conn.Close()
		}
	}
}

// dialCandidate dials one candidate over its chosen stack, reusing the
// connect/observe pipeline for natively supported stacks and falling back
// to raw-socket dialing otherwise.
//
// dialCtx bounds only the connection attempt: it is cancelled as soon as
// another candidate wins the race, aborting in-flight dials. watchCtx
// outlives the race and is what [CancelWatchFunc] is bound to, so that
// aborting the losers does not also tear down the winner's connection.
//
// dialCandidate returns the wrapped connection to use for Read/Write/Close
// (observed and watched for cancellation), plus the unwrapped connection
// [watchReadable] polls for read readiness: [ObserveConnFunc] holds the
// connection in a named field and [CancelWatchFunc] embeds it only as a
// [net.Conn] interface value, so neither promotes [syscall.Conn] from the
// connection underneath.
func (f *Flow) dialCandidate(dialCtx, watchCtx context.Context, c candidate) (wrapped, raw net.Conn, err error) {
	spanLogger := f.logger

	var connectOp *ConnectFunc
	if network, ok := c.stack.dialNetwork(); ok {
		connectOp = NewConnectFunc(f.cfg, network, spanLogger)
	} else {
		// The raw socket is already connected by the time dialRawStack
		// returns; wrap it as a single-use Dialer so it flows through the
		// same ConnectFunc/ObserveConnFunc pipeline (and its logging) as
		// every natively-dialable stack, instead of a separate code path.
		local := netip.AddrPortFrom(c.triple.Source.IP, 0)
		rawConn, dialErr := dialRawStack(dialCtx, c.stack, local, c.addrPort())
		if dialErr != nil {
			return nil, nil, dialErr
		}
		connectOp = &ConnectFunc{
			Dialer:        sud.NewSingleUseDialer(rawConn),
			ErrClassifier: f.cfg.ErrClassifier,
			Logger:        spanLogger,
			Network:       c.stack.String(),
			TimeNow:       f.cfg.TimeNow,
		}
	}

	raw, err = connectOp.Call(dialCtx, c.addrPort())
	if err != nil {
		return nil, nil, err
	}

	observeOp := NewObserveConnFunc(f.cfg, spanLogger)
	observed, err := observeOp.Call(dialCtx, raw)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}

	watch := NewCancelWatchFunc()
	wrapped, err = watch.Call(watchCtx, observed)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, raw, nil
}

// fail transitions the flow to CLOSING then CLOSED, invoking OnError then
// OnClose, and returns the error to the Open caller.
func (f *Flow) fail(err error) error {
	f.setState(FlowClosing)
	f.mu.Lock()
	onError := f.ops.OnError
	f.mu.Unlock()
	if onError != nil {
		f.invoke(func() { onError(f, err) })
	}
	f.finishClose()
	return err
}

// Read blocks until data arrives, then returns n>0; it returns 0 with a
// nil error on peer close. It returns [ErrWouldBlock] only when the flow's
// connection has already been closed: an empty receive buffer makes Read
// wait rather than return ErrWouldBlock.
//
// A successful Read signals the readability watcher that the caller has
// drained what was available, re-arming edge detection for the next
// on_readable notification.
func (f *Flow) Read(buf []byte) (int, error) {
	f.mu.Lock()
	conn := f.conn
	state := f.state
	f.mu.Unlock()

	if state != FlowOpen || conn == nil {
		return 0, fmt.Errorf("%w: Read called while flow is %s", ErrInternal, state)
	}

	n, err := conn.Read(buf)
	select {
	case f.readDrained <- struct{}{}:
	default:
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, ErrWouldBlock
		}
		return n, fmt.Errorf("%w: %w", ErrIoError, err)
	}
	return n, nil
}

// watchReadable polls conn's underlying file descriptor for read
// readiness without consuming any bytes, using [syscall.RawConn.Read]'s
// documented blocking-until-ready behavior. Each detected readiness edge
// fires OnReadable once, then waits for [Flow.Read] to signal the data was
// drained before watching for the next edge: OnReadable is edge-fired
// whenever at least one byte is available.
//
// Connections that do not expose a [syscall.Conn] (raw-socket stacks on
// platforms without it, or test doubles) simply never fire OnReadable;
// callers of such flows learn of data only by calling Read, which blocks
// until data arrives.
func (f *Flow) watchReadable(conn net.Conn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}

	for {
		if f.State() != FlowOpen {
			return
		}

		if err := raw.Read(func(fd uintptr) bool { return true }); err != nil {
			return
		}

		f.mu.Lock()
		onReadable := f.ops.OnReadable
		f.mu.Unlock()
		if onReadable != nil {
			f.invoke(func() { onReadable(f) })
		}

		select {
		case <-f.readDrained:
		case <-f.lifeCtx.Done():
			return
		}
	}
}

// Write writes buf to the flow's connection.
func (f *Flow) Write(buf []byte) (int, error) {
	f.mu.Lock()
	conn := f.conn
	state := f.state
	f.mu.Unlock()

	if state != FlowOpen || conn == nil {
		return 0, fmt.Errorf("%w: Write called while flow is %s", ErrInternal, state)
	}

	n, err := conn.Write(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrIoError, err)
	}
	return n, nil
}

// Close transitions the flow to CLOSING and then CLOSED, invoking OnClose
// exactly once, idempotently. A second call is a no-op.
func (f *Flow) Close() error {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()

	if state == FlowClosed {
		return nil
	}

	f.mu.Lock()
	if f.cancelResolve != nil {
		f.cancelResolve()
	}
	if f.cancelConnect != nil {
		f.cancelConnect()
	}
	f.mu.Unlock()

	if state != FlowClosing {
		f.setState(FlowClosing)
	}
	f.finishClose()
	return nil
}

// finishClose performs the actual teardown exactly once, regardless of how
// many goroutines call it concurrently (Close, fail, race).
func (f *Flow) finishClose() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		conn := f.conn
		lifeCancel := f.lifeCancel
		f.mu.Unlock()
		if lifeCancel != nil {
			lifeCancel()
		}
		if conn != nil {
			conn.Close()
		}

		f.setState(FlowClosed)

		f.mu.Lock()
		onClose := f.ops.OnClose
		f.ops = FlowOps{}
		f.mu.Unlock()

		if onClose != nil {
			f.invoke(func() { onClose(f) })
		}
	})
}
