// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RunMode selects how [*Context.Run] waits for work.
type RunMode int

const (
	// RunDefault runs until [*Context.Stop] is called, or until the last
	// registered flow reaches [FlowClosed] and no more are registered.
	RunDefault RunMode = iota

	// RunOnce processes at most one pending task (a callback dispatch or
	// an idle-phase tick) and returns.
	RunOnce

	// RunNoWait drains every task currently queued, without blocking for
	// more, and returns immediately once the queue is empty.
	RunNoWait
)

func (m RunMode) String() string {
	switch m {
	case RunDefault:
		return "default"
	case RunOnce:
		return "once"
	case RunNoWait:
		return "nowait"
	default:
		return "unknown"
	}
}

// Context is the process-wide singleton that owns the event loop, the
// Address Inventory, the DNS Resolver, the PM Client, and the registered
// flow list.
//
// The reactor itself is a single goroutine draining a task queue: every
// [FlowOps] callback a [*Flow] created via [*Context.NewFlow] wants to run
// is handed to [*Context.dispatch] instead of being called directly, so
// that no two callbacks ever run concurrently — a single-threaded reactor
// where no user callback runs in parallel with another. There is no C
// event-loop source in this project's reference material to port
// phase-by-phase (see DESIGN.md); a classic reactor's
// timers/I/O/poll/check/idle/closing phase split is approximated here as:
// dispatched callbacks (timers + I/O) drained from tasks, and a periodic
// idle tick that prunes closed flows and refreshes the Address Inventory.
type Context struct {
	cfg       *Config
	logger    SLogger
	levelVar  *slog.LevelVar
	Inventory *AddressInventory
	Resolver  *Resolver
	PM        *PMClient

	dnsServers *DNSServerSet

	mu          sync.Mutex
	flows       map[*Flow]struct{}
	everHadFlow bool
	running     bool

	tasks        chan func()
	stopCh       chan struct{}
	stopOnce     sync.Once
	idleInterval time.Duration
}

// InitCtx builds a [*Context]: it loads and watches resolvConfPath for the
// DNS server set, seeds the Address Inventory from the host's current
// interfaces, and wires the Resolver/PM Client from cfg. cfg may be nil,
// in which case [NewConfig]'s defaults are used.
//
// Logging goes to stderr via [log/slog], leveled through a [*slog.LevelVar]
// that [*Context.LogLevel] controls.
func InitCtx(cfg *Config, resolvConfPath string) (*Context, error) {
	if cfg == nil {
		cfg = NewConfig()
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))

	inv := NewAddressInventory(logger)
	if err := inv.Refresh(); err != nil {
		logger.Info("addressInventoryInitialRefreshFailed", slog.Any("err", err))
	}

	dnsServers, err := NewDNSServerSet(resolvConfPath, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	c := &Context{
		cfg:          cfg,
		logger:       logger,
		levelVar:     levelVar,
		Inventory:    inv,
		Resolver:     NewResolver(inv, dnsServers.Servers, cfg, logger),
		PM:           NewPMClient(cfg, logger),
		dnsServers:   dnsServers,
		flows:        make(map[*Flow]struct{}),
		tasks:        make(chan func(), 256),
		stopCh:       make(chan struct{}),
		idleInterval: 5 * time.Second,
	}
	return c, nil
}

// LogLevel changes the minimum level the Context's logger emits.
func (c *Context) LogLevel(level slog.Level) {
	c.levelVar.Set(level)
}

// NewFlow returns a new, IDLE [*Flow] registered with this Context. Its
// [FlowOps] callbacks are routed through the Context's
// single dispatcher goroutine rather than called inline from whichever
// goroutine observed the underlying event.
func (c *Context) NewFlow() *Flow {
	f := NewFlow(c.Resolver, c.PM, c.cfg, c.logger)
	f.dispatch = c.dispatch

	c.mu.Lock()
	c.flows[f] = struct{}{}
	c.everHadFlow = true
	c.mu.Unlock()
	return f
}

// dispatch enqueues fn to run on the Run goroutine. If the queue is
// momentarily full, a helper goroutine blocks on the send instead of the
// caller (typically an I/O-watching goroutine inside [*Flow]) so that a
// slow consumer never stalls event detection.
func (c *Context) dispatch(fn func()) {
	select {
	case c.tasks <- fn:
	default:
		go func() {
			select {
			case c.tasks <- fn:
			case <-c.stopCh:
			}
		}()
	}
}

// GetLoop returns the Context's dispatch function, for embedding NEAT
// callback delivery into a host application's own event source.
func (c *Context) GetLoop() func(func()) {
	return c.dispatch
}

// Run drives the event loop according to mode. It is not reentrant:
// calling Run while the loop is already running (including from within a
// dispatched callback) returns an [ErrInternal] error instead of running.
func (c *Context) Run(mode RunMode) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("%w: event loop is already running", ErrInternal)
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.idleInterval)
	defer ticker.Stop()

	switch mode {
	case RunNoWait:
		for {
			select {
			case fn := <-c.tasks:
				fn()
			default:
				return nil
			}
		}

	case RunOnce:
		select {
		case fn := <-c.tasks:
			fn()
		case <-ticker.C:
			c.idle()
		case <-c.stopCh:
		}
		return nil

	default: // RunDefault
		for {
			select {
			case <-c.stopCh:
				return nil
			case fn := <-c.tasks:
				fn()
			case <-ticker.C:
				c.idle()
				if c.allFlowsClosed() {
					return nil
				}
			}
		}
	}
}

// idle runs the loop's idle-phase bookkeeping — object frees run only in
// idle: it drops closed flows from the registry and re-scans local
// addresses.
func (c *Context) idle() {
	c.mu.Lock()
	for f := range c.flows {
		if f.State() == FlowClosed {
			delete(c.flows, f)
		}
	}
	c.mu.Unlock()

	if err := c.Inventory.Refresh(); err != nil {
		c.logger.Info("addressInventoryRefreshFailed", slog.Any("err", err))
	}
}

// allFlowsClosed reports whether every registered flow is CLOSED (or none
// remain registered) and at least one flow was ever registered — the exit
// condition for [RunDefault].
func (c *Context) allFlowsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.everHadFlow {
		return false
	}
	for f := range c.flows {
		if f.State() != FlowClosed {
			return false
		}
	}
	return true
}

// Stop requests the event loop to exit at its next opportunity. Safe to
// call more than once and from any goroutine.
func (c *Context) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Free stops the loop, closes every still-registered flow, and releases
// the DNS server watch.
func (c *Context) Free() error {
	c.Stop()

	c.mu.Lock()
	flows := make([]*Flow, 0, len(c.flows))
	for f := range c.flows {
		flows = append(flows, f)
	}
	c.flows = nil
	c.mu.Unlock()

	for _, f := range flows {
		f.Close()
	}
	return c.dnsServers.Close()
}
