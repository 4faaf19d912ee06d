// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCtx returns an [*InitCtx]-built Context backed by a temporary
// resolv.conf, with the idle tick sped up so tests don't wait on the
// production default.
func newTestCtx(t *testing.T, cfg *Config) *Context {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 8.8.8.8\n"), 0o644))

	c, err := InitCtx(cfg, path)
	require.NoError(t, err)
	c.idleInterval = 10 * time.Millisecond
	t.Cleanup(func() { c.Free() })
	return c
}

// InitCtx wires the Inventory, Resolver, PM Client, and DNS server set
// from a single Config, and Free tears all of it down cleanly.
func TestInitCtxAndFree(t *testing.T) {
	c := newTestCtx(t, nil)
	assert.NotNil(t, c.Inventory)
	assert.NotNil(t, c.Resolver)
	assert.NotNil(t, c.PM)
	require.NoError(t, c.Free())
}

// RunNoWait drains whatever is queued and returns without blocking.
func TestRunNoWaitDrainsQueue(t *testing.T) {
	c := newTestCtx(t, nil)

	ran := make(chan struct{}, 1)
	c.dispatch(func() { ran <- struct{}{} })

	require.NoError(t, c.Run(RunNoWait))

	select {
	case <-ran:
	default:
		t.Fatal("dispatched task did not run")
	}
}

// NewFlow registers the flow and routes its callbacks through the
// Context's dispatcher rather than calling them inline.
func TestContextNewFlowDispatchesCallbacks(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			return conn, nil
		},
	}
	c := newTestCtx(t, cfg)
	c.Inventory.Add(newTestAddress(1, "192.0.2.10", false))

	flow := c.NewFlow()
	flow.pm = nil // exercise the dial/race path only, as in flow_test.go's success cases
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))

	connected := make(chan struct{}, 1)
	flow.SetOperations(FlowOps{
		OnConnected: func(f *Flow) { connected <- struct{}{} },
	})

	openErr := make(chan error, 1)
	go func() { openErr <- flow.Open(t.Context(), "192.0.2.1", 443) }()

	// OnConnected is only delivered once Run drains the dispatch queue.
	select {
	case <-connected:
		t.Fatal("OnConnected fired before Run drained the dispatch queue")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.Run(RunOnce))
	require.NoError(t, <-openErr)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected never fired")
	}

	require.NoError(t, flow.Close())
}

// RunDefault exits once the only registered flow reaches CLOSED.
func TestRunDefaultExitsWhenFlowsClose(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			return conn, nil
		},
	}
	c := newTestCtx(t, cfg)
	c.Inventory.Add(newTestAddress(1, "192.0.2.10", false))

	flow := c.NewFlow()
	flow.pm = nil // exercise the dial/race path only, as in flow_test.go's success cases
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))
	flow.SetOperations(FlowOps{
		OnConnected: func(f *Flow) { f.Close() },
	})

	go flow.Open(t.Context(), "192.0.2.1", 443)

	done := make(chan error, 1)
	go func() { done <- c.Run(RunDefault) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunDefault did not exit once the flow closed")
	}
}

// Stop unblocks a RunDefault loop even with no flows ever registered.
func TestStopUnblocksRunDefault(t *testing.T) {
	c := newTestCtx(t, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(RunDefault) }()

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock RunDefault")
	}
}

// Run refuses to run reentrantly.
func TestRunRejectsConcurrentRun(t *testing.T) {
	c := newTestCtx(t, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(RunDefault) }()
	time.Sleep(20 * time.Millisecond)

	err := c.Run(RunOnce)
	assert.True(t, errors.Is(err, ErrInternal))

	c.Stop()
	require.NoError(t, <-done)
}
