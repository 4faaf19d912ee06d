// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFlowResolver returns a [*Resolver] whose literal fast path
// resolves immediately against a single v4 source address, avoiding any
// real DNS traffic.
func newTestFlowResolver(t *testing.T) *Resolver {
	inv := NewAddressInventory(DefaultSLogger())
	inv.Add(newTestAddress(1, "192.0.2.10", false))

	cfg := NewConfig()
	cfg.DNSLiteralTimeout = 0
	return NewResolver(inv, func() []DNSServer { return nil }, cfg, DefaultSLogger())
}

func propertyWithTCP(t *testing.T) []byte {
	t.Helper()
	return []byte(`{"transport":[{"value":"TCP","precedence":1}]}`)
}

// buildCandidates pairs every resolved triple with every enabled stack,
// capped per triple at maxNumProto.
func TestBuildCandidates(t *testing.T) {
	triples := []ResolvedTriple{
		{Dest: netip.MustParseAddr("203.0.113.1")},
		{Dest: netip.MustParseAddr("203.0.113.2")},
	}
	stacks := []TransportStack{StackTCP, StackUDP, StackSCTP}

	got := buildCandidates(triples, stacks, 443, 2)
	require.Len(t, got, 4)
	assert.Equal(t, StackTCP, got[0].stack)
	assert.Equal(t, StackUDP, got[1].stack)
}

// Open races every candidate and commits the first successful connection,
// firing OnConnected exactly once.
func TestFlowOpenSucceeds(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			return conn, nil
		},
	}

	resolver := newTestFlowResolver(t)
	flow := NewFlow(resolver, nil, cfg, DefaultSLogger())
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))

	var mu sync.Mutex
	connected := 0
	flow.SetOperations(FlowOps{
		OnConnected: func(f *Flow) { mu.Lock(); connected++; mu.Unlock() },
	})

	err := flow.Open(t.Context(), "192.0.2.1", 443)
	require.NoError(t, err)
	assert.Equal(t, FlowOpen, flow.State())
	assert.Equal(t, StackTCP, flow.Stack())

	mu.Lock()
	assert.Equal(t, 1, connected)
	mu.Unlock()

	require.NoError(t, flow.Close())
	assert.Equal(t, FlowClosed, flow.State())
}

// Open fails NoResults, via OnError, when every candidate fails to dial.
func TestFlowOpenAllCandidatesFail(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	resolver := newTestFlowResolver(t)
	flow := NewFlow(resolver, nil, cfg, DefaultSLogger())
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))

	var gotErr error
	flow.SetOperations(FlowOps{
		OnError: func(f *Flow, err error) { gotErr = err },
	})

	err := flow.Open(t.Context(), "192.0.2.1", 443)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResults))
	assert.Equal(t, gotErr, err)
	assert.Equal(t, FlowClosed, flow.State())
}

// Open fails immediately when the property document enables no transport
// the resolver could pair with a candidate.
func TestFlowOpenNoCandidates(t *testing.T) {
	cfg := NewConfig()
	resolver := newTestFlowResolver(t)
	flow := NewFlow(resolver, nil, cfg, DefaultSLogger())
	require.NoError(t, flow.SetProperty([]byte(`{"transport":[{"value":"bogus","precedence":1}]}`)))

	err := flow.Open(t.Context(), "192.0.2.1", 443)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResults))
}

// EnabledTransports, which Open uses to build its candidates, falls back to
// every known transport stack, in the property engine's default precedence
// order, when the property document omits "transport" entirely.
func TestFlowOpenDefaultsToAllStacksWhenTransportOmitted(t *testing.T) {
	cfg := NewConfig()
	stacks, err := EnabledTransports(NewPropertyDocument(), cfg.MaxNumProto, DefaultSLogger())
	require.NoError(t, err)
	assert.Equal(t, allTransportStacks, stacks)
}

// Close is idempotent: a second call after OPEN is a harmless no-op and
// on_close fires exactly once.
func TestFlowCloseIdempotent(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			return conn, nil
		},
	}

	resolver := newTestFlowResolver(t)
	flow := NewFlow(resolver, nil, cfg, DefaultSLogger())
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))

	var closes int
	var mu sync.Mutex
	flow.SetOperations(FlowOps{
		OnClose: func(f *Flow) { mu.Lock(); closes++; mu.Unlock() },
	})

	require.NoError(t, flow.Open(t.Context(), "192.0.2.1", 443))
	require.NoError(t, flow.Close())
	require.NoError(t, flow.Close())

	mu.Lock()
	assert.Equal(t, 1, closes)
	mu.Unlock()
}

// Open rejects a second call on a flow that already left IDLE.
func TestFlowOpenRejectsReuse(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			return conn, nil
		},
	}

	resolver := newTestFlowResolver(t)
	flow := NewFlow(resolver, nil, cfg, DefaultSLogger())
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))

	require.NoError(t, flow.Open(t.Context(), "192.0.2.1", 443))

	err := flow.Open(t.Context(), "192.0.2.1", 443)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))
}

// Read/Write on a flow that never reached OPEN report ErrInternal rather
// than panicking on a nil connection.
func TestFlowReadWriteBeforeOpen(t *testing.T) {
	resolver := newTestFlowResolver(t)
	flow := NewFlow(resolver, nil, NewConfig(), DefaultSLogger())

	_, err := flow.Read(make([]byte, 16))
	assert.True(t, errors.Is(err, ErrInternal))

	_, err = flow.Write([]byte("x"))
	assert.True(t, errors.Is(err, ErrInternal))
}

// A failure to reach the PM aborts Open with ErrPmUnavailable, which is
// also delivered to OnError.
func TestFlowOpenPMError(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("unix socket not found")
		},
	}

	resolver := newTestFlowResolver(t)
	pm := NewPMClient(cfg, DefaultSLogger())
	flow := NewFlow(resolver, pm, cfg, DefaultSLogger())
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))

	var gotErr error
	flow.SetOperations(FlowOps{
		OnError: func(f *Flow, err error) { gotErr = err },
	})

	err := flow.Open(t.Context(), "192.0.2.1", 443)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPmUnavailable))
	require.Error(t, gotErr)
	assert.True(t, errors.Is(gotErr, ErrPmUnavailable))
}

// TestFlowOpenDoesNotHang fails if Open takes unreasonably long, guarding
// against a goroutine leak deadlocking the race.
func TestFlowOpenDoesNotHang(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			return conn, nil
		},
	}

	resolver := newTestFlowResolver(t)
	flow := NewFlow(resolver, nil, cfg, DefaultSLogger())
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))

	done := make(chan error, 1)
	go func() { done <- flow.Open(t.Context(), "192.0.2.1", 443) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return in time")
	}
}
