// SPDX-License-Identifier: GPL-3.0-or-later

package neat

// FlowOps is the callback block a caller registers on a [Flow] via
// [*Flow.SetOperations]. Setting a slot to nil disables that callback as
// of the next SetOperations call. OnClose is the final callback: after it
// runs, no other callback fires.
//
// The chosen transport stack a connected flow is using is reported back
// through [*Flow.Stack], the Go equivalent of querying the TRANSPORT_STACK
// TLV tag defined in [TransportStack].
type FlowOps struct {
	// OnConnected fires exactly once, when Open's race picks a winning
	// candidate.
	OnConnected func(f *Flow)

	// OnReadable is edge-fired whenever at least one byte becomes
	// available to read.
	OnReadable func(f *Flow)

	// OnWritable is one-shot per arming: it fires once when the flow is
	// OPEN (at SetOperations if already OPEN, else when Open connects) and
	// is then cleared, so the caller must re-arm it via SetOperations for
	// each subsequent notification.
	OnWritable func(f *Flow)

	// OnClose is the terminal callback: no other callback fires after it
	// returns.
	OnClose func(f *Flow)

	// OnError fires before OnClose on any failure path.
	OnError func(f *Flow, err error)

	// UserData is opaque caller state threaded back through every
	// callback via the Flow itself.
	UserData any
}
