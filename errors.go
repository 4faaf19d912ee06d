// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import "errors"

// Sentinel errors returned by the core. Callers use [errors.Is] to test
// for a specific kind; every operation wraps these with context via
// fmt.Errorf("...: %w", ...) rather than returning them bare.
var (
	// ErrInvalidProperty indicates a malformed property document, or a
	// document with more than one transport at immutable precedence.
	ErrInvalidProperty = errors.New("neat: invalid property")

	// ErrNoResults indicates that DNS resolution completed without
	// producing any usable destination address.
	ErrNoResults = errors.New("neat: no results")

	// ErrTimeout indicates that a resolver request's t1 deadline elapsed
	// with no answers from any pair.
	ErrTimeout = errors.New("neat: timeout")

	// ErrPmUnavailable indicates the policy manager socket is absent or
	// unreadable.
	ErrPmUnavailable = errors.New("neat: policy manager unavailable")

	// ErrWouldBlock is a non-fatal condition. [*Flow.Read] returns it when
	// the flow's connection has already been closed; neither Read nor Write
	// returns it for an empty receive buffer or a full send buffer.
	ErrWouldBlock = errors.New("neat: would block")

	// ErrInternal indicates a programmer error, unrecoverable for the
	// affected flow (e.g. a state-machine invariant violation).
	ErrInternal = errors.New("neat: internal error")

	// ErrIoError indicates an OS socket failure; it triggers on_error
	// followed by on_close for the affected flow.
	ErrIoError = errors.New("neat: I/O error")
)
