// SPDX-License-Identifier: GPL-3.0-or-later

// Package neat provides a transport-agnostic API toolkit for establishing
// network flows: an application names a destination and a set of properties
// it wants from the transport (reliable, preserve order, low latency, ...)
// and the core picks, races, and opens a concrete connection without the
// caller ever naming TCP, SCTP, UDP, or UDP-Lite directly.
//
// # Core Abstraction
//
// Low-level dial and DNS-exchange steps are built around a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success mode and
// one failure mode. This design enables type-safe composition via [Compose2]
// through [Compose8], where the compiler verifies that outputs match inputs
// across pipeline stages. The resolver and flow state machine build their
// per-candidate dial attempts out of these primitives.
//
// # Available Primitives
//
// Connection establishment:
//   - [ConnectFunc]: dials a destination over one of the supported
//     [TransportStack] values
//   - [ObserveConnFunc]: observes connections for logging I/O operations
//   - [CancelWatchFunc]: closes connection on context cancellation (for
//     responsive ^C handling and flow teardown)
//
// DNS resolution:
//   - [DNSOverUDPConn]: wraps a UDP connection for DNS-over-UDP (owns the
//     connection); this is the only wire exchange the [Resolver] uses — NEAT
//     is a stub resolver, not a resolving or caching nameserver
//   - [DNSExchangeLogContext]: structured logging for DNS exchanges, shared
//     by [DNSOverUDPConn] and the resolver's per-pair exchange loop
//
// Composition utilities:
//   - [Compose2] through [Compose8]: chain Funcs into pipelines
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//   - [Apply]: bind a fixed input to a Func
//   - [ConstFunc]: lift a pure value into a Func
//   - [NewEndpointFunc]: convenience wrapper for ConstFunc with endpoints
//
// # System Components
//
// Above the dial primitives, the package implements the components named by
// the NEAT architecture:
//
//   - [AddressInventory]: tracks local addresses and their lifetimes
//   - [PropertyDocument] and [EnabledTransports]: the property engine that
//     turns optional/requested/immutable transport entries into a ranked
//     list of candidate [TransportStack] values
//   - [PMClient]: consults the external policy manager over a Unix-domain
//     socket for property overrides
//   - [Resolver]: turns a domain name (or literal) into [ResolvedTriple]
//     values by racing a query per (local source address, DNS server) pair
//   - [Flow]: the per-connection state machine (resolving, connecting,
//     open, closing) that races candidates built from resolved triples and
//     enabled transports and reports the first winner
//   - [Context]: owns the single-threaded event loop that drives every
//     flow, the address inventory, the resolver, and the PM client
//
// # Connection Lifecycle
//
// This package uses two ownership patterns for connection management:
//
// Dial operations ([ConnectFunc]) create connections and transfer ownership
// to the next stage on success. On error, they close the connection.
//
// Wrapper types ([DNSOverUDPConn]) OWN their underlying connection. The
// caller must call Close() when done, which closes the underlying
// connection. These can be composed into pipelines via their corresponding
// Func types.
//
// A [Flow] extends this second pattern to the whole candidate race: once a
// winner is chosen, every losing candidate is closed, and from that point
// the flow owns exactly one connection until Close.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom
// [*slog.Logger] to enable logging. Error classification is configurable via
// [ErrClassifier]; by default, [DefaultErrClassifier] uses
// github.com/bassosimone/errclass.
//
// Primitives emit two kinds of structured log events:
//
//   - Span events (*Start/*Done pairs): Record operation lifecycle including
//     timing and success/failure. Used for latency analysis and error
//     tracking. Flow state transitions are logged as flowStateChange.
//
//   - Wire observations (e.g., dnsQuery/dnsResponse): Capture protocol-level
//     messages for debugging.
//
// Connection and DNS exchange events share a common set of fields:
// localAddr, remoteAddr, protocol, and t (timestamp). Completion events (*Done) additionally include t0
// (start time), err, and errClass. I/O-level events (read, write, deadline
// changes) are emitted at [slog.LevelDebug]; all other events use
// [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for
// each operation, then attach it to the logger with [*slog.Logger.With]. All
// log entries from that operation will share the same spanID, enabling
// correlation across pipeline stages and simplifying log analysis.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context
// they receive. The caller controls timeouts externally via
// [context.WithTimeout], [context.WithDeadline], or [signal.NotifyContext].
// When the context is done (timeout, cancel, or signal), operations fail and
// the pipeline is interrupted.
//
// Connection lifecycle requires [CancelWatchFunc] to bind the context
// lifecycle to the connection: when the context is done, the connection is
// closed immediately, causing any in-progress I/O to fail.
//
// IMPORTANT: Without [CancelWatchFunc] in a custom pipeline, I/O operations
// may block indefinitely even after the context is done. The resolver and
// flow candidate pipelines both include it already.
//
// # Design Boundaries
//
// The core composes transport protocols; it does not implement any of them.
// It is not a caching or recursive DNS resolver — it is a stub resolver that
// forwards queries verbatim to configured servers. It does not perform TLS.
// It exposes no parallelism to the caller beyond the documented concurrent
// candidate racing inside a single [Flow]; fan-out across multiple flows,
// retries, and orchestration belong in higher-level packages.
package neat
