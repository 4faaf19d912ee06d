// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"log/slog"
)

// This file gathers free-function entry points with idiomatic Go names,
// for callers who prefer ctx-first calls over methods. Most of the
// library's surface is already exposed directly as methods, which is the
// more idiomatic Go shape and is what new code in this module should call:
//
//   - init_ctx          -> [InitCtx]
//   - new_flow          -> (*Context).NewFlow
//   - set_property      -> (*Flow).SetProperty
//   - set_operations    -> (*Flow).SetOperations
//   - open              -> (*Flow).Open
//   - read              -> (*Flow).Read
//   - write             -> (*Flow).Write
//   - close             -> (*Flow).Close
//   - stats_build_json  -> (*Context).StatsBuildJSON
//
// The remaining names below differ enough from their method names
// ([FreeCtx] vs. Free, [StartEventLoop] vs. Run, ...) or have no existing
// method ([GetAddrInfo] is new) that they are worth spelling out
// verbatim.

// FreeCtx stops ctx's event loop, closes every still-registered flow, and
// releases the DNS server watch.
func FreeCtx(ctx *Context) error {
	return ctx.Free()
}

// StartEventLoop drives ctx's event loop according to mode until it
// stops or exits.
func StartEventLoop(ctx *Context, mode RunMode) error {
	return ctx.Run(mode)
}

// StopEventLoop requests ctx's event loop to exit at its next opportunity.
func StopEventLoop(ctx *Context) {
	ctx.Stop()
}

// GetEventLoop returns ctx's dispatch function, for embedding NEAT
// callback delivery into a host application's own event source.
func GetEventLoop(ctx *Context) func(func()) {
	return ctx.GetLoop()
}

// LogLevel changes the minimum level ctx's logger emits.
func LogLevel(ctx *Context, level slog.Level) {
	ctx.LogLevel(level)
}

// GetAddrInfo resolves node (a hostname or a literal address) to the set
// of destinations reachable from each usable local source address,
// without attaching the result to any [Flow].
//
// family is "v4", "v6", or "unspec". This is the same algorithm
// (*Flow).Open uses internally via (*Resolver).Resolve, exposed standalone
// for callers that only need address resolution.
func GetAddrInfo(ctx context.Context, resolver *Resolver, family, node string, port uint16) ([]ResolvedTriple, error) {
	return resolver.Resolve(ctx, ResolverRequest{Domain: node, Port: port, Family: family})
}
