// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// halfCloser is implemented by connections that support a write-side
// half-close, notably [*net.UnixConn]. The PM protocol needs it to signal
// "request complete" without tearing down the read side.
type halfCloser interface {
	CloseWrite() error
}

// PMClient speaks the policy manager's single request/reply protocol over
// a Unix-domain stream socket: write one JSON document, half-close the
// write side, then read until EOF and parse the accumulated bytes as one
// JSON document.
//
// The three client variants present in the original source (single-read,
// nested-brace counting, half-close-then-EOF) are resolved in favor of
// half-close-then-EOF (see DESIGN.md): it is the only one of the three
// that composes cleanly with an arbitrarily large reply.
type PMClient struct {
	// Dialer is used to connect to the PM socket.
	Dialer Dialer

	// SocketPath is the Unix-domain socket path, resolved by
	// [NewConfig] from NEAT_PM_SOCKET or $HOME/.neat/neat_pm_socket.
	SocketPath string

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the SLogger to use.
	Logger SLogger

	// TimeNow returns the current time.
	TimeNow func() time.Time
}

// NewPMClient returns a new [*PMClient] wired from cfg.
func NewPMClient(cfg *Config, logger SLogger) *PMClient {
	return &PMClient{
		Dialer:        cfg.Dialer,
		SocketPath:    cfg.PMSocketPath,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// Request sends doc to the policy manager and returns its reply document.
//
// Cancellation is handled by closing the connection via [CancelWatchFunc]
// when ctx is done; the outstanding callback (here, the pending Request
// call) is not separately invoked — it simply returns whatever error the
// now-closed connection produces.
func (c *PMClient) Request(ctx context.Context, doc *PropertyDocument) (*PropertyDocument, error) {
	t0 := c.TimeNow()
	c.Logger.Info("pmRequestStart", slog.String("socketPath", c.SocketPath), slog.Time("t", t0))

	reply, err := c.request(ctx, doc)

	c.Logger.Info("pmRequestDone",
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("socketPath", c.SocketPath),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()))

	return reply, err
}

func (c *PMClient) request(ctx context.Context, doc *PropertyDocument) (*PropertyDocument, error) {
	rawConn, err := c.Dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPmUnavailable, err)
	}

	watch := &CancelWatchFunc{}
	conn, _ := watch.Call(ctx, rawConn)
	defer conn.Close()

	payload, err := doc.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProperty, err)
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPmUnavailable, err)
	}

	if err := c.halfCloseWrite(rawConn); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPmUnavailable, err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPmUnavailable, err)
	}

	reply, err := ParsePropertyDocument(data)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// halfCloseWrite half-closes the write side of conn if it supports
// [halfCloser] (true for [*net.UnixConn]). Connections that don't support
// it (e.g. test doubles) are left alone; the server-side read-to-EOF loop
// in that case depends on the test double signaling EOF itself.
func (c *PMClient) halfCloseWrite(conn net.Conn) error {
	if hc, ok := conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}
