// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config holds common configuration for neat operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// ResolverT1 is the default overall deadline for a resolver request:
	// if no pair has resolved at least one address by this deadline, the
	// request fails with [ErrTimeout].
	//
	// Set by [NewConfig] to 2 seconds. [*Resolver.UpdateTimeouts] changes
	// it for requests issued afterwards.
	ResolverT1 time.Duration

	// ResolverT2 is the grace period granted after the first pair
	// resolves at least one address, during which other pairs may still
	// contribute results before they are aggregated.
	//
	// Set by [NewConfig] to 500 milliseconds. [*Resolver.UpdateTimeouts]
	// changes it for requests issued afterwards.
	ResolverT2 time.Duration

	// DNSLiteralTimeout is the delay applied to the literal-address fast
	// path: when the requested host is already a numeric address,
	// delivery is still scheduled after this short timer rather than
	// synchronously, so callers observe the same asynchronous completion
	// shape regardless of resolution path.
	//
	// Set by [NewConfig] to 10 milliseconds.
	DNSLiteralTimeout time.Duration

	// MaxNumProto caps the number of transport stacks considered when
	// building a flow's candidate list.
	//
	// Set by [NewConfig] to 5 (the number of known [TransportStack] values).
	MaxNumProto int

	// MaxNumResolved caps the number of addresses a single resolver pair
	// will retain in its Resolved slice.
	//
	// Set by [NewConfig] to 4.
	MaxNumResolved int

	// RcvBufferSize is the minimum size of read buffers used by flow
	// sockets.
	//
	// Set by [NewConfig] to 1 MiB.
	RcvBufferSize int

	// PMSocketPath is the filesystem path of the policy manager's
	// Unix-domain socket.
	//
	// Set by [NewConfig] to the value of the NEAT_PM_SOCKET environment
	// variable, falling back to $HOME/.neat/neat_pm_socket.
	PMSocketPath string
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:            &net.Dialer{},
		ErrClassifier:     DefaultErrClassifier,
		TimeNow:           time.Now,
		ResolverT1:        2 * time.Second,
		ResolverT2:        500 * time.Millisecond,
		DNSLiteralTimeout: 10 * time.Millisecond,
		MaxNumProto:       5,
		MaxNumResolved:    4,
		RcvBufferSize:     1 << 20,
		PMSocketPath:      defaultPMSocketPath(),
	}
}

// defaultPMSocketPath resolves the policy manager socket path the way
// [4.3] specifies: NEAT_PM_SOCKET if set, else $HOME/.neat/neat_pm_socket.
func defaultPMSocketPath() string {
	if path := os.Getenv("NEAT_PM_SOCKET"); path != "" {
		return path
	}
	return filepath.Join(os.Getenv("HOME"), ".neat", "neat_pm_socket")
}
