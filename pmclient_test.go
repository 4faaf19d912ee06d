// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pmTestConn is a [net.Conn] test double that also implements
// [halfCloser], mimicking [*net.UnixConn]'s CloseWrite behavior.
type pmTestConn struct {
	*netstub.FuncConn
	written      *bytes.Buffer
	reply        *bytes.Reader
	closeWriteCh chan struct{}
}

func newPMTestConn(reply []byte) *pmTestConn {
	c := &pmTestConn{
		FuncConn:     newMinimalConn(),
		written:      new(bytes.Buffer),
		reply:        bytes.NewReader(reply),
		closeWriteCh: make(chan struct{}, 1),
	}
	c.FuncConn.WriteFunc = func(p []byte) (int, error) { return c.written.Write(p) }
	c.FuncConn.ReadFunc = func(p []byte) (int, error) { return c.reply.Read(p) }
	c.FuncConn.CloseFunc = func() error { return nil }
	return c
}

func (c *pmTestConn) CloseWrite() error {
	select {
	case c.closeWriteCh <- struct{}{}:
	default:
	}
	return nil
}

// Request writes the serialized document, half-closes, and parses the
// accumulated reply as JSON.
func TestPMClientRequest(t *testing.T) {
	conn := newPMTestConn([]byte(`{"transport":[{"value":"TCP","precedence":1}]}`))
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			assert.Equal(t, "unix", network)
			return conn, nil
		},
	}
	cfg.PMSocketPath = "/tmp/example.sock"

	client := NewPMClient(cfg, DefaultSLogger())
	doc := NewPropertyDocument()

	reply, err := client.Request(context.Background(), doc)
	require.NoError(t, err)

	stacks, err := EnabledTransports(reply, 5, DefaultSLogger())
	require.NoError(t, err)
	assert.Equal(t, []TransportStack{StackTCP}, stacks)

	select {
	case <-conn.closeWriteCh:
	default:
		t.Fatal("expected CloseWrite to be called")
	}
}

// A dial failure is surfaced as PmUnavailable.
func TestPMClientDialFailure(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("no such file or directory")
		},
	}

	client := NewPMClient(cfg, DefaultSLogger())
	_, err := client.Request(context.Background(), NewPropertyDocument())
	assert.True(t, errors.Is(err, ErrPmUnavailable))
}

// A reply that isn't valid JSON is reported as InvalidProperty.
func TestPMClientMalformedReply(t *testing.T) {
	conn := newPMTestConn([]byte(`not json`))
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return conn, nil
		},
	}

	client := NewPMClient(cfg, DefaultSLogger())
	_, err := client.Request(context.Background(), NewPropertyDocument())
	assert.True(t, errors.Is(err, ErrInvalidProperty))
}
