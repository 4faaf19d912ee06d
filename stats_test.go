// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StatsBuildJSON reports one entry per registered flow, with the chosen
// stack as its TLV integer, plus a total flow count.
func TestStatsBuildJSON(t *testing.T) {
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
	flow.pm = nil
	require.NoError(t, flow.SetProperty(propertyWithTCP(t)))
	require.NoError(t, flow.Open(t.Context(), "192.0.2.1", 443))
	defer flow.Close()

	raw, err := c.StatsBuildJSON()
	require.NoError(t, err)

	var doc StatsDocument
	require.NoError(t, json.Unmarshal(raw, &doc))

	require.Len(t, doc.Flows, 1)
	assert.Equal(t, 1, doc.FlowCount)
	assert.Equal(t, "192.0.2.1", doc.Flows[0].RemoteHost)
	assert.EqualValues(t, 443, doc.Flows[0].Port)
	assert.Equal(t, int(StackTCP), doc.Flows[0].Stack)
	assert.Equal(t, "SOCK_STREAM", doc.Flows[0].SockType)
}

// An empty flow list still yields a well-formed document.
func TestStatsBuildJSONEmpty(t *testing.T) {
	c := newTestCtx(t, nil)

	raw, err := c.StatsBuildJSON()
	require.NoError(t, err)

	var doc StatsDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 0, doc.FlowCount)
	assert.Empty(t, doc.Flows)
}
