// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import "encoding/json"

// FlowStats is one flow's entry in a [*Context.StatsBuildJSON] snapshot.
type FlowStats struct {
	RemoteHost string `json:"remote_host"`
	SockType   string `json:"sock_type"`
	Stack      int    `json:"sock_protocol"`
	Port       uint16 `json:"port"`
}

// StatsDocument is the full read-only telemetry snapshot: one entry per
// live flow, plus the total count.
type StatsDocument struct {
	Flows     []FlowStats `json:"flows"`
	FlowCount int         `json:"number_of_flows"`
}

// StatsBuildJSON walks the registered flow list and returns a JSON
// document with, for each flow, its remote host, socket type, chosen
// transport stack (as the TRANSPORT_STACK TLV integer), and port, plus a
// total flow count.
//
// This runs on whatever goroutine calls it, not necessarily the loop
// goroutine; each [*Flow] accessor it calls is already mutex-guarded, so
// no additional locking is required here.
func (c *Context) StatsBuildJSON() ([]byte, error) {
	c.mu.Lock()
	flows := make([]*Flow, 0, len(c.flows))
	for f := range c.flows {
		flows = append(flows, f)
	}
	c.mu.Unlock()

	doc := StatsDocument{
		Flows:     make([]FlowStats, 0, len(flows)),
		FlowCount: len(flows),
	}
	for _, f := range flows {
		doc.Flows = append(doc.Flows, FlowStats{
			RemoteHost: f.RemoteHost(),
			SockType:   f.Stack().sockType(),
			Stack:      int(f.Stack()),
			Port:       f.RemotePort(),
		})
	}
	return json.Marshal(doc)
}
