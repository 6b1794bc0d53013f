package pulsemeter

import (
	"context"
	"fmt"
)

type call struct {
	op      string
	cluster uint16
	attrs   []uint16
	items   []ReportingItem
	write   map[uint16]AttributeValue
	opts    WriteOptions
}

type fakeEndpoint struct {
	id     uint8
	calls  []call
	failOn string
	reads  map[uint16]any
}

func (f *fakeEndpoint) ID() uint8 { return f.id }

func (f *fakeEndpoint) record(c call) error {
	f.calls = append(f.calls, c)
	if f.failOn == c.op || f.failOn == fmt.Sprintf("%s:0x%04X", c.op, c.cluster) {
		return fmt.Errorf("%s failed", c.op)
	}
	return nil
}

func (f *fakeEndpoint) Bind(_ context.Context, clusterID uint16, _ Endpoint) error {
	return f.record(call{op: "bind", cluster: clusterID})
}

func (f *fakeEndpoint) ConfigureReporting(_ context.Context, clusterID uint16, items []ReportingItem) error {
	return f.record(call{op: "report", cluster: clusterID, items: items})
}

func (f *fakeEndpoint) Read(_ context.Context, clusterID uint16, attrIDs []uint16) (map[uint16]any, error) {
	if err := f.record(call{op: "read", cluster: clusterID, attrs: attrIDs}); err != nil {
		return nil, err
	}
	out := map[uint16]any{}
	for _, id := range attrIDs {
		if v, ok := f.reads[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeEndpoint) Write(_ context.Context, clusterID uint16, attrs map[uint16]AttributeValue, opts WriteOptions) error {
	return f.record(call{op: "write", cluster: clusterID, write: attrs, opts: opts})
}

type fakeDevice struct {
	model     string
	power     PowerSource
	endpoints map[uint8]*fakeEndpoint
}

func (d *fakeDevice) Endpoint(id uint8) Endpoint {
	if ep, ok := d.endpoints[id]; ok {
		return ep
	}
	return nil
}

func (d *fakeDevice) ModelID() string          { return d.model }
func (d *fakeDevice) PowerSource() PowerSource { return d.power }

func code(c uint8) PowerSource { return PowerSource{Code: &c} }
