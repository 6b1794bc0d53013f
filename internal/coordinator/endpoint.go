package coordinator

import (
	"context"
	"errors"
	"fmt"

	"pulsemeter-gateway/internal/ncp"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
	"pulsemeter-gateway/internal/zcl"
)

var errLocalEndpoint = errors.New("operation not supported on the coordinator endpoint")

// addressed is an endpoint that can be the destination of a bind.
type addressed interface {
	IEEE() [8]byte
}

// remoteEndpoint drives one endpoint of a joined device through the NCP.
type remoteEndpoint struct {
	ncp   ncp.NCP
	short uint16
	ieee  [8]byte
	id    uint8
}

func (e *remoteEndpoint) ID() uint8     { return e.id }
func (e *remoteEndpoint) IEEE() [8]byte { return e.ieee }

func (e *remoteEndpoint) Bind(ctx context.Context, clusterID uint16, target pulsemeter.Endpoint) error {
	dst, ok := target.(addressed)
	if !ok {
		return fmt.Errorf("bind target %T has no IEEE address", target)
	}
	return e.ncp.Bind(ctx, ncp.BindRequest{
		TargetShortAddr: e.short,
		SrcIEEE:         e.ieee,
		SrcEP:           e.id,
		ClusterID:       clusterID,
		DstIEEE:         dst.IEEE(),
		DstEP:           target.ID(),
	})
}

func (e *remoteEndpoint) ConfigureReporting(ctx context.Context, clusterID uint16, items []pulsemeter.ReportingItem) error {
	records := make([]zcl.ReportingConfig, 0, len(items))
	for _, it := range items {
		rc := zcl.ReportingConfig{
			AttrID:      it.AttrID,
			DataType:    it.Type,
			MinInterval: it.MinInterval,
			MaxInterval: it.MaxInterval,
		}
		if zcl.IsAnalog(it.Type) {
			change, err := zcl.EncodeValue(it.Type, it.Change)
			if err != nil {
				return fmt.Errorf("encode reportable change 0x%04X: %w", it.AttrID, err)
			}
			rc.Change = change
		}
		records = append(records, rc)
	}
	return e.ncp.ConfigureReporting(ctx, ncp.ConfigureReportingRequest{
		DstAddr:   e.short,
		DstEP:     e.id,
		ClusterID: clusterID,
		Records:   records,
	})
}

// Read returns decoded values for the attributes the device answered with
// SUCCESS. Unsupported attributes are left out of the map.
func (e *remoteEndpoint) Read(ctx context.Context, clusterID uint16, attrIDs []uint16) (map[uint16]any, error) {
	records, err := e.ncp.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:   e.short,
		DstEP:     e.id,
		ClusterID: clusterID,
		AttrIDs:   attrIDs,
	})
	if err != nil {
		return nil, err
	}
	return decodeRecords(records), nil
}

func (e *remoteEndpoint) Write(ctx context.Context, clusterID uint16, attrs map[uint16]pulsemeter.AttributeValue, opts pulsemeter.WriteOptions) error {
	records := make([]zcl.AttributeRecord, 0, len(attrs))
	for id, av := range attrs {
		raw, err := zcl.EncodeValue(av.Type, av.Value)
		if err != nil {
			return fmt.Errorf("encode attribute 0x%04X: %w", id, err)
		}
		records = append(records, zcl.AttributeRecord{AttrID: id, DataType: av.Type, Value: raw})
	}
	return e.ncp.WriteAttributes(ctx, ncp.WriteAttributesRequest{
		DstAddr:                e.short,
		DstEP:                  e.id,
		ClusterID:              clusterID,
		Records:                records,
		ManufacturerCode:       opts.ManufacturerCode,
		DisableDefaultResponse: opts.DisableDefaultResponse,
	})
}

// localEndpoint is the coordinator's own endpoint 1. It only serves as a bind
// destination.
type localEndpoint struct {
	ieee [8]byte
}

func (l localEndpoint) ID() uint8     { return 1 }
func (l localEndpoint) IEEE() [8]byte { return l.ieee }

func (localEndpoint) Bind(context.Context, uint16, pulsemeter.Endpoint) error {
	return errLocalEndpoint
}

func (localEndpoint) ConfigureReporting(context.Context, uint16, []pulsemeter.ReportingItem) error {
	return errLocalEndpoint
}

func (localEndpoint) Read(context.Context, uint16, []uint16) (map[uint16]any, error) {
	return nil, errLocalEndpoint
}

func (localEndpoint) Write(context.Context, uint16, map[uint16]pulsemeter.AttributeValue, pulsemeter.WriteOptions) error {
	return errLocalEndpoint
}

// meterDevice presents a stored device to the pulsemeter converters.
type meterDevice struct {
	ncp  ncp.NCP
	dev  *store.Device
	ieee [8]byte
}

func newMeterDevice(n ncp.NCP, dev *store.Device) (*meterDevice, error) {
	ieee, err := ParseIEEE(dev.IEEEAddress)
	if err != nil {
		return nil, err
	}
	return &meterDevice{ncp: n, dev: dev, ieee: ieee}, nil
}

// Endpoint returns the endpoint when the interview discovered it. A device
// without any recorded endpoints is assumed to have endpoint 1 only.
func (m *meterDevice) Endpoint(id uint8) pulsemeter.Endpoint {
	if !m.hasEndpoint(id) {
		return nil
	}
	return &remoteEndpoint{ncp: m.ncp, short: m.dev.ShortAddress, ieee: m.ieee, id: id}
}

func (m *meterDevice) hasEndpoint(id uint8) bool {
	if len(m.dev.Endpoints) == 0 {
		return id == pulsemeter.PrimaryEndpoint
	}
	for _, ep := range m.dev.Endpoints {
		if ep.ID == id {
			return true
		}
	}
	return false
}

// firstEndpoint is the entity fallback for writes.
func (m *meterDevice) firstEndpoint() pulsemeter.Endpoint {
	if len(m.dev.Endpoints) == 0 {
		return nil
	}
	return m.Endpoint(m.dev.Endpoints[0].ID)
}

func (m *meterDevice) ModelID() string { return m.dev.Model }

func (m *meterDevice) PowerSource() pulsemeter.PowerSource {
	return devicePowerSource(m.dev)
}

func devicePowerSource(dev *store.Device) pulsemeter.PowerSource {
	if dev.PowerSource != nil {
		return pulsemeter.PowerSourceFromCode(*dev.PowerSource)
	}
	return pulsemeter.PowerSource{Description: dev.PowerSourceText}
}

func decodeRecords(records []zcl.AttributeRecord) map[uint16]any {
	out := make(map[uint16]any, len(records))
	for _, r := range records {
		if r.Status != zcl.StatusSuccess {
			continue
		}
		v, err := r.Decode()
		if err != nil {
			continue
		}
		out[r.AttrID] = v
	}
	return out
}
