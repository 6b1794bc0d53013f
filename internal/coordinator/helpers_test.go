package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"

	"pulsemeter-gateway/internal/ncp"
	"pulsemeter-gateway/internal/store"
	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is a minimal in-memory store.
type memStore struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	readings map[string][]*store.Reading
	netState *store.NetworkState
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[string]*store.Device),
		readings: make(map[string][]*store.Reading),
	}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.IEEEAddress] = &cp
	return nil
}

func (m *memStore) GetDevice(ieee string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", ieee, store.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) UpdateDevice(ieee string, fn func(*store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return fmt.Errorf("device %s: %w", ieee, store.ErrNotFound)
	}
	cp := *d
	if err := fn(&cp); err != nil {
		return err
	}
	m.devices[ieee] = &cp
	return nil
}

func (m *memStore) DeleteDevice(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, ieee)
	delete(m.readings, ieee)
	return nil
}

func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IEEEAddress < list[j].IEEEAddress })
	return list, nil
}

func (m *memStore) AppendReading(r *store.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Seq = uint64(len(m.readings[r.IEEE]) + 1)
	m.readings[r.IEEE] = append(m.readings[r.IEEE], r)
	return nil
}

func (m *memStore) ListReadings(ieee string, limit int) ([]*store.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.readings[ieee]
	var out []*store.Reading
	for i := len(src) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, src[i])
	}
	return out, nil
}

func (m *memStore) SaveNetworkState(s *store.NetworkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netState = s
	return nil
}

func (m *memStore) GetNetworkState() (*store.NetworkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.netState == nil {
		return nil, store.ErrNotFound
	}
	return m.netState, nil
}

func (m *memStore) Close() error { return nil }

// stubNCP answers every request from canned tables and records what was sent.
type stubNCP struct {
	mu    sync.Mutex
	calls []string

	localIEEE [8]byte
	endpoints []uint8
	descs     map[uint8]*ncp.SimpleDescriptor
	attrs     map[uint16]map[uint16]zcl.AttributeRecord // cluster -> attr -> record

	binds     []ncp.BindRequest
	reporting []ncp.ConfigureReportingRequest
	writes    []ncp.WriteAttributesRequest
	leaves    []uint16

	failOn        map[string]error
	formFailures  int
	startFailures int

	onJoined   func(ncp.DeviceJoinedEvent)
	onLeft     func(ncp.DeviceLeftEvent)
	onAnnounce func(ncp.DeviceAnnounceEvent)
	onReport   func(ncp.AttributeReportEvent)
	onReset    func()
}

func newStubNCP() *stubNCP {
	return &stubNCP{
		localIEEE: [8]byte{0xF4, 0xCE, 0x36, 0x00, 0x00, 0x00, 0x00, 0x01},
		descs:     make(map[uint8]*ncp.SimpleDescriptor),
		attrs:     make(map[uint16]map[uint16]zcl.AttributeRecord),
		failOn:    make(map[string]error),
	}
}

func (s *stubNCP) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	return s.failOn[op]
}

func (s *stubNCP) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// setAttr stores an encoded attribute value served by ReadAttributes.
func (s *stubNCP) setAttr(t *testing.T, cluster, attr uint16, typ uint8, v any) {
	t.Helper()
	raw, err := zcl.EncodeValue(typ, v)
	if err != nil {
		t.Fatalf("encode 0x%04X/0x%04X: %v", cluster, attr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs[cluster] == nil {
		s.attrs[cluster] = make(map[uint16]zcl.AttributeRecord)
	}
	s.attrs[cluster][attr] = zcl.AttributeRecord{AttrID: attr, DataType: typ, Value: raw}
}

// pulseMeter fills the stub with a meter on endpoint 1 that reports model.
func (s *stubNCP) pulseMeter(t *testing.T, model string, powerSource uint8) {
	t.Helper()
	s.endpoints = []uint8{1}
	s.descs[1] = &ncp.SimpleDescriptor{
		Endpoint:   1,
		ProfileID:  0x0104,
		DeviceID:   0x0053,
		InClusters: []uint16{clusters.BasicID, clusters.PowerConfigurationID, clusters.MeteringID, clusters.PulseConfigID},
	}
	s.setAttr(t, clusters.BasicID, clusters.AttrBasicManufacturer, zcl.TypeCharStr, "Custom")
	s.setAttr(t, clusters.BasicID, clusters.AttrBasicModelIdentifier, zcl.TypeCharStr, model)
	s.setAttr(t, clusters.BasicID, clusters.AttrBasicPowerSource, zcl.TypeEnum8, powerSource)
	s.setAttr(t, clusters.MeteringID, clusters.AttrMultiplier, zcl.TypeUint24, 1)
	s.setAttr(t, clusters.MeteringID, clusters.AttrDivisor, zcl.TypeUint24, 1000)
	s.setAttr(t, clusters.MeteringID, clusters.AttrSummationFormatting, zcl.TypeBitmap8, 0xFB)
	s.setAttr(t, clusters.MeteringID, clusters.AttrUnitOfMeasure, zcl.TypeEnum8, 1)
	s.setAttr(t, clusters.MeteringID, clusters.AttrCurrentSummationDelivered, zcl.TypeUint48, 12345)
	s.setAttr(t, clusters.MeteringID, clusters.AttrInstantaneousDemand, zcl.TypeInt24, 1500)
}

func (s *stubNCP) Reset(context.Context) error        { return s.record("reset") }
func (s *stubNCP) FactoryReset(context.Context) error { return s.record("factory_reset") }
func (s *stubNCP) Init(context.Context) error         { return s.record("init") }

func (s *stubNCP) FormNetwork(context.Context, ncp.NetworkConfig) error {
	if err := s.record("form"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.formFailures > 0 {
		s.formFailures--
		return errors.New("formation failed")
	}
	return nil
}

func (s *stubNCP) StartNetwork(context.Context) error {
	if err := s.record("start"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startFailures > 0 {
		s.startFailures--
		return errors.New("start failed")
	}
	return nil
}

func (s *stubNCP) PermitJoin(context.Context, uint8) error { return s.record("permit_join") }

func (s *stubNCP) NetworkInfo(context.Context) (*ncp.NetworkInfo, error) {
	return &ncp.NetworkInfo{Channel: 15}, s.record("network_info")
}

func (s *stubNCP) GetLocalIEEE(context.Context) ([8]byte, error) {
	return s.localIEEE, s.record("local_ieee")
}

func (s *stubNCP) ActiveEndpoints(context.Context, uint16) ([]uint8, error) {
	if err := s.record("active_ep"); err != nil {
		return nil, err
	}
	return s.endpoints, nil
}

func (s *stubNCP) SimpleDescriptor(_ context.Context, _ uint16, ep uint8) (*ncp.SimpleDescriptor, error) {
	if err := s.record("simple_desc"); err != nil {
		return nil, err
	}
	sd, ok := s.descs[ep]
	if !ok {
		return nil, errors.New("no descriptor")
	}
	return sd, nil
}

func (s *stubNCP) Bind(_ context.Context, req ncp.BindRequest) error {
	if err := s.record(fmt.Sprintf("bind:0x%04X", req.ClusterID)); err != nil {
		return err
	}
	s.mu.Lock()
	s.binds = append(s.binds, req)
	s.mu.Unlock()
	return nil
}

func (s *stubNCP) Unbind(_ context.Context, req ncp.BindRequest) error {
	return s.record(fmt.Sprintf("unbind:0x%04X", req.ClusterID))
}

func (s *stubNCP) MgmtLeave(_ context.Context, short uint16, _ [8]byte) error {
	s.mu.Lock()
	s.leaves = append(s.leaves, short)
	s.mu.Unlock()
	return s.record("leave")
}

func (s *stubNCP) ReadAttributes(_ context.Context, req ncp.ReadAttributesRequest) ([]zcl.AttributeRecord, error) {
	if err := s.record(fmt.Sprintf("read:0x%04X", req.ClusterID)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]zcl.AttributeRecord, 0, len(req.AttrIDs))
	for _, id := range req.AttrIDs {
		rec, ok := s.attrs[req.ClusterID][id]
		if !ok {
			rec = zcl.AttributeRecord{AttrID: id, Status: zcl.StatusUnsupportedAttr}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *stubNCP) WriteAttributes(_ context.Context, req ncp.WriteAttributesRequest) error {
	if err := s.record(fmt.Sprintf("write:0x%04X", req.ClusterID)); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes = append(s.writes, req)
	s.mu.Unlock()
	return nil
}

func (s *stubNCP) ConfigureReporting(_ context.Context, req ncp.ConfigureReportingRequest) error {
	if err := s.record(fmt.Sprintf("report:0x%04X", req.ClusterID)); err != nil {
		return err
	}
	s.mu.Lock()
	s.reporting = append(s.reporting, req)
	s.mu.Unlock()
	return nil
}

func (s *stubNCP) OnDeviceJoined(h func(ncp.DeviceJoinedEvent))       { s.onJoined = h }
func (s *stubNCP) OnDeviceLeft(h func(ncp.DeviceLeftEvent))           { s.onLeft = h }
func (s *stubNCP) OnDeviceAnnounce(h func(ncp.DeviceAnnounceEvent))   { s.onAnnounce = h }
func (s *stubNCP) OnAttributeReport(h func(ncp.AttributeReportEvent)) { s.onReport = h }
func (s *stubNCP) OnNwkAddrUpdate(func(uint16))                       {}
func (s *stubNCP) OnNCPReset(h func())                                { s.onReset = h }
func (s *stubNCP) Info() *ncp.Info                                    { return &ncp.Info{StackVersion: "3.11.1.177"} }
func (s *stubNCP) Close() error                                       { return nil }

// eventLog collects every event emitted on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	coord  *Coordinator
	ncp    *stubNCP
	store  *memStore
	events *eventLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)

	env := &testEnv{ncp: newStubNCP(), store: newMemStore(), events: &eventLog{}}
	bus := NewEventBus(logger)
	bus.OnAll(env.events.add)
	env.coord = New(env.ncp, env.store, registry, NewDeviceDB(), bus,
		Config{Channel: 15, PanID: 0x1A62}, NCPConfig{Port: "/dev/null", Baud: 115200}, logger)
	env.coord.localIEEE = env.ncp.localIEEE
	t.Cleanup(env.coord.Stop)

	prevDelay := interviewRetryDelay
	interviewRetryDelay = 0
	t.Cleanup(func() { interviewRetryDelay = prevDelay })
	return env
}

const testMeterIEEE = "0CAE5FFFFE2A3B4C"

// addMeter stores an interviewed meter at short address 0x5A21.
func (env *testEnv) addMeter(t *testing.T, model string, powerSource uint8) *store.Device {
	t.Helper()
	ps := powerSource
	dev := &store.Device{
		IEEEAddress:  testMeterIEEE,
		ShortAddress: 0x5A21,
		Model:        model,
		Interviewed:  true,
		PowerSource:  &ps,
		Endpoints:    []store.Endpoint{{ID: 1, ProfileID: 0x0104}},
	}
	if err := env.store.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	env.coord.Devices().RebuildAddrIndex()
	return dev
}
