package ncp

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// fakeNCP plays the NCP side of the serial link: it ACKs every data frame
// and answers requests through handler.
type fakeNCP struct {
	conn    net.Conn
	out     chan []byte
	done    chan struct{}
	handler func(f *fakeNCP, req *zbossFrame)

	mu       sync.Mutex
	seq      uint8
	requests []*zbossFrame
}

func newTestZBOSS(t *testing.T, handler func(f *fakeNCP, req *zbossFrame)) (*ZBOSS, *fakeNCP) {
	t.Helper()
	host, dev := net.Pipe()
	f := &fakeNCP{
		conn:    dev,
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
		handler: handler,
	}
	go f.writeLoop()
	go f.readLoop()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := Open(func() (io.ReadWriteCloser, error) { return host, nil }, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		n.Close()
		close(f.done)
		dev.Close()
	})
	return n, f
}

func (f *fakeNCP) writeLoop() {
	for {
		select {
		case b := <-f.out:
			if _, err := f.conn.Write(b); err != nil {
				return
			}
		case <-f.done:
			return
		}
	}
}

func (f *fakeNCP) readLoop() {
	r := bufio.NewReader(f.conn)
	for {
		raw, err := readZBOSSFrame(r)
		if err != nil {
			return
		}
		frame, err := zbossDecodeFrame(raw)
		if err != nil || zbossLLIsACK(frame.LL.Flags) {
			continue
		}
		f.out <- zbossEncodeACK(zbossLLPktSeq(frame.LL.Flags))
		if frame.HL.PacketType != zbossHLRequest {
			continue
		}
		f.mu.Lock()
		f.requests = append(f.requests, frame)
		f.mu.Unlock()
		if f.handler != nil {
			f.handler(f, frame)
		}
	}
}

func (f *fakeNCP) nextSeq() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq = f.seq%3 + 1
	return f.seq
}

func (f *fakeNCP) respond(req *zbossFrame, cat, code uint8, payload []byte) {
	f.out <- zbossEncodeResponse(req.HL.CallID, req.HL.TSN, f.nextSeq(), cat, code, payload)
}

func (f *fakeNCP) indicate(callID uint16, payload []byte) {
	f.out <- zbossEncodeIndication(callID, f.nextSeq(), payload)
}

func (f *fakeNCP) calls() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint16, len(f.requests))
	for i, r := range f.requests {
		ids[i] = r.HL.CallID
	}
	return ids
}

// okHandler confirms every request with an empty OK response.
func okHandler(f *fakeNCP, req *zbossFrame) { f.respond(req, 0, 0, nil) }

// apsZCL returns the ZCL header of an APSDE_DATA_REQ.
func apsZCL(t *testing.T, req *zbossFrame) (zcl.Header, []byte) {
	t.Helper()
	hdr, body, err := zcl.DecodeFrame(req.Payload[apsReqHeaderSize:])
	if err != nil {
		t.Errorf("decode zcl: %v", err)
	}
	return hdr, body
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRequestResponse(t *testing.T) {
	n, f := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		if req.HL.CallID == zbossCmdGetLocalIEEE {
			f.respond(req, 0, 0, []byte{0x00, 8, 7, 6, 5, 4, 3, 2, 1})
		}
	})

	ieee, err := n.GetLocalIEEE(testCtx(t))
	if err != nil {
		t.Fatalf("GetLocalIEEE: %v", err)
	}
	if ieee != [8]byte{8, 7, 6, 5, 4, 3, 2, 1} {
		t.Errorf("ieee: got %X", ieee)
	}
	if calls := f.calls(); len(calls) != 1 || calls[0] != zbossCmdGetLocalIEEE {
		t.Errorf("calls: %v", calls)
	}
}

func TestRequestErrorStatus(t *testing.T) {
	n, _ := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		f.respond(req, 5, 0x84, nil)
	})
	err := n.PermitJoin(testCtx(t), 60)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "zboss ZDO_PermitJoin: ZDO/132(0x84)" {
		t.Errorf("error: %q", got)
	}
}

func TestPermitJoinPayload(t *testing.T) {
	n, f := newTestZBOSS(t, okHandler)
	if err := n.PermitJoin(testCtx(t), 254); err != nil {
		t.Fatalf("PermitJoin: %v", err)
	}
	f.mu.Lock()
	p := f.requests[0].Payload
	f.mu.Unlock()
	if len(p) != 4 || p[2] != 254 || p[3] != 0x01 {
		t.Errorf("payload: %X", p)
	}
}

func TestPacketSequenceCycles(t *testing.T) {
	n, f := newTestZBOSS(t, okHandler)
	for i := 0; i < 4; i++ {
		if _, err := n.request(testCtx(t), zbossCmdGetChannel, nil); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want := []uint8{1, 2, 3, 1}
	for i, r := range f.requests {
		if got := zbossLLPktSeq(r.LL.Flags); got != want[i] {
			t.Errorf("request %d: pktSeq %d, want %d", i, got, want[i])
		}
	}
}

func TestReadAttributesCorrelatesBySeq(t *testing.T) {
	n, _ := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		f.respond(req, 0, 0, nil)
		if req.HL.CallID != zbossCmdAPSDEDataReq {
			return
		}
		hdr, _ := apsZCL(t, req)
		// A stray response with another seq must not satisfy the read.
		stray := zcl.Header{FrameControl: zcl.FlagServerToClient, Seq: hdr.Seq + 100, Command: zcl.FoundationReadAttributesResponse}
		f.indicate(zbossCmdAPSDEDataInd, apsInd(0x1234, 1, clusters.MeteringID,
			stray.Encode([]byte{0x02, 0x03, 0x00, zcl.TypeUint24, 0xE8, 0x03, 0x00})))

		rsp := zcl.Header{FrameControl: zcl.FlagServerToClient, Seq: hdr.Seq, Command: zcl.FoundationReadAttributesResponse}
		f.indicate(zbossCmdAPSDEDataInd, apsInd(0x1234, 1, clusters.MeteringID, rsp.Encode([]byte{
			0x01, 0x03, 0x00, zcl.TypeUint24, 0x01, 0x00, 0x00, // multiplier=1
			0x00, 0x04, 0x86, // 0x0400 unsupported
		})))
	})

	var reports []AttributeReportEvent
	var mu sync.Mutex
	n.OnAttributeReport(func(e AttributeReportEvent) {
		mu.Lock()
		reports = append(reports, e)
		mu.Unlock()
	})

	recs, err := n.ReadAttributes(testCtx(t), ReadAttributesRequest{
		DstAddr: 0x1234, DstEP: 1, ClusterID: clusters.MeteringID,
		AttrIDs: []uint16{clusters.AttrMultiplier, clusters.AttrInstantaneousDemand},
	})
	if err != nil {
		t.Fatalf("ReadAttributes: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: got %d, want 2", len(recs))
	}
	if recs[0].AttrID != clusters.AttrMultiplier || recs[0].Status != zcl.StatusSuccess {
		t.Errorf("record 0: %+v", recs[0])
	}
	if v, err := recs[0].Decode(); err != nil || v != uint64(1) {
		t.Errorf("multiplier: %v, %v", v, err)
	}
	if recs[1].Status != zcl.StatusUnsupportedAttr {
		t.Errorf("record 1 status: 0x%02X", recs[1].Status)
	}

	// The stray frame arrived first and went to the report handler.
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 || reports[0].Records[0].AttrID != clusters.AttrDivisor {
		t.Errorf("unsolicited read response not reported: %+v", reports)
	}
}

func TestReadAttributesManufacturerSpecific(t *testing.T) {
	n, _ := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		f.respond(req, 0, 0, nil)
		hdr, _ := apsZCL(t, req)
		if !hdr.IsManufacturerSpecific() || hdr.ManufacturerCode != 0x1234 {
			t.Errorf("header: %+v", hdr)
		}
		rsp := zcl.Header{FrameControl: zcl.FlagServerToClient, Seq: hdr.Seq, Command: zcl.FoundationReadAttributesResponse}
		f.indicate(zbossCmdAPSDEDataInd, apsInd(0x1234, 1, clusters.PulseConfigID, rsp.Encode([]byte{0x08, 0x00, 0x86})))
	})
	_, err := n.ReadAttributes(testCtx(t), ReadAttributesRequest{
		DstAddr: 0x1234, DstEP: 1, ClusterID: clusters.PulseConfigID,
		AttrIDs: []uint16{clusters.AttrPulseConfigResetCount}, ManufacturerCode: 0x1234,
	})
	if err != nil {
		t.Fatalf("ReadAttributes: %v", err)
	}
}

func TestWriteAttributesVendorFrame(t *testing.T) {
	var got zcl.Header
	var body []byte
	n, _ := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		f.respond(req, 0, 0, nil)
		got, body = apsZCL(t, req)
		rsp := zcl.Header{FrameControl: zcl.FlagServerToClient | zcl.FlagManufacturerSpecific, ManufacturerCode: 0x1234,
			Seq: got.Seq, Command: zcl.FoundationWriteAttributesResp}
		f.indicate(zbossCmdAPSDEDataInd, apsInd(0x1234, 1, clusters.PulseConfigID, rsp.Encode([]byte{zcl.StatusSuccess})))
	})

	err := n.WriteAttributes(testCtx(t), WriteAttributesRequest{
		DstAddr: 0x1234, DstEP: 1, ClusterID: clusters.PulseConfigID,
		Records:                []zcl.AttributeRecord{{AttrID: 0x0008, DataType: zcl.TypeBool, Value: []byte{0x01}}},
		ManufacturerCode:       0x1234,
		DisableDefaultResponse: true,
	})
	if err != nil {
		t.Fatalf("WriteAttributes: %v", err)
	}
	want := zcl.FlagManufacturerSpecific | zcl.FlagDisableDefaultResponse
	if got.FrameControl != want || got.ManufacturerCode != 0x1234 || got.Command != zcl.FoundationWriteAttributes {
		t.Errorf("header: %+v", got)
	}
	if len(body) != 4 || binary.LittleEndian.Uint16(body) != 0x0008 || body[2] != zcl.TypeBool || body[3] != 1 {
		t.Errorf("body: %X", body)
	}
}

func TestWriteAttributesFailureStatus(t *testing.T) {
	n, _ := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		f.respond(req, 0, 0, nil)
		hdr, _ := apsZCL(t, req)
		rsp := zcl.Header{FrameControl: zcl.FlagServerToClient, Seq: hdr.Seq, Command: zcl.FoundationWriteAttributesResp}
		f.indicate(zbossCmdAPSDEDataInd, apsInd(0x1234, 1, clusters.PulseConfigID,
			rsp.Encode([]byte{zcl.StatusReadOnly, 0x08, 0x00})))
	})
	err := n.WriteAttributes(testCtx(t), WriteAttributesRequest{
		DstAddr: 0x1234, DstEP: 1, ClusterID: clusters.PulseConfigID,
		Records: []zcl.AttributeRecord{{AttrID: 0x0008, DataType: zcl.TypeBool, Value: []byte{0x01}}},
	})
	if err == nil {
		t.Fatal("expected write failure")
	}
}

func TestConfigureReportingDefaultResponseError(t *testing.T) {
	n, _ := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		f.respond(req, 0, 0, nil)
		hdr, body := apsZCL(t, req)
		if hdr.Command != zcl.FoundationConfigReporting || body[0] != 0x00 {
			t.Errorf("configure frame: %+v %X", hdr, body)
		}
		rsp := zcl.Header{FrameControl: zcl.FlagServerToClient, Seq: hdr.Seq, Command: zcl.FoundationDefaultResponse}
		f.indicate(zbossCmdAPSDEDataInd, apsInd(0x1234, 1, clusters.MeteringID,
			rsp.Encode([]byte{zcl.FoundationConfigReporting, zcl.StatusUnreportable})))
	})
	err := n.ConfigureReporting(testCtx(t), ConfigureReportingRequest{
		DstAddr: 0x1234, DstEP: 1, ClusterID: clusters.MeteringID,
		Records: []zcl.ReportingConfig{{AttrID: clusters.AttrInstantaneousDemand, DataType: zcl.TypeInt24, MinInterval: 10, MaxInterval: 300, Change: []byte{0, 0, 0}}},
	})
	if err == nil {
		t.Fatal("expected unreportable error")
	}
}

func TestReportAttributesIndication(t *testing.T) {
	n, f := newTestZBOSS(t, nil)
	got := make(chan AttributeReportEvent, 1)
	n.OnAttributeReport(func(e AttributeReportEvent) { got <- e })

	report := zcl.Header{FrameControl: zcl.FlagServerToClient | zcl.FlagDisableDefaultResponse, Seq: 9, Command: zcl.FoundationReportAttributes}
	f.indicate(zbossCmdAPSDEDataInd, apsInd(0xABCD, 1, clusters.MeteringID, report.Encode([]byte{
		0x00, 0x00, zcl.TypeUint48, 0x39, 0x30, 0x00, 0x00, 0x00, 0x00, // summation=12345
		0x00, 0x04, zcl.TypeInt24, 0xD7, 0x11, 0x00, // demand=4567
	})))

	select {
	case e := <-got:
		if e.SrcAddr != 0xABCD || e.ClusterID != clusters.MeteringID || e.LQI != 180 {
			t.Errorf("event: %+v", e)
		}
		if len(e.Records) != 2 {
			t.Fatalf("records: %d", len(e.Records))
		}
		if v, _ := e.Records[0].Decode(); v != uint64(12345) {
			t.Errorf("summation: %v", v)
		}
		if v, _ := e.Records[1].Decode(); v != int64(4567) {
			t.Errorf("demand: %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("report not delivered")
	}
}

func TestOTAQueryAnsweredWithNoImage(t *testing.T) {
	answered := make(chan []byte, 1)
	n, f := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		f.respond(req, 0, 0, nil)
		if req.HL.CallID == zbossCmdAPSDEDataReq {
			answered <- req.Payload
		}
	})
	_ = n

	query := zcl.Header{FrameControl: zcl.FrameTypeCluster, Seq: 0x42, Command: clusters.CmdOTAQueryNextImageRequest}
	f.indicate(zbossCmdAPSDEDataInd, apsInd(0x1234, 1, clusters.OTAUpgradeID, query.Encode([]byte{0x00, 0x34, 0x12, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00})))

	select {
	case p := <-answered:
		if got := binary.LittleEndian.Uint16(p[13:15]); got != clusters.OTAUpgradeID {
			t.Errorf("cluster: 0x%04X", got)
		}
		hdr, body, err := zcl.DecodeFrame(p[apsReqHeaderSize:])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if hdr.Seq != 0x42 || hdr.Command != clusters.CmdOTAQueryNextImageResponse || hdr.FrameControl&zcl.FlagServerToClient == 0 {
			t.Errorf("header: %+v", hdr)
		}
		if len(body) != 1 || body[0] != zcl.StatusNoImageAvailable {
			t.Errorf("body: %X", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OTA query not answered")
	}
}

func TestDeviceIndications(t *testing.T) {
	n, f := newTestZBOSS(t, nil)

	announced := make(chan DeviceAnnounceEvent, 1)
	joined := make(chan DeviceJoinedEvent, 1)
	left := make(chan DeviceLeftEvent, 2)
	n.OnDeviceAnnounce(func(e DeviceAnnounceEvent) { announced <- e })
	n.OnDeviceJoined(func(e DeviceJoinedEvent) { joined <- e })
	n.OnDeviceLeft(func(e DeviceLeftEvent) { left <- e })

	ieee := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	f.indicate(zbossCmdZDODevAnnceInd, append(append([]byte{0x34, 0x12}, ieee...), 0x80))
	f.indicate(zbossCmdZDODevUpdateInd, append(append([]byte{}, ieee...), 0x34, 0x12, zbossDevUpdateUnsecureJoin))
	f.indicate(zbossCmdNwkLeaveInd, append(append([]byte{}, ieee...), 0x01)) // rejoin: ignored
	f.indicate(zbossCmdZDODevUpdateInd, append(append([]byte{}, ieee...), 0x34, 0x12, zbossDevUpdateLeft))

	wait := func(name string, ch any) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		switch c := ch.(type) {
		case chan DeviceAnnounceEvent:
			select {
			case e := <-c:
				if e.ShortAddr != 0x1234 || e.Capability != 0x80 || e.IEEEAddr[0] != 1 {
					t.Errorf("%s: %+v", name, e)
				}
			case <-timeout:
				t.Fatalf("%s not delivered", name)
			}
		case chan DeviceJoinedEvent:
			select {
			case e := <-c:
				if e.ShortAddr != 0x1234 {
					t.Errorf("%s: %+v", name, e)
				}
			case <-timeout:
				t.Fatalf("%s not delivered", name)
			}
		case chan DeviceLeftEvent:
			select {
			case e := <-c:
				if e.ShortAddr != 0x1234 {
					t.Errorf("%s: %+v", name, e)
				}
			case <-timeout:
				t.Fatalf("%s not delivered", name)
			}
		}
	}
	wait("announce", announced)
	wait("join", joined)
	wait("leave", left)
	if len(left) != 0 {
		t.Error("rejoining leave indication should not emit an event")
	}
}

func TestNCPResetIndication(t *testing.T) {
	n, f := newTestZBOSS(t, nil)
	reset := make(chan struct{}, 1)
	n.OnNCPReset(func() { reset <- struct{}{} })

	f.indicate(zbossCmdNCPResetInd, []byte{0x00})
	select {
	case <-reset:
	case <-time.After(2 * time.Second):
		t.Fatal("reset callback not called")
	}
}

func TestNetworkInfo(t *testing.T) {
	n, _ := newTestZBOSS(t, func(f *fakeNCP, req *zbossFrame) {
		switch req.HL.CallID {
		case zbossCmdGetChannel:
			f.respond(req, 0, 0, []byte{0x00, 15})
		case zbossCmdGetPanID:
			f.respond(req, 0, 0, []byte{0x62, 0x1A})
		case zbossCmdGetExtPanID:
			f.respond(req, 0, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		}
	})
	info, err := n.NetworkInfo(testCtx(t))
	if err != nil {
		t.Fatalf("NetworkInfo: %v", err)
	}
	if info.Channel != 15 || info.PanID != 0x1A62 || info.ExtPanID[7] != 8 {
		t.Errorf("info: %+v", info)
	}
}

func TestFormNetworkSequence(t *testing.T) {
	formSettleDelay = 0
	n, f := newTestZBOSS(t, okHandler)
	cfg := NetworkConfig{Channel: 15, PanID: 0x1A62, ExtPanID: [8]byte{0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD}}
	if err := n.FormNetwork(testCtx(t), cfg); err != nil {
		t.Fatalf("FormNetwork: %v", err)
	}
	want := []uint16{
		zbossCmdSetZigbeeRole, zbossCmdSetExtPanID, zbossCmdSetChannelMask, zbossCmdSetNwkKey,
		zbossCmdNwkFormation, zbossCmdSetPanID, zbossCmdSetRxOnWhenIdle, zbossCmdSetEDTimeout, zbossCmdSetMaxChildren,
	}
	got := f.calls()
	if len(got) != len(want) {
		t.Fatalf("calls: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: got %s, want %s", i, zbossCmdName(got[i]), zbossCmdName(want[i]))
		}
	}
	if len(n.Info().NetworkKey) != 16 {
		t.Error("network key not recorded")
	}
}

func TestCloseUnblocksPendingRequest(t *testing.T) {
	n, _ := newTestZBOSS(t, nil) // never responds
	errCh := make(chan error, 1)
	go func() {
		_, err := n.request(context.Background(), zbossCmdGetChannel, nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	n.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request still blocked after Close")
	}
}
