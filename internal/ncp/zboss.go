package ncp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

var (
	// ErrClosed is returned by calls made after Close, or cancelled by a reset.
	ErrClosed = errors.New("ncp closed")
	// ErrTimeout is returned when the NCP or a remote device does not answer in time.
	ErrTimeout = errors.New("ncp timeout")
)

// Opener opens (or reopens after a reset) the byte stream to the NCP.
type Opener func() (io.ReadWriteCloser, error)

// SerialOpener opens a serial port with DTR/RTS asserted, as USB CDC ACM
// NCP firmware expects.
func SerialOpener(portName string, baudRate int) Opener {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("zboss ncp: open %s: %w", portName, err)
		}
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
}

const (
	llACKTimeout   = 500 * time.Millisecond
	llMaxRetries   = 3
	hlRespTimeout  = 5 * time.Second
	zclRespTimeout = 10 * time.Second
)

// zclResponse is a ZCL frame matched to an outstanding request by sequence number.
type zclResponse struct {
	Header  zcl.Header
	Payload []byte
}

// ZBOSS implements NCP over the ZBOSS NCP serial protocol.
type ZBOSS struct {
	open   Opener
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	// HL request/response tracking, keyed by TSN.
	hlTSN     atomic.Uint32
	hlPending map[uint8]chan *zbossFrame
	hlMu      sync.Mutex

	// LL packet sequencing and ACK.
	llPktSeq uint8
	llSeqMu  sync.Mutex
	llAckCh  chan uint8
	writeMu  sync.Mutex

	// ZCL response tracking, keyed by ZCL sequence number.
	zclSeq     atomic.Uint32
	zclPending map[uint8]chan zclResponse
	zclMu      sync.Mutex

	handlerMu       sync.RWMutex
	onJoined        func(DeviceJoinedEvent)
	onLeft          func(DeviceLeftEvent)
	onAnnounce      func(DeviceAnnounceEvent)
	onReport        func(AttributeReportEvent)
	onNwkAddrUpdate func(uint16)
	onReset         func()

	// Signaled on NCPResetInd; resetAndReconnect waits on it.
	resetIndCh chan struct{}

	infoMu sync.RWMutex
	info   Info

	// lifecycleMu guards port, done, llAckCh and closeOnce across resets.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

var _ NCP = (*ZBOSS)(nil)

// NewZBOSS opens portName and starts the read loop.
func NewZBOSS(portName string, baudRate int, logger *slog.Logger) (*ZBOSS, error) {
	return Open(SerialOpener(portName, baudRate), logger)
}

// Open starts a ZBOSS driver on the stream returned by open.
func Open(open Opener, logger *slog.Logger) (*ZBOSS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	port, err := open()
	if err != nil {
		return nil, err
	}
	n := &ZBOSS{
		open:       open,
		port:       port,
		reader:     bufio.NewReader(port),
		logger:     logger.With("component", "ncp"),
		hlPending:  make(map[uint8]chan *zbossFrame),
		zclPending: make(map[uint8]chan zclResponse),
		llAckCh:    make(chan uint8, 4),
		resetIndCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	n.wg.Add(1)
	go n.readLoop(n.reader, n.done)
	return n, nil
}

func (n *ZBOSS) nextTSN() uint8    { return uint8(n.hlTSN.Add(1)) }
func (n *ZBOSS) nextZCLSeq() uint8 { return uint8(n.zclSeq.Add(1)) }

// nextPktSeq advances the LL packet sequence (1, 2, 3, 1, ...).
func (n *ZBOSS) nextPktSeq() uint8 {
	n.llSeqMu.Lock()
	defer n.llSeqMu.Unlock()
	n.llPktSeq = n.llPktSeq%3 + 1
	return n.llPktSeq
}

func (n *ZBOSS) state() (io.ReadWriteCloser, chan struct{}, chan uint8) {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.port, n.done, n.llAckCh
}

// request sends an HL request and waits for the matching HL response.
// A non-OK status is returned as an error together with the response.
func (n *ZBOSS) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hlRespTimeout)
		defer cancel()
	}

	tsn := n.nextTSN()
	ch := make(chan *zbossFrame, 1)
	n.hlMu.Lock()
	n.hlPending[tsn] = ch
	n.hlMu.Unlock()
	defer func() {
		n.hlMu.Lock()
		if n.hlPending[tsn] == ch {
			delete(n.hlPending, tsn)
		}
		n.hlMu.Unlock()
	}()

	pktSeq := n.nextPktSeq()
	raw := zbossEncodeRequest(callID, tsn, pktSeq, payload)
	if err := n.writeWithACK(ctx, raw, pktSeq); err != nil {
		return nil, fmt.Errorf("zboss write %s: %w", zbossCmdName(callID), err)
	}

	cmdName := zbossCmdName(callID)
	n.logger.Debug("zboss TX", "cmd", cmdName, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	_, done, _ := n.state()
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("zboss %s: %w", cmdName, ErrClosed)
		}
		status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
		if !resp.ok() {
			n.logger.Warn("zboss RX", "cmd", cmdName, "tsn", tsn, "status", status, "payload", fmt.Sprintf("%X", resp.Payload))
			return resp, fmt.Errorf("zboss %s: %s", cmdName, status)
		}
		n.logger.Debug("zboss RX", "cmd", cmdName, "tsn", tsn, "status", status, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		n.logger.Warn("zboss timeout", "cmd", cmdName, "tsn", tsn, "err", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("zboss %s: %w", cmdName, ErrTimeout)
		}
		return nil, ctx.Err()
	case <-done:
		return nil, fmt.Errorf("zboss %s: %w", cmdName, ErrClosed)
	}
}

// writeWithACK writes a frame and waits for its LL ACK, retransmitting on timeout.
func (n *ZBOSS) writeWithACK(ctx context.Context, frame []byte, pktSeq uint8) error {
	port, done, ackCh := n.state()
	for attempt := 0; attempt <= llMaxRetries; attempt++ {
		if attempt > 0 {
			frame[5] |= zbossFlagRetrans
			frame[6] = zbossCRC8(frame[2:6])
		}
		n.writeMu.Lock()
		_, err := port.Write(frame)
		n.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("serial write: %w", err)
		}

		deadline := time.NewTimer(llACKTimeout)
	waitACK:
		for {
			select {
			case ackSeq := <-ackCh:
				if ackSeq == pktSeq {
					deadline.Stop()
					return nil
				}
				n.logger.Debug("zboss LL stale ACK drained", "got", ackSeq, "want", pktSeq)
			case <-deadline.C:
				n.logger.Warn("zboss LL ACK timeout", "attempt", attempt+1, "pktSeq", pktSeq)
				break waitACK
			case <-ctx.Done():
				deadline.Stop()
				return ctx.Err()
			case <-done:
				deadline.Stop()
				return ErrClosed
			}
		}
	}
	return fmt.Errorf("zboss LL ACK timeout after %d attempts", llMaxRetries+1)
}

func (n *ZBOSS) sendACK(pktSeq uint8) {
	port, _, _ := n.state()
	n.writeMu.Lock()
	_, err := port.Write(zbossEncodeACK(pktSeq))
	n.writeMu.Unlock()
	if err != nil {
		n.logger.Error("zboss send ACK failed", "err", err)
	}
}

func (n *ZBOSS) readLoop(reader *bufio.Reader, done chan struct{}) {
	defer n.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-done:
			return
		default:
		}

		raw, err := readZBOSSFrame(reader)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				n.logger.Error("ncp read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			n.logger.Warn("zboss decode error", "err", err)
			continue
		}

		if zbossLLIsACK(frame.LL.Flags) {
			_, _, ackCh := n.state()
			select {
			case ackCh <- zbossLLAckSeq(frame.LL.Flags):
			default:
			}
			continue
		}

		n.sendACK(zbossLLPktSeq(frame.LL.Flags))

		switch frame.HL.PacketType {
		case zbossHLResponse:
			n.hlMu.Lock()
			ch, ok := n.hlPending[frame.HL.TSN]
			n.hlMu.Unlock()
			if !ok {
				n.logger.Warn("zboss orphaned response",
					"cmd", zbossCmdName(frame.HL.CallID),
					"tsn", frame.HL.TSN,
					"status", zbossStatusName(frame.HL.StatusCat, frame.HL.StatusCode))
				continue
			}
			select {
			case ch <- frame:
			default:
			}
		case zbossHLIndication:
			n.handleIndication(frame)
		}
	}
}

func (n *ZBOSS) handleIndication(f *zbossFrame) {
	n.handlerMu.RLock()
	onJoined := n.onJoined
	onLeft := n.onLeft
	onAnnounce := n.onAnnounce
	onReport := n.onReport
	onNwkAddrUpdate := n.onNwkAddrUpdate
	onReset := n.onReset
	n.handlerMu.RUnlock()

	p := f.Payload
	switch f.HL.CallID {
	case zbossCmdZDODevAnnceInd:
		// nwk_addr(2) + ieee(8) + capability(1)
		if onAnnounce != nil && len(p) >= 11 {
			evt := DeviceAnnounceEvent{
				ShortAddr:  binary.LittleEndian.Uint16(p[0:2]),
				Capability: p[10],
			}
			copy(evt.IEEEAddr[:], p[2:10])
			onAnnounce(evt)
		}

	case zbossCmdZDODevUpdateInd:
		// ieee(8) + nwk_addr(2) + status(1)
		if len(p) < 11 {
			return
		}
		var ieee [8]byte
		copy(ieee[:], p[0:8])
		short := binary.LittleEndian.Uint16(p[8:10])
		n.logger.Info("device update", "ieee", fmt.Sprintf("%016X", ieee),
			"short", fmt.Sprintf("0x%04X", short), "status", p[10])
		switch p[10] {
		case zbossDevUpdateSecureRejoin, zbossDevUpdateUnsecureJoin, zbossDevUpdateTCRejoin:
			if onJoined != nil {
				onJoined(DeviceJoinedEvent{ShortAddr: short, IEEEAddr: ieee})
			}
		case zbossDevUpdateLeft:
			if onLeft != nil {
				onLeft(DeviceLeftEvent{ShortAddr: short, IEEEAddr: ieee})
			}
		}

	case zbossCmdNwkLeaveInd:
		// ieee(8) + rejoin(1)
		if len(p) < 8 {
			return
		}
		var ieee [8]byte
		copy(ieee[:], p[0:8])
		rejoin := len(p) >= 9 && p[8] != 0
		n.logger.Info("device left network", "ieee", fmt.Sprintf("%016X", ieee), "rejoin", rejoin)
		if onLeft != nil && !rejoin {
			onLeft(DeviceLeftEvent{IEEEAddr: ieee})
		}

	case zbossCmdAPSDEDataInd:
		n.handleAPSDEDataInd(p, onReport)

	case zbossCmdNCPResetInd:
		n.logger.Warn("NCP reset indication")
		select {
		case n.resetIndCh <- struct{}{}:
		default:
		}
		if onReset != nil {
			onReset()
		}

	case zbossCmdNwkAddrUpdateInd:
		if len(p) >= 2 {
			short := binary.LittleEndian.Uint16(p[0:2])
			n.logger.Info("device changed short address", "short", fmt.Sprintf("0x%04X", short))
			if onNwkAddrUpdate != nil {
				onNwkAddrUpdate(short)
			}
		}

	case zbossCmdSecurTCLKInd, zbossCmdZDODevAuthorizedInd:
		if len(p) >= 8 {
			n.logger.Info(zbossCmdName(f.HL.CallID), "ieee", fmt.Sprintf("%016X", p[0:8]))
		}

	case zbossCmdSecurTCLKExchangeFailInd:
		if len(p) >= 2 {
			n.logger.Error("TC link key exchange failed", "status", zbossStatusName(p[0], p[1]))
		}

	default:
		n.logger.Debug("zboss unhandled indication", "cmd", zbossCmdName(f.HL.CallID), "payload", fmt.Sprintf("%X", p))
	}
}

// handleAPSDEDataInd routes inbound ZCL: responses to their waiting request,
// reports and unsolicited read responses to the report handler, and OTA
// image queries to an automatic NO_IMAGE_AVAILABLE reply.
func (n *ZBOSS) handleAPSDEDataInd(payload []byte, onReport func(AttributeReportEvent)) {
	ind, err := parseAPSDEDataInd(payload)
	if err != nil {
		n.logger.Debug("apsde data ind dropped", "err", err)
		return
	}
	hdr, body, err := zcl.DecodeFrame(ind.Data)
	if err != nil {
		n.logger.Debug("zcl frame dropped", "short", fmt.Sprintf("0x%04X", ind.SrcAddr), "err", err)
		return
	}

	if !hdr.IsGlobal() {
		if ind.ClusterID == clusters.OTAUpgradeID && hdr.Command == clusters.CmdOTAQueryNextImageRequest {
			n.logger.Info("OTA query from device, responding NO_IMAGE_AVAILABLE",
				"short", fmt.Sprintf("0x%04X", ind.SrcAddr), "ep", ind.SrcEP)
			// request() needs this read loop to deliver the ACK, so reply asynchronously.
			go n.sendOTANoImageAvailable(ind.SrcAddr, ind.SrcEP, hdr.Seq)
			return
		}
		n.logger.Debug("cluster command ignored",
			"short", fmt.Sprintf("0x%04X", ind.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", ind.ClusterID),
			"cmd", fmt.Sprintf("0x%02X", hdr.Command))
		return
	}

	switch hdr.Command {
	case zcl.FoundationReportAttributes:
		n.dispatchReport(ind, zcl.ParseReportAttributes(body), onReport)

	case zcl.FoundationReadAttributesResponse:
		if n.deliverZCL(hdr, body) {
			return
		}
		var records []zcl.AttributeRecord
		for _, r := range zcl.ParseReadAttributesResponse(body) {
			if r.Status == zcl.StatusSuccess {
				records = append(records, r)
			}
		}
		n.dispatchReport(ind, records, onReport)

	case zcl.FoundationWriteAttributesResp, zcl.FoundationConfigReportingResp, zcl.FoundationDefaultResponse:
		if !n.deliverZCL(hdr, body) {
			n.logger.Debug("unmatched zcl response",
				"short", fmt.Sprintf("0x%04X", ind.SrcAddr),
				"cmd", fmt.Sprintf("0x%02X", hdr.Command), "seq", hdr.Seq)
		}
	}
}

func (n *ZBOSS) dispatchReport(ind *apsDataInd, records []zcl.AttributeRecord, onReport func(AttributeReportEvent)) {
	if onReport == nil || len(records) == 0 {
		return
	}
	onReport(AttributeReportEvent{
		SrcAddr:   ind.SrcAddr,
		SrcEP:     ind.SrcEP,
		ClusterID: ind.ClusterID,
		Records:   records,
		LQI:       ind.LQI,
		RSSI:      ind.RSSI,
	})
}

func (n *ZBOSS) deliverZCL(hdr zcl.Header, body []byte) bool {
	n.zclMu.Lock()
	ch, ok := n.zclPending[hdr.Seq]
	n.zclMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- zclResponse{Header: hdr, Payload: body}:
	default:
	}
	return true
}

func (n *ZBOSS) sendOTANoImageAvailable(dstAddr uint16, dstEP, seq uint8) {
	frame := zcl.BuildClusterCommand(seq, clusters.CmdOTAQueryNextImageResponse, true, []byte{zcl.StatusNoImageAvailable})
	ctx, cancel := context.WithTimeout(context.Background(), hlRespTimeout)
	defer cancel()
	if err := n.sendZCL(ctx, dstAddr, dstEP, clusters.OTAUpgradeID, frame); err != nil {
		n.logger.Warn("OTA no-image response failed", "err", err)
	}
}

// sendZCL wraps a ZCL frame in an APSDE_DATA_REQ from the coordinator endpoint.
func (n *ZBOSS) sendZCL(ctx context.Context, dstAddr uint16, dstEP uint8, clusterID uint16, frame []byte) error {
	aps := buildAPSDEDataReq(dstAddr, dstEP, zcl.CoordinatorEndpoint, clusterID, zcl.ProfileHA, frame)
	_, err := n.request(ctx, zbossCmdAPSDEDataReq, aps)
	return err
}

// zclRequest sends a ZCL frame built for seq and waits for the frame carrying
// the same sequence number.
func (n *ZBOSS) zclRequest(ctx context.Context, dstAddr uint16, dstEP uint8, clusterID uint16, build func(seq uint8) []byte) (zclResponse, error) {
	seq := n.nextZCLSeq()
	ch := make(chan zclResponse, 1)
	n.zclMu.Lock()
	n.zclPending[seq] = ch
	n.zclMu.Unlock()
	defer func() {
		n.zclMu.Lock()
		if n.zclPending[seq] == ch {
			delete(n.zclPending, seq)
		}
		n.zclMu.Unlock()
	}()

	if err := n.sendZCL(ctx, dstAddr, dstEP, clusterID, build(seq)); err != nil {
		return zclResponse{}, err
	}

	timer := time.NewTimer(zclRespTimeout)
	defer timer.Stop()
	_, done, _ := n.state()
	select {
	case resp, ok := <-ch:
		if !ok {
			return zclResponse{}, ErrClosed
		}
		if resp.Header.Command == zcl.FoundationDefaultResponse {
			if _, status, err := zcl.ParseDefaultResponse(resp.Payload); err != nil {
				return resp, err
			} else if status != zcl.StatusSuccess {
				return resp, fmt.Errorf("zcl status 0x%02X", status)
			}
		}
		return resp, nil
	case <-timer.C:
		return zclResponse{}, fmt.Errorf("zcl response: short 0x%04X cluster 0x%04X seq %d: %w", dstAddr, clusterID, seq, ErrTimeout)
	case <-ctx.Done():
		return zclResponse{}, ctx.Err()
	case <-done:
		return zclResponse{}, ErrClosed
	}
}

// ZBOSS NCP reset options.
const (
	zbossResetNoOption   uint8 = 0x00
	zbossResetEraseNVRAM uint8 = 0x01
	zbossResetFactory    uint8 = 0x02
)

// Reconnect pacing after an NCP reset.
var (
	reconnectAttempts = 30
	reconnectInterval = time.Second
)

// resetAndReconnect resets the NCP and reopens the port once the USB device
// re-enumerates.
func (n *ZBOSS) resetAndReconnect(ctx context.Context, option uint8) error {
	optName := "reset"
	if option == zbossResetFactory {
		optName = "factory reset"
	}

	// The NCP's expected LL sequence is unknown after a process restart, so
	// the reset goes out with every sequence. The NCP reboots without ACKing.
	port, _, _ := n.state()
	tsn := n.nextTSN()
	for _, seq := range []uint8{1, 2, 3} {
		n.writeMu.Lock()
		_, _ = port.Write(zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{option}))
		n.writeMu.Unlock()
	}
	time.Sleep(100 * time.Millisecond)
	n.logger.Info("NCP " + optName + " sent, waiting for reconnect")

	n.stopLoop()

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-time.After(reconnectInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		port, err := n.open()
		if err != nil {
			n.logger.Debug("waiting for NCP", "attempt", attempt, "err", err)
			continue
		}
		n.resetState(port)

		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = n.request(probeCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err == nil {
			n.logger.Info("NCP reconnected after "+optName, "attempts", attempt)
			// NwkFormation fails with NO_MATCH until the stack reports ready.
			select {
			case <-n.resetIndCh:
			case <-time.After(3 * time.Second):
				n.logger.Warn("NCP reset indication not received, proceeding")
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		n.logger.Debug("NCP not ready yet", "attempt", attempt, "err", err)
		n.stopLoop()
	}
	return fmt.Errorf("NCP did not recover after %s", optName)
}

// stopLoop closes the port and waits for the read loop to exit.
func (n *ZBOSS) stopLoop() {
	n.lifecycleMu.Lock()
	n.closeOnce.Do(func() { close(n.done) })
	_ = n.port.Close()
	n.lifecycleMu.Unlock()
	n.wg.Wait()
}

// resetState installs a new port and restarts the read loop. The previous
// loop must have exited.
func (n *ZBOSS) resetState(port io.ReadWriteCloser) {
	n.lifecycleMu.Lock()
	n.port = port
	n.reader = bufio.NewReader(port)
	n.done = make(chan struct{})
	n.llAckCh = make(chan uint8, 4)
	n.closeOnce = sync.Once{}
	reader, done := n.reader, n.done
	n.lifecycleMu.Unlock()

	n.failPending()

	n.llSeqMu.Lock()
	n.llPktSeq = 0
	n.llSeqMu.Unlock()
	n.hlTSN.Store(0)
	n.zclSeq.Store(0)

	n.wg.Add(1)
	go n.readLoop(reader, done)
}

// failPending closes every outstanding waiter so blocked callers return.
func (n *ZBOSS) failPending() {
	n.hlMu.Lock()
	for tsn, ch := range n.hlPending {
		close(ch)
		delete(n.hlPending, tsn)
	}
	n.hlMu.Unlock()

	n.zclMu.Lock()
	for seq, ch := range n.zclPending {
		close(ch)
		delete(n.zclPending, seq)
	}
	n.zclMu.Unlock()
}

func (n *ZBOSS) OnDeviceJoined(handler func(DeviceJoinedEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onJoined = handler
}

func (n *ZBOSS) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onLeft = handler
}

func (n *ZBOSS) OnDeviceAnnounce(handler func(DeviceAnnounceEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onAnnounce = handler
}

func (n *ZBOSS) OnAttributeReport(handler func(AttributeReportEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onReport = handler
}

func (n *ZBOSS) OnNwkAddrUpdate(handler func(uint16)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onNwkAddrUpdate = handler
}

// OnNCPReset registers a callback for spontaneous NCP resets.
func (n *ZBOSS) OnNCPReset(handler func()) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onReset = handler
}

// Info returns a copy of the cached version information.
func (n *ZBOSS) Info() *Info {
	n.infoMu.RLock()
	defer n.infoMu.RUnlock()
	info := n.info
	info.NetworkKey = append([]byte(nil), n.info.NetworkKey...)
	return &info
}

// Close stops the driver and releases the port.
func (n *ZBOSS) Close() error {
	n.lifecycleMu.Lock()
	if n.closed {
		n.lifecycleMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeOnce.Do(func() { close(n.done) })
	err := n.port.Close()
	n.lifecycleMu.Unlock()

	n.wg.Wait()
	n.failPending()
	return err
}
