package ncp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"pulsemeter-gateway/internal/zcl"
)

// Coordinator endpoint registration: HA profile, configuration tool device.
const coordinatorDeviceID uint16 = 0x0005

// formSettleDelay lets the NCP persist the PAN ID after formation.
var formSettleDelay = time.Second

func (n *ZBOSS) Reset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetNoOption)
}

func (n *ZBOSS) FactoryReset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetFactory)
}

// Init reads the module version and applies the trust center policies the
// gateway runs with: well-known link key, no install codes, TC rejoin allowed.
func (n *ZBOSS) Init(ctx context.Context) error {
	resp, err := n.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return err
	}
	if len(resp.Payload) >= 12 {
		fw := binary.LittleEndian.Uint32(resp.Payload[0:4])
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		proto := binary.LittleEndian.Uint32(resp.Payload[8:12])
		stackStr := fmt.Sprintf("%d.%d.%d.%d", (stack>>24)&0xFF, (stack>>16)&0xFF, (stack>>8)&0xFF, stack&0xFF)
		n.infoMu.Lock()
		n.info.FWVersion = fw
		n.info.StackVersion = stackStr
		n.info.ProtocolVersion = proto
		n.infoMu.Unlock()
		n.logger.Info("NCP module version", "fw", fw, "stack", stackStr, "protocol", proto)
	}

	policies := []struct {
		typ  uint16
		val  uint8
		name string
	}{
		{zbossTCPolicyLinkKeysRequired, 0, "TC link keys required=false"},
		{zbossTCPolicyICRequired, 0, "IC required=false"},
		{zbossTCPolicyTCRejoinEnabled, 1, "TC rejoin enabled=true"},
		{zbossTCPolicyIgnoreTCRejoin, 0, "ignore TC rejoin=false"},
		{zbossTCPolicyAPSInsecureJoin, 0, "APS insecure join=false"},
		{zbossTCPolicyDisableNwkMgmtChanUpd, 0, "disable mgmt chan update=false"},
	}
	for _, p := range policies {
		buf := binary.LittleEndian.AppendUint16(nil, p.typ)
		if _, err := n.request(ctx, zbossCmdSetTCPolicy, append(buf, p.val)); err != nil {
			return fmt.Errorf("set TC policy %s: %w", p.name, err)
		}
	}
	return nil
}

// FormNetwork forms a new network as coordinator on cfg.Channel.
func (n *ZBOSS) FormNetwork(ctx context.Context, cfg NetworkConfig) error {
	if _, err := n.request(ctx, zbossCmdSetZigbeeRole, []byte{zbossRoleCoordinator}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetExtPanID, cfg.ExtPanID[:]); err != nil {
		return fmt.Errorf("set ext pan id: %w", err)
	}

	mask := uint32(1) << cfg.Channel
	chanBuf := binary.LittleEndian.AppendUint32([]byte{0x00}, mask) // page 0
	if _, err := n.request(ctx, zbossCmdSetChannelMask, chanBuf); err != nil {
		return fmt.Errorf("set channel mask: %w", err)
	}

	nwkKey := make([]byte, 17) // key(16) + key_seq_num(1)
	if _, err := rand.Read(nwkKey[:16]); err != nil {
		return fmt.Errorf("generate nwk key: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetNwkKey, nwkKey); err != nil {
		return fmt.Errorf("set nwk key: %w", err)
	}
	n.infoMu.Lock()
	n.info.NetworkKey = append([]byte(nil), nwkKey[:16]...)
	n.infoMu.Unlock()

	// channel list(1+5) + scan duration(1) + distributed flag(1) + distributed addr(2) + ext pan id(8)
	formBuf := make([]byte, 18)
	formBuf[0] = 0x01
	formBuf[1] = 0x00
	binary.LittleEndian.PutUint32(formBuf[2:6], mask)
	formBuf[6] = 0x05
	copy(formBuf[10:18], cfg.ExtPanID[:])

	// Formation can fail with NO_MATCH right after a factory reset.
	var formErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if _, formErr = n.request(ctx, zbossCmdNwkFormation, formBuf); formErr == nil {
			break
		}
		n.logger.Warn("network formation failed, retrying", "attempt", attempt, "err", formErr)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if formErr != nil {
		return fmt.Errorf("form network: %w", formErr)
	}

	// The NCP only accepts the PAN ID once the network is formed.
	if _, err := n.request(ctx, zbossCmdSetPanID, binary.LittleEndian.AppendUint16(nil, cfg.PanID)); err != nil {
		return fmt.Errorf("set pan id: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetRxOnWhenIdle, []byte{0x01}); err != nil {
		return fmt.Errorf("set rx on when idle: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetEDTimeout, []byte{0x08}); err != nil {
		n.logger.Warn("set ED timeout", "err", err)
	}
	if _, err := n.request(ctx, zbossCmdSetMaxChildren, []byte{100}); err != nil {
		n.logger.Warn("set max children", "err", err)
	}

	select {
	case <-time.After(formSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// StartNetwork resumes the network stored in NCP NVRAM and registers the
// coordinator endpoint.
func (n *ZBOSS) StartNetwork(ctx context.Context) error {
	if _, err := n.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return err
	}
	desc := buildSimpleDescPayload(zcl.CoordinatorEndpoint, zcl.ProfileHA, coordinatorDeviceID, 0, nil, nil)
	if _, err := n.request(ctx, zbossCmdAFSetSimpleDesc, desc); err != nil {
		return fmt.Errorf("register endpoint %d: %w", zcl.CoordinatorEndpoint, err)
	}
	return nil
}

// PermitJoin opens the network for duration seconds; zero closes it.
func (n *ZBOSS) PermitJoin(ctx context.Context, duration uint8) error {
	// dest_short(2) + duration(1) + tc_significance(1)
	_, err := n.request(ctx, zbossCmdZDOPermitJoiningReq, []byte{0x00, 0x00, duration, 0x01})
	return err
}

// MgmtLeave asks a device to leave permanently.
func (n *ZBOSS) MgmtLeave(ctx context.Context, shortAddr uint16, ieeeAddr [8]byte) error {
	buf := binary.LittleEndian.AppendUint16(nil, shortAddr)
	buf = append(buf, ieeeAddr[:]...)
	buf = append(buf, 0x00) // no rejoin
	_, err := n.request(ctx, zbossCmdZDOMgmtLeaveReq, buf)
	return err
}

func (n *ZBOSS) NetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	info := &NetworkInfo{}
	var lastErr error

	if resp, err := n.request(ctx, zbossCmdGetChannel, nil); err != nil {
		lastErr = err
	} else if len(resp.Payload) >= 2 {
		info.Channel = resp.Payload[1] // page(1) + channel(1)
	}
	if resp, err := n.request(ctx, zbossCmdGetPanID, nil); err != nil {
		lastErr = err
	} else if len(resp.Payload) >= 2 {
		info.PanID = binary.LittleEndian.Uint16(resp.Payload)
	}
	if resp, err := n.request(ctx, zbossCmdGetExtPanID, nil); err != nil {
		lastErr = err
	} else if len(resp.Payload) >= 8 {
		copy(info.ExtPanID[:], resp.Payload[:8])
	}

	if info.Channel == 0 && info.PanID == 0 && lastErr != nil {
		return nil, fmt.Errorf("network info: all queries failed: %w", lastErr)
	}
	return info, nil
}

func (n *ZBOSS) GetLocalIEEE(ctx context.Context) ([8]byte, error) {
	var ieee [8]byte
	resp, err := n.request(ctx, zbossCmdGetLocalIEEE, []byte{0x00}) // mac interface 0
	if err != nil {
		return ieee, fmt.Errorf("get local ieee: %w", err)
	}
	if len(resp.Payload) < 9 {
		return ieee, fmt.Errorf("get local ieee: short response: %d bytes", len(resp.Payload))
	}
	copy(ieee[:], resp.Payload[1:9])
	return ieee, nil
}

func (n *ZBOSS) ActiveEndpoints(ctx context.Context, shortAddr uint16) ([]uint8, error) {
	resp, err := n.request(ctx, zbossCmdZDOActiveEPReq, binary.LittleEndian.AppendUint16(nil, shortAddr))
	if err != nil {
		return nil, err
	}
	// ep_count(1) + ep_list + nwk_addr(2)
	if len(resp.Payload) < 1 {
		return nil, fmt.Errorf("zboss: active EP response empty")
	}
	count := int(resp.Payload[0])
	if len(resp.Payload) < 1+count {
		return nil, fmt.Errorf("zboss: active EP payload truncated: need %d, have %d", 1+count, len(resp.Payload))
	}
	return append([]uint8(nil), resp.Payload[1:1+count]...), nil
}

func (n *ZBOSS) SimpleDescriptor(ctx context.Context, shortAddr uint16, endpoint uint8) (*SimpleDescriptor, error) {
	buf := binary.LittleEndian.AppendUint16(nil, shortAddr)
	resp, err := n.request(ctx, zbossCmdZDOSimpleDescReq, append(buf, endpoint))
	if err != nil {
		return nil, err
	}
	sd, err := parseSimpleDescriptor(resp.Payload)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("simple descriptor",
		"short", fmt.Sprintf("0x%04X", shortAddr),
		"ep", sd.Endpoint,
		"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
		"in", fmt.Sprintf("%v", sd.InClusters))
	return sd, nil
}

func (n *ZBOSS) Bind(ctx context.Context, req BindRequest) error {
	_, err := n.request(ctx, zbossCmdZDOBindReq, buildBindPayload(req))
	return err
}

func (n *ZBOSS) Unbind(ctx context.Context, req BindRequest) error {
	_, err := n.request(ctx, zbossCmdZDOUnbindReq, buildBindPayload(req))
	return err
}

// ReadAttributes reads attributes and waits for the matching response.
// Records for unsupported attributes are returned with their failure status.
func (n *ZBOSS) ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]zcl.AttributeRecord, error) {
	opts := zcl.FrameOptions{ManufacturerCode: req.ManufacturerCode}
	resp, err := n.zclRequest(ctx, req.DstAddr, req.DstEP, req.ClusterID, func(seq uint8) []byte {
		return zcl.BuildReadAttributes(seq, req.AttrIDs, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("read 0x%04X: %w", req.ClusterID, err)
	}
	if resp.Header.Command != zcl.FoundationReadAttributesResponse {
		return nil, fmt.Errorf("read 0x%04X: unexpected response command 0x%02X", req.ClusterID, resp.Header.Command)
	}
	records := zcl.ParseReadAttributesResponse(resp.Payload)
	n.logger.Debug("read attributes",
		"short", fmt.Sprintf("0x%04X", req.DstAddr),
		"cluster", fmt.Sprintf("0x%04X", req.ClusterID),
		"records", len(records))
	return records, nil
}

// WriteAttributes writes attributes and, unless NoResponse is set, waits for
// the Write Attributes Response.
func (n *ZBOSS) WriteAttributes(ctx context.Context, req WriteAttributesRequest) error {
	opts := zcl.FrameOptions{ManufacturerCode: req.ManufacturerCode, DisableDefaultResponse: req.DisableDefaultResponse}
	if req.NoResponse {
		frame := zcl.BuildWriteAttributes(n.nextZCLSeq(), req.Records, opts)
		return n.sendZCL(ctx, req.DstAddr, req.DstEP, req.ClusterID, frame)
	}

	resp, err := n.zclRequest(ctx, req.DstAddr, req.DstEP, req.ClusterID, func(seq uint8) []byte {
		return zcl.BuildWriteAttributes(seq, req.Records, opts)
	})
	if err != nil {
		return fmt.Errorf("write 0x%04X: %w", req.ClusterID, err)
	}
	if resp.Header.Command != zcl.FoundationWriteAttributesResp {
		return nil
	}
	failures, err := zcl.ParseWriteAttributesResponse(resp.Payload)
	if err != nil {
		return fmt.Errorf("write 0x%04X: %w", req.ClusterID, err)
	}
	if len(failures) > 0 {
		f := failures[0]
		return fmt.Errorf("write 0x%04X attr 0x%04X: status 0x%02X", req.ClusterID, f.AttrID, f.Status)
	}
	return nil
}

// ConfigureReporting configures attribute reporting and checks the response status.
func (n *ZBOSS) ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error {
	opts := zcl.FrameOptions{ManufacturerCode: req.ManufacturerCode}
	resp, err := n.zclRequest(ctx, req.DstAddr, req.DstEP, req.ClusterID, func(seq uint8) []byte {
		return zcl.BuildConfigureReporting(seq, req.Records, opts)
	})
	if err != nil {
		return fmt.Errorf("configure reporting 0x%04X: %w", req.ClusterID, err)
	}
	if resp.Header.Command != zcl.FoundationConfigReportingResp {
		return nil
	}
	// status(1) alone means all succeeded; otherwise status(1) + direction(1) + attr(2) per failure.
	p := resp.Payload
	if len(p) == 0 {
		return fmt.Errorf("configure reporting 0x%04X: %w", req.ClusterID, zcl.ErrShortFrame)
	}
	if p[0] != zcl.StatusSuccess {
		if len(p) >= 4 {
			return fmt.Errorf("configure reporting 0x%04X attr 0x%04X: status 0x%02X",
				req.ClusterID, binary.LittleEndian.Uint16(p[2:4]), p[0])
		}
		return fmt.Errorf("configure reporting 0x%04X: status 0x%02X", req.ClusterID, p[0])
	}
	return nil
}
