package ncp

// ZBOSS NCP serial protocol: LL/HL frame codec, CRC8/CRC16, call IDs.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// LL (low-level) header.
const (
	zbossSig0         = 0xDE
	zbossSig1         = 0xAD
	zbossLLHeaderSize = 7 // sig(2) + size(2) + type(1) + flags(1) + crc8(1)
	zbossBodyCRCSize  = 2
	zbossMaxFrameSize = 512
)

// LL packet type; ACK vs DATA is carried in the flags.
const zbossLLType uint8 = 0x06

// LL flags.
const (
	zbossFlagACK         = 0x01
	zbossFlagRetrans     = 0x02
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

// HL (high-level) header.
const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

const (
	// NCP management
	zbossCmdGetModuleVersion uint16 = 0x0001
	zbossCmdNCPReset         uint16 = 0x0002
	zbossCmdSetZigbeeRole    uint16 = 0x0005
	zbossCmdSetChannelMask   uint16 = 0x0007
	zbossCmdGetChannel       uint16 = 0x0008
	zbossCmdGetPanID         uint16 = 0x0009
	zbossCmdSetPanID         uint16 = 0x000A
	zbossCmdGetLocalIEEE     uint16 = 0x000B
	zbossCmdSetRxOnWhenIdle  uint16 = 0x0013
	zbossCmdSetEDTimeout     uint16 = 0x0017
	zbossCmdSetNwkKey        uint16 = 0x001B
	zbossCmdGetExtPanID      uint16 = 0x0023
	zbossCmdNCPResetInd      uint16 = 0x002B
	zbossCmdSetTCPolicy      uint16 = 0x0032
	zbossCmdSetExtPanID      uint16 = 0x0033
	zbossCmdSetMaxChildren   uint16 = 0x0034

	// AF
	zbossCmdAFSetSimpleDesc uint16 = 0x0101

	// ZDO
	zbossCmdZDOSimpleDescReq    uint16 = 0x0205
	zbossCmdZDOActiveEPReq      uint16 = 0x0206
	zbossCmdZDOBindReq          uint16 = 0x0208
	zbossCmdZDOUnbindReq        uint16 = 0x0209
	zbossCmdZDOMgmtLeaveReq     uint16 = 0x020A
	zbossCmdZDOPermitJoiningReq uint16 = 0x020B
	zbossCmdZDODevAnnceInd      uint16 = 0x020C
	zbossCmdZDODevAuthorizedInd uint16 = 0x0214
	zbossCmdZDODevUpdateInd     uint16 = 0x0215

	// APS
	zbossCmdAPSDEDataReq uint16 = 0x0301
	zbossCmdAPSDEDataInd uint16 = 0x0306

	// NWK
	zbossCmdNwkFormation        uint16 = 0x0401
	zbossCmdNwkLeaveInd         uint16 = 0x040B
	zbossCmdNwkAddrUpdateInd    uint16 = 0x041C
	zbossCmdNwkStartWithoutForm uint16 = 0x041D

	// Security
	zbossCmdSecurTCLKInd             uint16 = 0x050E
	zbossCmdSecurTCLKExchangeFailInd uint16 = 0x050F
)

var zbossCmdNames = map[uint16]string{
	zbossCmdGetModuleVersion:         "GetModuleVersion",
	zbossCmdNCPReset:                 "NCPReset",
	zbossCmdSetZigbeeRole:            "SetZigbeeRole",
	zbossCmdSetChannelMask:           "SetChannelMask",
	zbossCmdGetChannel:               "GetChannel",
	zbossCmdGetPanID:                 "GetPanID",
	zbossCmdSetPanID:                 "SetPanID",
	zbossCmdGetLocalIEEE:             "GetLocalIEEE",
	zbossCmdSetRxOnWhenIdle:          "SetRxOnWhenIdle",
	zbossCmdSetEDTimeout:             "SetEDTimeout",
	zbossCmdSetNwkKey:                "SetNwkKey",
	zbossCmdGetExtPanID:              "GetExtPanID",
	zbossCmdNCPResetInd:              "NCPResetInd",
	zbossCmdSetTCPolicy:              "SetTCPolicy",
	zbossCmdSetExtPanID:              "SetExtPanID",
	zbossCmdSetMaxChildren:           "SetMaxChildren",
	zbossCmdAFSetSimpleDesc:          "AFSetSimpleDesc",
	zbossCmdZDOSimpleDescReq:         "ZDO_SimpleDesc",
	zbossCmdZDOActiveEPReq:           "ZDO_ActiveEP",
	zbossCmdZDOBindReq:               "ZDO_Bind",
	zbossCmdZDOUnbindReq:             "ZDO_Unbind",
	zbossCmdZDOMgmtLeaveReq:          "ZDO_MgmtLeave",
	zbossCmdZDOPermitJoiningReq:      "ZDO_PermitJoin",
	zbossCmdZDODevAnnceInd:           "ZDO_DevAnnce",
	zbossCmdZDODevAuthorizedInd:      "ZDO_DevAuthorized",
	zbossCmdZDODevUpdateInd:          "ZDO_DevUpdate",
	zbossCmdAPSDEDataReq:             "APSDE_DataReq",
	zbossCmdAPSDEDataInd:             "APSDE_DataInd",
	zbossCmdNwkFormation:             "NwkFormation",
	zbossCmdNwkLeaveInd:              "NwkLeaveInd",
	zbossCmdNwkAddrUpdateInd:         "NwkAddrUpdateInd",
	zbossCmdNwkStartWithoutForm:      "NwkStartWithoutForm",
	zbossCmdSecurTCLKInd:             "SECUR_TCLK_IND",
	zbossCmdSecurTCLKExchangeFailInd: "SECUR_TCLK_EXCHANGE_FAILED_IND",
}

func zbossCmdName(id uint16) string {
	if name, ok := zbossCmdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

func zbossStatusName(cat, code uint8) string {
	if cat == 0 && code == 0 {
		return "OK"
	}
	catName := "Generic"
	switch cat {
	case 2:
		catName = "MAC"
	case 3:
		catName = "NWK"
	case 4:
		catName = "APS"
	case 5:
		catName = "ZDO"
	case 6:
		catName = "CBKE"
	}
	return fmt.Sprintf("%s/%d(0x%02X)", catName, code, code)
}

// ZBOSS DeviceRole: ZC=0, ZR=1, ZED=2.
const zbossRoleCoordinator uint8 = 0x00

// ZDO device update status values.
const (
	zbossDevUpdateSecureRejoin uint8 = 0x00
	zbossDevUpdateUnsecureJoin uint8 = 0x01
	zbossDevUpdateLeft         uint8 = 0x02
	zbossDevUpdateTCRejoin     uint8 = 0x03
)

// SET_TC_POLICY types.
const (
	zbossTCPolicyLinkKeysRequired      uint16 = 0x0000
	zbossTCPolicyICRequired            uint16 = 0x0001
	zbossTCPolicyTCRejoinEnabled       uint16 = 0x0002
	zbossTCPolicyIgnoreTCRejoin        uint16 = 0x0003
	zbossTCPolicyAPSInsecureJoin       uint16 = 0x0004
	zbossTCPolicyDisableNwkMgmtChanUpd uint16 = 0x0005
)

// APSDE address modes.
const (
	zbossAddrModeShort uint8 = 0x02
	zbossAddrModeIEEE  uint8 = 0x03
)

type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8 // request/response only
	StatusCat  uint8 // response only
	StatusCode uint8 // response only
}

// zbossFrame is a parsed LL + HL frame.
type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

func (f *zbossFrame) ok() bool { return f.HL.StatusCat == 0 && f.HL.StatusCode == 0 }

func zbossLLPktSeq(flags uint8) uint8 { return (flags >> zbossFlagPktSeqShift) & 0x03 }
func zbossLLAckSeq(flags uint8) uint8 { return (flags >> zbossFlagAckSeqShift) & 0x03 }
func zbossLLIsACK(flags uint8) bool   { return flags&zbossFlagACK != 0 }

// CRC-8/KOOP over the LL header (reflected poly 0xB2, init 0xFF, xorout 0xFF)
// and CRC-16/KERMIT over the HL body (reflected poly 0x8408, init 0).
var (
	crc8Table  [256]uint8
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

// zbossEncodeRequest builds a complete frame for an HL request.
func zbossEncodeRequest(callID uint16, tsn, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 5+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLRequest
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	copy(hl[5:], payload)
	return zbossEncodeDataFrame(pktSeq, hl)
}

// zbossEncodeResponse builds a complete frame for an HL response. Only the
// NCP sends these; the codec supports them so tests can play the NCP side.
func zbossEncodeResponse(callID uint16, tsn, pktSeq, statusCat, statusCode uint8, payload []byte) []byte {
	hl := make([]byte, 7+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLResponse
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	hl[5] = statusCat
	hl[6] = statusCode
	copy(hl[7:], payload)
	return zbossEncodeDataFrame(pktSeq, hl)
}

// zbossEncodeIndication builds a complete frame for an HL indication.
func zbossEncodeIndication(callID uint16, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 4+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLIndication
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	copy(hl[4:], payload)
	return zbossEncodeDataFrame(pktSeq, hl)
}

// zbossEncodeDataFrame wraps HL data in an LL data frame.
func zbossEncodeDataFrame(pktSeq uint8, hl []byte) []byte {
	// size counts itself, type, flags, crc8 and the body
	llSize := uint16(5 + zbossBodyCRCSize + len(hl))

	flags := uint8(zbossFlagFirstFrag | zbossFlagLastFrag)
	flags |= (pktSeq << zbossFlagPktSeqShift) & zbossFlagPktSeqMask

	frame := make([]byte, 2+int(llSize))
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], llSize)
	frame[4] = zbossLLType
	frame[5] = flags
	frame[6] = zbossCRC8(frame[2:6])
	binary.LittleEndian.PutUint16(frame[7:9], zbossCRC16(hl))
	copy(frame[9:], hl)
	return frame
}

// zbossEncodeACK builds a 7-byte LL ACK frame.
func zbossEncodeACK(ackSeq uint8) []byte {
	frame := make([]byte, zbossLLHeaderSize)
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], 5)
	frame[4] = zbossLLType
	frame[5] = zbossFlagACK | ((ackSeq << zbossFlagAckSeqShift) & zbossFlagAckSeqMask)
	frame[6] = zbossCRC8(frame[2:6])
	return frame
}

// zbossDecodeFrame parses one complete frame as returned by readZBOSSFrame.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature: 0x%02X%02X", data[0], data[1])
	}

	llSize := binary.LittleEndian.Uint16(data[2:4])
	llType := data[4]
	llFlags := data[5]
	if got := zbossCRC8(data[2:6]); data[6] != got {
		return nil, fmt.Errorf("zboss: LL CRC8 mismatch: got 0x%02X, want 0x%02X", data[6], got)
	}
	if llType != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected LL type: 0x%02X", llType)
	}
	if int(llSize)+2 > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", int(llSize)+2, len(data))
	}

	f := &zbossFrame{LL: zbossLLHeader{Length: llSize, Type: llType, Flags: llFlags}}
	if zbossLLIsACK(llFlags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize : 2+int(llSize)]
	if len(body) < zbossBodyCRCSize {
		return nil, fmt.Errorf("zboss: body too short for CRC16: %d bytes", len(body))
	}
	hl := body[zbossBodyCRCSize:]
	if want, got := binary.LittleEndian.Uint16(body[0:2]), zbossCRC16(hl); want != got {
		return nil, fmt.Errorf("zboss: body CRC16 mismatch: got 0x%04X, want 0x%04X", want, got)
	}
	if len(hl) < 4 {
		return nil, fmt.Errorf("zboss: HL data too short: %d bytes", len(hl))
	}

	f.HL.Version = hl[0]
	f.HL.PacketType = hl[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hl[2:4])

	var pos int
	switch f.HL.PacketType {
	case zbossHLRequest:
		if len(hl) < 5 {
			return nil, fmt.Errorf("zboss: request HL too short for TSN")
		}
		f.HL.TSN = hl[4]
		pos = 5
	case zbossHLResponse:
		if len(hl) < 7 {
			return nil, fmt.Errorf("zboss: response HL too short")
		}
		f.HL.TSN = hl[4]
		f.HL.StatusCat = hl[5]
		f.HL.StatusCode = hl[6]
		pos = 7
	case zbossHLIndication:
		pos = 4
	default:
		return nil, fmt.Errorf("zboss: unknown HL packet type: 0x%02X", f.HL.PacketType)
	}

	if pos < len(hl) {
		f.Payload = append([]byte(nil), hl[pos:]...)
	}
	return f, nil
}

// readZBOSSFrame reads one raw frame from the stream. Bytes before the
// DE AD signature are discarded, as are frames with an impossible size.
func readZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != zbossSig1 {
			continue
		}
		_, _ = r.ReadByte()

		var sizeBuf [2]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, err
		}
		size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
		if size < 5 || size > zbossMaxFrameSize {
			continue
		}

		frame := make([]byte, 2+size)
		frame[0], frame[1] = zbossSig0, zbossSig1
		frame[2], frame[3] = sizeBuf[0], sizeBuf[1]
		if _, err := io.ReadFull(r, frame[4:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}
