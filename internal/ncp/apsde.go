package ncp

import (
	"encoding/binary"
	"fmt"
)

const (
	apsReqHeaderSize = 24
	apsIndHeaderSize = 24
	apsDefaultRadius = 30
	apsTxOptionACK   = 0x04
)

// buildAPSDEDataReq builds the APSDE_DATA_REQ payload:
// param_len(1) + data_len(2) + dst_addr(8) + profile(2) + cluster(2) + dst_ep(1) +
// src_ep(1) + radius(1) + addr_mode(1) + tx_options(1) + use_alias(1) +
// alias_src(2) + alias_seq(1) + data.
func buildAPSDEDataReq(dstAddr uint16, dstEP, srcEP uint8, clusterID, profileID uint16, apsData []byte) []byte {
	buf := make([]byte, apsReqHeaderSize+len(apsData))
	buf[0] = apsReqHeaderSize - 3 // excludes param_len and data_len
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(apsData)))
	binary.LittleEndian.PutUint16(buf[3:5], dstAddr) // short address in an 8-byte union
	binary.LittleEndian.PutUint16(buf[11:13], profileID)
	binary.LittleEndian.PutUint16(buf[13:15], clusterID)
	buf[15] = dstEP
	buf[16] = srcEP
	buf[17] = apsDefaultRadius
	buf[18] = zbossAddrModeShort
	buf[19] = apsTxOptionACK
	copy(buf[apsReqHeaderSize:], apsData)
	return buf
}

// apsDataInd is a parsed APSDE_DATA_IND.
type apsDataInd struct {
	SrcAddr   uint16
	SrcEP     uint8
	DstEP     uint8
	ClusterID uint16
	ProfileID uint16
	LQI       uint8
	RSSI      int8
	Data      []byte
}

// parseAPSDEDataInd parses param_len(1) + data_len(2) + aps_fc(1) + src(2) +
// dst(2) + group(2) + dst_ep(1) + src_ep(1) + cluster(2) + profile(2) +
// aps_counter(1) + src_mac(2) + dst_mac(2) + lqi(1) + rssi(1) + key_attr(1) + data.
func parseAPSDEDataInd(payload []byte) (*apsDataInd, error) {
	if len(payload) < apsIndHeaderSize+1 {
		return nil, fmt.Errorf("apsde data ind: too short: %d bytes", len(payload))
	}
	dataLen := int(binary.LittleEndian.Uint16(payload[1:3]))
	if dataLen == 0 || len(payload) < apsIndHeaderSize+dataLen {
		return nil, fmt.Errorf("apsde data ind: data length %d exceeds payload %d", dataLen, len(payload)-apsIndHeaderSize)
	}
	return &apsDataInd{
		SrcAddr:   binary.LittleEndian.Uint16(payload[4:6]),
		DstEP:     payload[10],
		SrcEP:     payload[11],
		ClusterID: binary.LittleEndian.Uint16(payload[12:14]),
		ProfileID: binary.LittleEndian.Uint16(payload[14:16]),
		LQI:       payload[21],
		RSSI:      int8(payload[22]),
		Data:      append([]byte(nil), payload[apsIndHeaderSize:apsIndHeaderSize+dataLen]...),
	}, nil
}

// buildSimpleDescPayload builds the AF_SET_SIMPLE_DESC payload.
func buildSimpleDescPayload(ep uint8, profileID, deviceID uint16, devVersion uint8, inClusters, outClusters []uint16) []byte {
	buf := make([]byte, 8, 8+2*len(inClusters)+2*len(outClusters))
	buf[0] = ep
	binary.LittleEndian.PutUint16(buf[1:3], profileID)
	binary.LittleEndian.PutUint16(buf[3:5], deviceID)
	buf[5] = devVersion
	buf[6] = uint8(len(inClusters))
	buf[7] = uint8(len(outClusters))
	for _, c := range inClusters {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	for _, c := range outClusters {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	return buf
}

// buildBindPayload builds ZDO bind/unbind: nwk_addr(2) + src_ieee(8) + src_ep(1) +
// cluster(2) + dst_addr_mode(1) + dst_ieee(8) + dst_ep(1).
func buildBindPayload(req BindRequest) []byte {
	buf := make([]byte, 23)
	binary.LittleEndian.PutUint16(buf[0:2], req.TargetShortAddr)
	copy(buf[2:10], req.SrcIEEE[:])
	buf[10] = req.SrcEP
	binary.LittleEndian.PutUint16(buf[11:13], req.ClusterID)
	buf[13] = zbossAddrModeIEEE
	copy(buf[14:22], req.DstIEEE[:])
	buf[22] = req.DstEP
	return buf
}

// parseSimpleDescriptor parses ep(1) + profile(2) + device(2) + version(1) +
// in_count(1) + out_count(1) + clusters.
func parseSimpleDescriptor(p []byte) (*SimpleDescriptor, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("zboss: simple desc response too short: %d bytes", len(p))
	}
	sd := &SimpleDescriptor{
		Endpoint:      p[0],
		ProfileID:     binary.LittleEndian.Uint16(p[1:3]),
		DeviceID:      binary.LittleEndian.Uint16(p[3:5]),
		DeviceVersion: p[5],
	}
	inCount, outCount := int(p[6]), int(p[7])
	pos := 8
	for i := 0; i < inCount && pos+2 <= len(p); i++ {
		sd.InClusters = append(sd.InClusters, binary.LittleEndian.Uint16(p[pos:]))
		pos += 2
	}
	for i := 0; i < outCount && pos+2 <= len(p); i++ {
		sd.OutClusters = append(sd.OutClusters, binary.LittleEndian.Uint16(p[pos:]))
		pos += 2
	}
	return sd, nil
}
