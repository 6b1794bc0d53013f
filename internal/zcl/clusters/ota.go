package clusters

import "pulsemeter-gateway/internal/zcl"

const (
	OTAUpgradeID                 uint16 = 0x0019
	CmdOTAQueryNextImageRequest  uint8  = 0x01
	CmdOTAQueryNextImageResponse uint8  = 0x02
)

var OTAUpgrade = zcl.ClusterDef{
	ID:   OTAUpgradeID,
	Name: "genOta",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "upgradeServerId", Type: zcl.TypeEUI64, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "currentFileVersion", Type: zcl.TypeUint32, Access: zcl.AccessRead},
		{ID: 0x0006, Name: "imageUpgradeStatus", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
	},
	Commands: []zcl.CommandDef{
		{ID: CmdOTAQueryNextImageRequest, Name: "queryNextImageRequest", Direction: zcl.DirectionToServer},
		{ID: CmdOTAQueryNextImageResponse, Name: "queryNextImageResponse", Direction: zcl.DirectionToClient},
	},
}
