package clusters

import "pulsemeter-gateway/internal/zcl"

const (
	MeteringID                    uint16 = 0x0702
	AttrCurrentSummationDelivered uint16 = 0x0000
	AttrUnitOfMeasure             uint16 = 0x0300
	AttrMultiplier                uint16 = 0x0301
	AttrDivisor                   uint16 = 0x0302
	AttrSummationFormatting       uint16 = 0x0303
	AttrDemandFormatting          uint16 = 0x0304
	AttrMeteringDeviceType        uint16 = 0x0306
	AttrInstantaneousDemand       uint16 = 0x0400
)

var Metering = zcl.ClusterDef{
	ID:   MeteringID,
	Name: "seMetering",
	Attributes: []zcl.AttributeDef{
		{ID: AttrCurrentSummationDelivered, Name: "currentSummDelivered", Type: zcl.TypeUint48, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0200, Name: "status", Type: zcl.TypeBitmap8, Access: zcl.AccessRead},
		{ID: AttrUnitOfMeasure, Name: "unitOfMeasure", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
		{ID: AttrMultiplier, Name: "multiplier", Type: zcl.TypeUint24, Access: zcl.AccessRead},
		{ID: AttrDivisor, Name: "divisor", Type: zcl.TypeUint24, Access: zcl.AccessRead},
		{ID: AttrSummationFormatting, Name: "summationFormatting", Type: zcl.TypeBitmap8, Access: zcl.AccessRead},
		{ID: AttrDemandFormatting, Name: "demandFormatting", Type: zcl.TypeBitmap8, Access: zcl.AccessRead},
		{ID: AttrMeteringDeviceType, Name: "meteringDeviceType", Type: zcl.TypeBitmap8, Access: zcl.AccessRead},
		{ID: AttrInstantaneousDemand, Name: "instantaneousDemand", Type: zcl.TypeInt24, Access: zcl.AccessRead | zcl.AccessReport},
	},
}
