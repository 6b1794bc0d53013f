package coordinator

import (
	"context"
	"fmt"

	"pulsemeter-gateway/internal/ncp"
	"pulsemeter-gateway/internal/zcl"
)

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16      `json:"attr_id"`
	AttrName string      `json:"attr_name"`
	TypeID   uint8       `json:"type_id"`
	TypeName string      `json:"type_name"`
	Value    interface{} `json:"value"`
	Status   uint8       `json:"status"`
	Error    string      `json:"error,omitempty"`
}

// ReadAttributes reads attributes from a device endpoint/cluster. Vendor
// clusters known to the registry are read with their manufacturer code.
func (c *Coordinator) ReadAttributes(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]AttributeResult, error) {
	cluster := c.registry.Get(clusterID)
	var mfg uint16
	if cluster != nil {
		mfg = cluster.ManufacturerCode
	}

	records, err := c.ncp.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:          shortAddr,
		DstEP:            endpoint,
		ClusterID:        clusterID,
		AttrIDs:          attrIDs,
		ManufacturerCode: mfg,
	})
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	results := make([]AttributeResult, 0, len(records))
	for _, r := range records {
		result := AttributeResult{
			AttrID:   r.AttrID,
			Status:   r.Status,
			TypeID:   r.DataType,
			TypeName: zcl.TypeName(r.DataType),
			AttrName: fmt.Sprintf("0x%04X", r.AttrID),
		}
		if cluster != nil {
			if attr := cluster.FindAttribute(r.AttrID); attr != nil {
				result.AttrName = attr.Name
			}
		}
		if r.Status != zcl.StatusSuccess {
			result.Error = fmt.Sprintf("status 0x%02X", r.Status)
		} else if val, err := r.Decode(); err != nil {
			result.Error = err.Error()
		} else {
			result.Value = val
		}
		results = append(results, result)
	}
	return results, nil
}

// WriteAttribute writes a single attribute value. The data type falls back
// to the registry definition when zero, and the manufacturer code to the
// attribute's own.
func (c *Coordinator) WriteAttribute(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID, attrID uint16, dataType uint8, value interface{}) error {
	var mfg uint16
	if def, ok := c.registry.Attribute(clusterID, attrID); ok {
		if dataType == 0 {
			dataType = def.Type
		}
		mfg = def.ManufacturerCode
	}
	if dataType == 0 {
		return fmt.Errorf("write attribute 0x%04X/0x%04X: unknown data type", clusterID, attrID)
	}
	encoded, err := zcl.EncodeValue(dataType, value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return c.ncp.WriteAttributes(ctx, ncp.WriteAttributesRequest{
		DstAddr:          shortAddr,
		DstEP:            endpoint,
		ClusterID:        clusterID,
		Records:          []zcl.AttributeRecord{{AttrID: attrID, DataType: dataType, Value: encoded}},
		ManufacturerCode: mfg,
	})
}
