package coordinator

import (
	"context"
	"fmt"

	"pulsemeter-gateway/internal/ncp"
)

// BindTarget names one side of a binding by IEEE address and endpoint.
type BindTarget struct {
	IEEE     string `json:"ieee"`
	Endpoint uint8  `json:"endpoint"`
}

func (c *Coordinator) bindRequest(ieee string, src BindTarget, clusterID uint16, dst BindTarget) (ncp.BindRequest, error) {
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return ncp.BindRequest{}, err
	}
	srcAddr, err := ParseIEEE(src.IEEE)
	if err != nil {
		return ncp.BindRequest{}, fmt.Errorf("parse src ieee: %w", err)
	}
	var dstAddr [8]byte
	if dst.IEEE == "" {
		dstAddr = c.LocalIEEE()
		if dst.Endpoint == 0 {
			dst.Endpoint = 1
		}
	} else if dstAddr, err = ParseIEEE(dst.IEEE); err != nil {
		return ncp.BindRequest{}, fmt.Errorf("parse dst ieee: %w", err)
	}
	return ncp.BindRequest{
		TargetShortAddr: dev.ShortAddress,
		SrcIEEE:         srcAddr,
		SrcEP:           src.Endpoint,
		ClusterID:       clusterID,
		DstIEEE:         dstAddr,
		DstEP:           dst.Endpoint,
	}, nil
}

// Bind creates a binding on the device ieee. An empty destination IEEE binds
// to the coordinator.
func (c *Coordinator) Bind(ctx context.Context, ieee string, srcEP uint8, clusterID uint16, dst BindTarget) error {
	req, err := c.bindRequest(ieee, BindTarget{IEEE: ieee, Endpoint: srcEP}, clusterID, dst)
	if err != nil {
		return err
	}
	if err := c.ncp.Bind(ctx, req); err != nil {
		return fmt.Errorf("bind 0x%04X: %w", clusterID, err)
	}
	c.logger.Info("bound cluster", "ieee", ieee, "ep", srcEP, "cluster", fmt.Sprintf("0x%04X", clusterID))
	return nil
}

// Unbind removes a binding from the device ieee.
func (c *Coordinator) Unbind(ctx context.Context, ieee string, srcEP uint8, clusterID uint16, dst BindTarget) error {
	req, err := c.bindRequest(ieee, BindTarget{IEEE: ieee, Endpoint: srcEP}, clusterID, dst)
	if err != nil {
		return err
	}
	if err := c.ncp.Unbind(ctx, req); err != nil {
		return fmt.Errorf("unbind 0x%04X: %w", clusterID, err)
	}
	c.logger.Info("unbound cluster", "ieee", ieee, "ep", srcEP, "cluster", fmt.Sprintf("0x%04X", clusterID))
	return nil
}
