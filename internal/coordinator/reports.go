package coordinator

import (
	"fmt"
	"maps"
	"time"

	"pulsemeter-gateway/internal/ncp"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// HandleAttributeReport processes the records of one inbound report frame.
func (dm *DeviceManager) HandleAttributeReport(evt ncp.AttributeReportEvent) {
	entry := dm.lookupOrRebuild(evt.SrcAddr)
	attrs := decodeRecords(evt.Records)

	dm.coord.Events().Emit(Event{
		Type: EventAttributeReport,
		Data: map[string]interface{}{
			"ieee":         entry.ieee,
			"short_addr":   evt.SrcAddr,
			"endpoint":     evt.SrcEP,
			"cluster_id":   evt.ClusterID,
			"cluster_name": dm.clusterName(evt.ClusterID),
			"attributes":   dm.namedAttributes(evt.ClusterID, attrs),
		},
	})

	if entry.ieee == "" {
		dm.logger.Debug("report from unknown device", "short", fmt.Sprintf("0x%04X", evt.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", evt.ClusterID))
		return
	}
	dm.applyReport(entry, evt.ClusterID, attrs, evt.LQI, evt.RSSI)
}

// applyReport runs decoded attributes through the conversion pipeline, merges
// the result into the device state and records a reading.
func (dm *DeviceManager) applyReport(entry addrEntry, clusterID uint16, attrs map[uint16]any, lqi uint8, rssi int8) {
	var (
		reading  pulsemeter.Reading
		snapshot store.Device
		variant  pulsemeter.Variant
		dropped  error
	)
	now := time.Now()
	err := dm.coord.Store().UpdateDevice(entry.ieee, func(d *store.Device) error {
		d.LastSeen = now
		if lqi > 0 {
			d.LQI = lqi
			d.RSSI = rssi
		}
		variant, _ = dm.variantOf(d)

		switch clusterID {
		case clusters.MeteringID:
			var cached pulsemeter.Scale
			if d.Metering != nil {
				cached = pulsemeter.Scale{Multiplier: d.Metering.Multiplier, Divisor: d.Metering.Divisor}
			}
			id := pulsemeter.Identity{ResultModel: variant.ID, DeviceModel: d.Model, MessageModel: entry.model}
			res := pulsemeter.Normalize(func() (pulsemeter.Reading, error) {
				return pulsemeter.DecodeMetering(attrs, cached)
			}, id, dm.logger.With("ieee", entry.ieee))
			if res.Ok() {
				reading = res.Reading
			}
			dropped = res.Err
			if scale, err := mergeMeteringScale(d.Metering, attrs); err == nil {
				d.Metering = scale
			}
		case clusters.PowerConfigurationID:
			reading = pulsemeter.DecodeBattery(attrs)
		case clusters.BasicID:
			if code, ok := zcl.ToUint64(attrs[clusters.AttrBasicPowerSource]); ok {
				c := uint8(code)
				d.PowerSource = &c
			}
		}

		if len(reading) > 0 {
			if d.State == nil {
				d.State = make(map[string]any, len(reading))
			}
			maps.Copy(d.State, reading)
		}
		snapshot = *d
		snapshot.State = maps.Clone(d.State)
		return nil
	})
	if err != nil {
		dm.logger.Warn("apply report", "err", err, "ieee", entry.ieee)
		return
	}

	if dropped != nil {
		dm.coord.Events().Emit(Event{
			Type: EventReadingDropped,
			Data: map[string]interface{}{"ieee": entry.ieee, "error": dropped.Error()},
		})
	}
	if len(reading) == 0 {
		return
	}

	rec := readingRecord(entry.ieee, now, reading, snapshot.LQI)
	if err := dm.coord.Store().AppendReading(rec); err != nil {
		dm.logger.Error("append reading", "err", err, "ieee", entry.ieee)
	}

	name := deviceName(&snapshot)
	if name == "" {
		name = entry.ieee
	}
	dm.logger.Info("reading", "ieee", entry.ieee, "name", name, "values", map[string]any(reading))
	dm.coord.Events().Emit(Event{
		Type: EventReadingUpdate,
		Data: ReadingUpdate{
			IEEE:     entry.ieee,
			Name:     name,
			Model:    snapshot.Model,
			Category: variant.Category,
			Reading:  reading,
			State:    snapshot.State,
			LQI:      snapshot.LQI,
			Time:     now,
		},
	})
}

func readingRecord(ieee string, t time.Time, r pulsemeter.Reading, lqi uint8) *store.Reading {
	rec := &store.Reading{IEEE: ieee, Time: t, LQI: lqi}
	if v, ok := r.Float(pulsemeter.KeyEnergy); ok {
		rec.Energy = &v
	}
	if v, ok := r.Float(pulsemeter.KeyPower); ok {
		rec.Power = &v
	}
	if v, ok := r.Float(pulsemeter.KeyBattery); ok {
		rec.Battery = &v
	}
	if v, ok := r.Float(pulsemeter.KeyVoltage); ok {
		rec.Voltage = &v
	}
	return rec
}

// mergeMeteringScale folds scale related metering attributes into the stored
// scale. The input is not modified.
func mergeMeteringScale(cur *store.MeteringScale, attrs map[uint16]any) (*store.MeteringScale, error) {
	out := store.MeteringScale{}
	if cur != nil {
		out = *cur
	}
	scale, err := pulsemeter.Scale{Multiplier: out.Multiplier, Divisor: out.Divisor}.Merge(attrs)
	if err != nil {
		return cur, err
	}
	out.Multiplier, out.Divisor = scale.Multiplier, scale.Divisor
	if v, ok := zcl.ToUint64(attrs[clusters.AttrSummationFormatting]); ok {
		out.SummationFormatting = uint8(v)
	}
	if v, ok := zcl.ToUint64(attrs[clusters.AttrDemandFormatting]); ok {
		out.DemandFormatting = uint8(v)
	}
	if v, ok := zcl.ToUint64(attrs[clusters.AttrUnitOfMeasure]); ok {
		out.UnitOfMeasure = uint8(v)
	}
	if cur == nil && out == (store.MeteringScale{}) {
		return nil, nil
	}
	return &out, nil
}

func (dm *DeviceManager) clusterName(id uint16) string {
	if reg := dm.coord.Registry(); reg != nil {
		if c := reg.Get(id); c != nil {
			return c.Name
		}
	}
	return fmt.Sprintf("0x%04X", id)
}

func (dm *DeviceManager) namedAttributes(clusterID uint16, attrs map[uint16]any) map[string]any {
	out := make(map[string]any, len(attrs))
	reg := dm.coord.Registry()
	for id, v := range attrs {
		name := fmt.Sprintf("0x%04X", id)
		if reg != nil {
			if def, ok := reg.Attribute(clusterID, id); ok {
				name = def.Name
			}
		}
		out[name] = v
	}
	return out
}
