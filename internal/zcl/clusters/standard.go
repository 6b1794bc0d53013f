// Package clusters holds the cluster definitions spoken by the pulse meters.
package clusters

import "pulsemeter-gateway/internal/zcl"

// All returns every cluster definition the gateway registers at startup.
func All() []zcl.ClusterDef {
	return []zcl.ClusterDef{Basic, PowerConfiguration, OTAUpgrade, Metering, PulseConfig}
}

// RegisterAll loads All into r.
func RegisterAll(r *zcl.Registry) {
	for _, c := range All() {
		r.Register(c)
	}
}
