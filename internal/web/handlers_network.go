package web

import (
	"context"
	"net/http"
)

const defaultPermitJoinSeconds = 254

type permitJoinRequest struct {
	Duration *int `json:"duration"`
}

// handleAPIPermitJoin opens the network for joining. A missing duration
// means 254 seconds and 0 closes the network.
func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	duration := defaultPermitJoinSeconds
	if req.Duration != nil {
		duration = *req.Duration
	}
	if duration < 0 || duration > 254 {
		s.writeError(w, http.StatusBadRequest, "duration must be 0-254")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.gw.PermitJoin(ctx, uint8(duration)); err != nil {
		s.writeGatewayError(w, "permit join", "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duration": duration})
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.gw.NetworkInfo()
	if devices, err := s.gw.ListDevices(); err == nil {
		info["device_count"] = len(devices)
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleAPIVariants lists the supported models including aliases loaded
// from the devices directory.
func (s *Server) handleAPIVariants(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.DeviceDB().Definitions())
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Registry().All())
}
