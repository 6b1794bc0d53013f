package web

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
)

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
	commandTimeout       = 15 * time.Second
)

// deviceResponse is a stored device plus what the gateway knows about its model.
type deviceResponse struct {
	*store.Device
	Supported  bool                   `json:"supported"`
	Category   pulsemeter.Category    `json:"category,omitempty"`
	Definition *pulsemeter.Definition `json:"definition,omitempty"`
}

func (s *Server) newDeviceResponse(dev *store.Device) deviceResponse {
	resp := deviceResponse{Device: dev}
	db := s.gw.DeviceDB()
	if v, _, ok := db.Resolve(dev.Model); ok {
		def := v.Definition(db.Aliases(v.ID)...)
		resp.Supported = true
		resp.Category = v.Category
		resp.Definition = &def
	}
	return resp
}

// ieeeParam normalizes the {ieee} path value to the stored upper-case form.
func ieeeParam(r *http.Request) string {
	return strings.ToUpper(r.PathValue("ieee"))
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.gw.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].IEEEAddress < devices[j].IEEEAddress })

	out := make([]deviceResponse, 0, len(devices))
	for _, dev := range devices {
		out = append(out, s.newDeviceResponse(dev))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	dev, err := s.gw.GetDevice(ieee)
	if err != nil {
		s.writeGatewayError(w, "get device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.newDeviceResponse(dev))
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	var req renameDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.FriendlyName)
	if strings.ContainsAny(name, "/+#") {
		s.writeError(w, http.StatusBadRequest, "friendly_name must not contain MQTT wildcards or slashes")
		return
	}
	if err := s.gw.RenameDevice(ieee, name); err != nil {
		s.writeGatewayError(w, "rename device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": name})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := s.gw.RemoveDevice(ctx, ieee); err != nil {
		s.writeGatewayError(w, "delete device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIReadings(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	limit := defaultReadingsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReadingsLimit)
	}

	if _, err := s.gw.GetDevice(ieee); err != nil {
		s.writeGatewayError(w, "readings", ieee, err)
		return
	}
	readings, err := s.gw.Readings(ieee, limit)
	if err != nil {
		s.writeGatewayError(w, "readings", ieee, err)
		return
	}
	if readings == nil {
		readings = []*store.Reading{}
	}
	s.writeJSON(w, http.StatusOK, readings)
}

type exposesResponse struct {
	Variant pulsemeter.Variant  `json:"variant"`
	Exposes []pulsemeter.Expose `json:"exposes"`
}

func (s *Server) handleAPIExposes(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	dev, err := s.gw.GetDevice(ieee)
	if err != nil {
		s.writeGatewayError(w, "exposes", ieee, err)
		return
	}
	v, exposes, err := s.gw.ExposesFor(dev)
	if err != nil {
		s.writeGatewayError(w, "exposes", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exposesResponse{Variant: v, Exposes: exposes})
}

// handleAPISet applies each key of the body in sorted order and returns the
// merged state changes. It stops at the first failing key.
func (s *Server) handleAPISet(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	var req map[string]any
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req) == 0 {
		s.writeError(w, http.StatusBadRequest, "no properties to set")
		return
	}

	keys := make([]string, 0, len(req))
	for k := range req {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	state := pulsemeter.State{}
	for _, k := range keys {
		changed, err := s.gw.SetProperty(ctx, ieee, k, req[k])
		if err != nil {
			s.writeGatewayError(w, "set "+k, ieee, err)
			return
		}
		for ck, cv := range changed {
			state[ck] = cv
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "state": state})
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := s.gw.ResetCounter(ctx, ieee); err != nil {
		s.writeGatewayError(w, "reset counter", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIConfigure(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	ctx, cancel := context.WithTimeout(r.Context(), 2*commandTimeout)
	defer cancel()

	if err := s.gw.Reconfigure(ctx, ieee); err != nil {
		s.writeGatewayError(w, "configure", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readAttributesRequest struct {
	Endpoint  uint8    `json:"endpoint"`
	ClusterID uint16   `json:"cluster_id"`
	AttrIDs   []uint16 `json:"attr_ids"`
}

func (s *Server) handleAPIReadAttributes(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	dev, err := s.gw.GetDevice(ieee)
	if err != nil {
		s.writeGatewayError(w, "read attributes", ieee, err)
		return
	}

	req := readAttributesRequest{Endpoint: pulsemeter.PrimaryEndpoint}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AttrIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "attr_ids must not be empty")
		return
	}
	if len(req.AttrIDs) > 50 {
		s.writeError(w, http.StatusBadRequest, "attr_ids limited to 50")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	results, err := s.gw.ReadAttributes(ctx, dev.ShortAddress, req.Endpoint, req.ClusterID, req.AttrIDs)
	if err != nil {
		s.writeGatewayError(w, "read attributes", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

type writeAttributeRequest struct {
	Endpoint  uint8       `json:"endpoint"`
	ClusterID uint16      `json:"cluster_id"`
	AttrID    uint16      `json:"attr_id"`
	Type      uint8       `json:"type"` // zero means the registered type
	Value     interface{} `json:"value"`
}

func (s *Server) handleAPIWriteAttribute(w http.ResponseWriter, r *http.Request) {
	ieee := ieeeParam(r)
	dev, err := s.gw.GetDevice(ieee)
	if err != nil {
		s.writeGatewayError(w, "write attribute", ieee, err)
		return
	}

	req := writeAttributeRequest{Endpoint: pulsemeter.PrimaryEndpoint}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == nil {
		s.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.gw.WriteAttribute(ctx, dev.ShortAddress, req.Endpoint, req.ClusterID, req.AttrID, req.Type, req.Value); err != nil {
		s.writeGatewayError(w, "write attribute", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bindRequest struct {
	Endpoint  uint8                  `json:"endpoint"`
	ClusterID uint16                 `json:"cluster_id"`
	Target    coordinator.BindTarget `json:"target"` // empty IEEE means the coordinator
}

func (s *Server) handleAPIBind(bind bool) http.HandlerFunc {
	op := "unbind"
	if bind {
		op = "bind"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ieee := ieeeParam(r)
		req := bindRequest{Endpoint: pulsemeter.PrimaryEndpoint}
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Target.IEEE = strings.ToUpper(req.Target.IEEE)

		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		do := s.gw.Unbind
		if bind {
			do = s.gw.Bind
		}
		if err := do(ctx, ieee, req.Endpoint, req.ClusterID, req.Target); err != nil {
			s.writeGatewayError(w, op, ieee, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
