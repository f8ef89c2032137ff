package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"irbt-go/internal/cloud"
	"irbt-go/internal/shadow"
	"irbt-go/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.dir.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, "list devices", err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.dir.Device(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type mapListingResponse struct {
	Active *cloud.ActiveMap `json:"active"`
	Maps   []cloud.Map      `json:"maps"`
}

func (s *Server) handleAPIListMaps(w http.ResponseWriter, r *http.Request) {
	listing, err := s.robot(r.PathValue("id")).ListMaps(r.Context())
	if err != nil {
		s.writeError(w, "list maps", err)
		return
	}
	s.writeJSON(w, http.StatusOK, mapListingResponse{Active: listing.Active, Maps: listing.Maps})
}

func (s *Server) handleAPIListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.robot(r.PathValue("id")).Rooms(r.Context())
	if err != nil {
		s.writeError(w, "list rooms", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleAPIMissions(w http.ResponseWriter, r *http.Request) {
	raw, err := s.robot(r.PathValue("id")).Missions(r.Context())
	if err != nil {
		s.writeError(w, "missions", err)
		return
	}
	s.writeRaw(w, raw)
}

func (s *Server) handleAPIEvacuations(w http.ResponseWriter, r *http.Request) {
	raw, err := s.robot(r.PathValue("id")).EvacuationHistory(r.Context())
	if err != nil {
		s.writeError(w, "evacuations", err)
		return
	}
	s.writeRaw(w, raw)
}

func (s *Server) handleAPITimeline(w http.ResponseWriter, r *http.Request) {
	raw, err := s.robot(r.PathValue("id")).Timeline(r.Context())
	if err != nil {
		s.writeError(w, "timeline", err)
		return
	}
	s.writeRaw(w, raw)
}

// handleAPIVectorMap serves the map geometry. map_id and version_id
// default to the cached active map.
func (s *Server) handleAPIVectorMap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw, err := s.robot(r.PathValue("id")).VectorMap(r.Context(), q.Get("map_id"), q.Get("version_id"))
	if err != nil {
		s.writeError(w, "vector map", err)
		return
	}
	s.writeRaw(w, raw)
}

type statusResponse struct {
	DeviceID   string         `json:"device_id"`
	Delta      bool           `json:"delta"`
	Reported   map[string]any `json:"reported"`
	ReceivedAt time.Time      `json:"received_at"`
	Session    string         `json:"session,omitempty"`
}

// handleAPIGetStatus serves the cached status. Without a store it falls
// back to the snapshot of the open session.
func (s *Server) handleAPIGetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := statusResponse{DeviceID: id}
	sess := s.session(id)
	if sess != nil {
		resp.Session = sess.State().String()
	}

	if s.store != nil {
		rec, err := s.store.GetStatus(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no status recorded"})
				return
			}
			s.writeError(w, "get status", err)
			return
		}
		resp.Delta, resp.Reported, resp.ReceivedAt = rec.Delta, rec.Reported, rec.ReceivedAt
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	if sess == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no status recorded"})
		return
	}
	snap, ok := sess.Status()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no status recorded"})
		return
	}
	resp.Delta, resp.Reported, resp.ReceivedAt = snap.Delta, snap.Reported, snap.ReceivedAt
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIListStatus(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []statusResponse{})
		return
	}
	recs, err := s.store.ListStatus()
	if err != nil {
		s.writeError(w, "list status", err)
		return
	}
	out := make([]statusResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, statusResponse{
			DeviceID:   rec.DeviceID,
			Delta:      rec.Delta,
			Reported:   rec.Reported,
			ReceivedAt: rec.ReceivedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type commandRequest struct {
	Command string `json:"command"`
	Rooms   string `json:"rooms"`
}

type commandResponse struct {
	DeviceID   string          `json:"device_id"`
	Command    string          `json:"command"`
	State      string          `json:"state"`
	Reconnects int             `json:"reconnects"`
	Summary    json.RawMessage `json:"summary"`
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	cmd, err := shadow.ParseCommand(req.Command)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sess, snap, err := s.Dispatch(r.Context(), id, cmd, req.Rooms)
	if err != nil {
		s.writeError(w, "send command", err)
		return
	}

	resp := commandResponse{
		DeviceID:   id,
		Command:    string(cmd),
		State:      sess.State().String(),
		Reconnects: sess.Reconnects(),
		Summary:    snap.SummaryJSON(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPICloseSession(w http.ResponseWriter, r *http.Request) {
	sess := s.takeSession(r.PathValue("id"))
	if sess == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no open session"})
		return
	}
	sess.Disconnect()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps client and dispatcher errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	var (
		reqErr   *cloud.RequestError
		pubErr   *shadow.PublishError
		rejected *shadow.ShadowRejectedError
	)
	switch {
	case errors.Is(err, cloud.ErrDeviceNotFound), errors.Is(err, cloud.ErrNoDeviceFound):
		status = http.StatusNotFound
	case errors.Is(err, cloud.ErrMissingParameter), errors.Is(err, cloud.ErrNoActiveMap), errors.Is(err, shadow.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, cloud.ErrNotImplemented):
		status = http.StatusNotImplemented
	case errors.Is(err, shadow.ErrStatusTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &reqErr), errors.As(err, &pubErr), errors.As(err, &rejected),
		errors.Is(err, shadow.ErrConnection), errors.Is(err, cloud.ErrAuthentication):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Debug(op, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}
