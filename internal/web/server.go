// Package web serves a local JSON API over the cloud client and the command
// dispatcher, for home-automation integrations.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"irbt-go/internal/cloud"
	"irbt-go/internal/shadow"
	"irbt-go/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed cross-origin and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithStore serves cached statuses from st and keeps active maps in it.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
		s.maps = st
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the local API.
type Server struct {
	dir            *cloud.Directory
	client         *cloud.Client
	disp           *shadow.Dispatcher
	maps           cloud.ActiveMapStore
	store          store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup

	// cmdMu serializes command dispatch. All connections share one MQTT
	// client id, so the broker drops an older connection when a new one
	// opens.
	cmdMu    sync.Mutex
	sessMu   sync.Mutex
	sessions map[string]*shadow.Session
	stopped  bool
}

// NewServer creates a new API server.
func NewServer(dir *cloud.Directory, client *cloud.Client, disp *shadow.Dispatcher, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		dir:      dir,
		client:   client,
		disp:     disp,
		maps:     cloud.NewMemoryMapStore(),
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
		sessions: make(map[string]*shadow.Session),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.routes()
	return s
}

// Stop disconnects open device sessions, shuts down the WebSocket hub and
// waits for goroutines.
func (s *Server) Stop() {
	s.sessMu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*shadow.Session)
	s.stopped = true
	s.sessMu.Unlock()
	for _, sess := range sessions {
		sess.Disconnect()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/maps", s.handleAPIListMaps)
	s.mux.HandleFunc("GET /api/devices/{id}/rooms", s.handleAPIListRooms)
	s.mux.HandleFunc("GET /api/devices/{id}/missions", s.handleAPIMissions)
	s.mux.HandleFunc("GET /api/devices/{id}/evacuations", s.handleAPIEvacuations)
	s.mux.HandleFunc("GET /api/devices/{id}/timeline", s.handleAPITimeline)
	s.mux.HandleFunc("GET /api/devices/{id}/map", s.handleAPIVectorMap)
	s.mux.HandleFunc("GET /api/devices/{id}/status", s.handleAPIGetStatus)
	s.mux.HandleFunc("POST /api/devices/{id}/command", s.handleAPISendCommand)
	s.mux.HandleFunc("DELETE /api/devices/{id}/session", s.handleAPICloseSession)
	s.mux.HandleFunc("GET /api/status", s.handleAPIListStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers from a browser, so
	// only /api/ is key-protected; /ws relies on the origin check.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) robot(id string) *cloud.Robot {
	return cloud.NewRobot(s.client, id, s.maps)
}

// activeMap returns the cached active map of a device, listing the maps
// once when nothing is cached yet.
func (s *Server) activeMap(ctx context.Context, robot *cloud.Robot) (cloud.ActiveMap, error) {
	active, ok, err := robot.ActiveMap()
	if err != nil {
		return cloud.ActiveMap{}, err
	}
	if ok {
		return active, nil
	}
	listing, err := robot.ListMaps(ctx)
	if err != nil {
		return cloud.ActiveMap{}, err
	}
	if listing.Active == nil {
		return cloud.ActiveMap{}, nil
	}
	return *listing.Active, nil
}

// Dispatch sends cmd to a robot, replacing its open session. Room ids
// resolve against the active map. The initial status is broadcast to
// WebSocket clients and returned with the session.
func (s *Server) Dispatch(ctx context.Context, deviceID string, cmd shadow.Command, rooms string) (*shadow.Session, shadow.Snapshot, error) {
	var active cloud.ActiveMap
	if cmd == shadow.CommandStart && rooms != "" {
		var err error
		if active, err = s.activeMap(ctx, s.robot(deviceID)); err != nil {
			return nil, shadow.Snapshot{}, fmt.Errorf("resolve active map: %w", err)
		}
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if prev := s.takeSession(deviceID); prev != nil {
		prev.Disconnect()
	}
	sess, err := s.disp.Send(ctx, deviceID, cmd, rooms, active)
	if err != nil {
		return nil, shadow.Snapshot{}, err
	}

	snap, _ := sess.Status()
	s.wsHub.Broadcast(newStatusEvent(snap.DeviceID, snap.Delta, snap.Reported, snap.ReceivedAt))
	if !s.adopt(sess) {
		sess.Disconnect()
	}
	return sess, snap, nil
}

// takeSession removes and returns the open session of a device.
func (s *Server) takeSession(deviceID string) *shadow.Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	prev := s.sessions[deviceID]
	delete(s.sessions, deviceID)
	return prev
}

// adopt records sess as the open session of its device and starts relaying
// its deltas. It reports false, leaving sess untouched, once Stop was called.
func (s *Server) adopt(sess *shadow.Session) bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.stopped {
		return false
	}
	s.sessions[sess.DeviceID()] = sess
	s.relay(sess)
	return true
}

func (s *Server) session(deviceID string) *shadow.Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessions[deviceID]
}

// relay forwards the deltas of sess to WebSocket clients until the session
// is disconnected.
func (s *Server) relay(sess *shadow.Session) {
	sub := sess.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for snap := range sub.C {
			s.wsHub.Broadcast(newStatusEvent(snap.DeviceID, snap.Delta, snap.Reported, snap.ReceivedAt))
		}
	}()
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
