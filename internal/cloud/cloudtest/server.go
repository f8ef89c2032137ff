// Package cloudtest runs an in-process fake of the vendor cloud: discovery,
// identity provider, credential exchange and the signed API, with request
// recording and scripted failures.
package cloudtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Request kinds recorded by the server.
const (
	KindDiscovery = "discovery"
	KindIdentity  = "identity"
	KindExchange  = "exchange"
	KindAPI       = "api"
)

const (
	discoveryPath = "/v1/app/discover"
	identityPath  = "/accounts.login"
	exchangePath  = "/unauth/v1/login/account"
	apiPrefix     = "/auth/v1/"
)

// CredentialSet is one set of temporary credentials issued by the exchange.
type CredentialSet struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
}

// Request is a recorded inbound request.
type Request struct {
	Kind     string
	Method   string
	Path     string // for KindAPI, relative to the versioned API base
	RawQuery string
	Header   http.Header
	Body     []byte
}

type route struct {
	status int
	body   string
}

// Server is a fake vendor cloud. Configure the exported fields before the
// first request.
type Server struct {
	*httptest.Server

	Username     string
	Password     string
	APIKey       string
	Region       string
	MQTTEndpoint string
	TopicPrefix  string

	mu          sync.Mutex
	discovery   map[string]any
	credentials []CredentialSet
	issued      int
	routes      map[string]route
	failures    map[string][]int
	requests    []Request
}

// NewServer starts a fake cloud that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Username:     "test@example.com",
		Password:     "test_password",
		APIKey:       "gigya-key",
		Region:       "us-east-1",
		MQTTEndpoint: "iot.example.com",
		TopicPrefix:  "v011-irbthbu",
		credentials:  []CredentialSet{{AccessKeyID: "AK1", SecretKey: "SK1", SessionToken: "T1"}},
		routes:       make(map[string]route),
		failures:     make(map[string][]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// DiscoveryURL is the discovery endpoint of the fake.
func (s *Server) DiscoveryURL() string { return s.URL + discoveryPath }

// IdentityURL is the identity-provider login endpoint of the fake.
func (s *Server) IdentityURL() string { return s.URL + identityPath }

// AuthBaseURL is the httpBaseAuth value the fake advertises.
func (s *Server) AuthBaseURL() string { return s.URL + "/auth" }

// SetDiscovery replaces the generated discovery document.
func (s *Server) SetDiscovery(doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovery = doc
}

// DefaultDiscovery returns the discovery document the fake serves by default.
func (s *Server) DefaultDiscovery() map[string]any {
	return map[string]any{
		"gigya":        map[string]any{"api_key": s.APIKey, "datacenter_domain": "us1.gigya.com"},
		"httpBaseAuth": s.URL + "/auth",
		"httpBase":     s.URL + "/unauth",
		"awsRegion":    s.Region,
		"mqtt":         s.MQTTEndpoint,
		"irbtTopics":   s.TopicPrefix,
	}
}

// SetCredentials sets the credential sets issued by successive exchanges;
// the last one repeats.
func (s *Server) SetCredentials(sets ...CredentialSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = sets
	s.issued = 0
}

// Handle registers a 200 JSON response for an API path relative to the
// versioned base, e.g. "user/associations/robots".
func (s *Server) Handle(method, path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+path] = route{status: http.StatusOK, body: body}
}

// FailNext makes the next len(statuses) calls to an API path answer with
// the given statuses before the registered response is served again.
func (s *Server) FailNext(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], statuses...)
}

// Requests returns a copy of every recorded request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns how many requests of kind were received.
func (s *Server) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// APIRequests returns the recorded API requests for one path.
func (s *Server) APIRequests(method, path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Kind == KindAPI && r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}

	switch {
	case r.URL.Path == discoveryPath:
		rec.Kind = KindDiscovery
		s.record(rec)
		s.serveDiscovery(w)
	case r.URL.Path == identityPath:
		rec.Kind = KindIdentity
		s.record(rec)
		s.serveIdentity(w, r, body)
	case r.URL.Path == exchangePath:
		rec.Kind = KindExchange
		s.record(rec)
		s.serveExchange(w, body)
	case strings.HasPrefix(r.URL.Path, apiPrefix):
		rec.Kind = KindAPI
		rec.Path = strings.TrimPrefix(r.URL.Path, apiPrefix)
		s.record(rec)
		s.serveAPI(w, r.Method, rec.Path)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) record(r Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
}

func (s *Server) serveDiscovery(w http.ResponseWriter) {
	s.mu.Lock()
	doc := s.discovery
	s.mu.Unlock()
	if doc == nil {
		doc = s.DefaultDiscovery()
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) serveIdentity(w http.ResponseWriter, r *http.Request, body []byte) {
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"errorCode": 400001, "errorMessage": "Invalid request"})
		return
	}
	if r.PostForm.Get("ApiKey") != s.APIKey {
		writeJSON(w, http.StatusOK, map[string]any{"errorCode": 400093, "errorMessage": "Invalid ApiKey parameter"})
		return
	}
	if r.PostForm.Get("loginID") != s.Username || r.PostForm.Get("password") != s.Password {
		writeJSON(w, http.StatusOK, map[string]any{"errorCode": 403042, "errorMessage": "Invalid LoginID"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"UID":                "uid-1",
		"UIDSignature":       "sig-1",
		"signatureTimestamp": "1571613647",
	})
}

func (s *Server) serveExchange(w http.ResponseWriter, body []byte) {
	var req struct {
		Signature string `json:"signature"`
		Timestamp string `json:"timestamp"`
		UID       string `json:"uid"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.UID != "uid-1" || req.Signature != "sig-1" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errorMessage": "invalid signature"})
		return
	}

	s.mu.Lock()
	idx := s.issued
	if idx >= len(s.credentials) {
		idx = len(s.credentials) - 1
	}
	s.issued++
	set := s.credentials[idx]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": map[string]any{
			"AccessKeyId":  set.AccessKeyID,
			"SecretKey":    set.SecretKey,
			"SessionToken": set.SessionToken,
			"Expiration":   "2099-01-01T00:00:00Z",
		},
	})
}

func (s *Server) serveAPI(w http.ResponseWriter, method, path string) {
	key := method + " " + path
	s.mu.Lock()
	if queued := s.failures[key]; len(queued) > 0 {
		status := queued[0]
		s.failures[key] = queued[1:]
		s.mu.Unlock()
		writeJSON(w, status, map[string]any{"message": http.StatusText(status)})
		return
	}
	rt, ok := s.routes[key]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": fmt.Sprintf("no route %s", key)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rt.status)
	io.WriteString(w, rt.body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
