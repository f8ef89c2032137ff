package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"irbt-go/internal/cloud/cloudtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(srv *cloudtest.Server, username, password string) *Session {
	return NewSession(username, password,
		WithDiscoveryURL(srv.DiscoveryURL()),
		WithIdentityURL(srv.IdentityURL()),
		WithHTTPClient(srv.Client()),
		WithLogger(testLogger()),
	)
}

func loggedIn(t *testing.T, srv *cloudtest.Server) *Session {
	t.Helper()
	s := newTestSession(srv, srv.Username, srv.Password)
	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	return s
}

func TestLoginInstallsCredentials(t *testing.T) {
	srv := cloudtest.NewServer(t)
	s := loggedIn(t, srv)

	disc, creds, err := s.Current()
	if err != nil {
		t.Fatal(err)
	}
	if creds.AccessKeyID != "AK1" || creds.SecretKey != "SK1" || creds.SessionToken != "T1" {
		t.Errorf("credentials = %+v", creds)
	}
	if creds.Region != "us-east-1" {
		t.Errorf("region = %q", creds.Region)
	}
	if creds.Service != "execute-api" {
		t.Errorf("service = %q", creds.Service)
	}
	if want := strings.TrimPrefix(srv.URL, "http://"); creds.Host != want {
		t.Errorf("host = %q, want %q", creds.Host, want)
	}
	if disc.MQTTEndpoint != "iot.example.com" || disc.TopicPrefix != "v011-irbthbu" {
		t.Errorf("discovery = %+v", disc)
	}
	if disc.AuthBaseURL != srv.AuthBaseURL() {
		t.Errorf("auth base = %q, want %q", disc.AuthBaseURL, srv.AuthBaseURL())
	}
	if s.Logins() != 1 {
		t.Errorf("logins = %d, want 1", s.Logins())
	}
}

func TestLoginSendsDiscoveryCountryAndExchangeFields(t *testing.T) {
	srv := cloudtest.NewServer(t)
	s := NewSession(srv.Username, srv.Password,
		WithDiscoveryURL(srv.DiscoveryURL()),
		WithIdentityURL(srv.IdentityURL()),
		WithHTTPClient(srv.Client()),
		WithCountryCode("DE"),
		WithAppID("APP-1"),
		WithLogger(testLogger()),
	)
	if err := s.Login(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, r := range srv.Requests() {
		switch r.Kind {
		case cloudtest.KindDiscovery:
			if r.RawQuery != "country_code=DE" {
				t.Errorf("discovery query = %q", r.RawQuery)
			}
		case cloudtest.KindIdentity:
			body := string(r.Body)
			for _, want := range []string{"targetEnv=mobile", "sessionExpiration=-2", "ctag=webbridge", "ApiKey=gigya-key"} {
				if !strings.Contains(body, want) {
					t.Errorf("identity body %q missing %q", body, want)
				}
			}
		case cloudtest.KindExchange:
			var got map[string]string
			if err := json.Unmarshal(r.Body, &got); err != nil {
				t.Fatal(err)
			}
			if got["app_id"] != "APP-1" || got["assume_robot_ownership"] != "0" {
				t.Errorf("exchange body = %v", got)
			}
			if got["uid"] != "uid-1" || got["signature"] != "sig-1" || got["timestamp"] != "1571613647" {
				t.Errorf("exchange assertion = %v", got)
			}
		}
	}
}

func TestLoginDiscoveryMissingKey(t *testing.T) {
	for _, key := range []string{"gigya", "httpBaseAuth", "httpBase", "awsRegion", "mqtt", "irbtTopics"} {
		t.Run(key, func(t *testing.T) {
			srv := cloudtest.NewServer(t)
			doc := srv.DefaultDiscovery()
			delete(doc, key)
			srv.SetDiscovery(doc)

			s := newTestSession(srv, srv.Username, srv.Password)
			err := s.Login(context.Background())
			if !errors.Is(err, ErrDiscovery) {
				t.Fatalf("err = %v, want ErrDiscovery", err)
			}
			if n := len(srv.Requests()); n != 1 {
				t.Errorf("requests = %d, want only the discovery call", n)
			}
			if _, err := s.Credentials(); !errors.Is(err, ErrNotLoggedIn) {
				t.Errorf("credentials after failed login: err = %v", err)
			}
		})
	}
}

func TestLoginDiscoveryMissingAPIKey(t *testing.T) {
	srv := cloudtest.NewServer(t)
	doc := srv.DefaultDiscovery()
	doc["gigya"] = map[string]any{"datacenter_domain": "us1.gigya.com"}
	srv.SetDiscovery(doc)

	err := newTestSession(srv, srv.Username, srv.Password).Login(context.Background())
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("err = %v, want ErrDiscovery", err)
	}
	if srv.Count(cloudtest.KindIdentity) != 0 {
		t.Error("identity provider should not be called")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv := cloudtest.NewServer(t)
	err := newTestSession(srv, srv.Username, "nope").Login(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	if !strings.Contains(err.Error(), "Invalid LoginID") {
		t.Errorf("err = %v, want provider message", err)
	}
	if srv.Count(cloudtest.KindExchange) != 0 {
		t.Error("credential exchange should not be called")
	}
}

func TestLoginExchangeWithoutCredentials(t *testing.T) {
	srv := cloudtest.NewServer(t)
	srv.SetCredentials(cloudtest.CredentialSet{AccessKeyID: "AK1", SecretKey: "SK1"})

	err := newTestSession(srv, srv.Username, srv.Password).Login(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestLoginRequiresAccount(t *testing.T) {
	srv := cloudtest.NewServer(t)
	err := newTestSession(srv, "", "").Login(context.Background())
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("err = %v, want ErrMissingParameter", err)
	}
	if len(srv.Requests()) != 0 {
		t.Error("no request should be sent without an account")
	}
}

func TestReauthenticateReplacesCredentials(t *testing.T) {
	srv := cloudtest.NewServer(t)
	srv.SetCredentials(
		cloudtest.CredentialSet{AccessKeyID: "AK1", SecretKey: "SK1", SessionToken: "T1"},
		cloudtest.CredentialSet{AccessKeyID: "AK2", SecretKey: "SK2", SessionToken: "T2"},
	)
	s := loggedIn(t, srv)

	if err := s.Reauthenticate(context.Background()); err != nil {
		t.Fatal(err)
	}
	creds, err := s.Credentials()
	if err != nil {
		t.Fatal(err)
	}
	if creds.AccessKeyID != "AK2" || creds.SessionToken != "T2" {
		t.Errorf("credentials after reauth = %+v", creds)
	}
	if srv.Count(cloudtest.KindDiscovery) != 2 {
		t.Errorf("discovery calls = %d, want 2", srv.Count(cloudtest.KindDiscovery))
	}
}

func TestSignAddsSigV4Headers(t *testing.T) {
	srv := cloudtest.NewServer(t)
	s := loggedIn(t, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.AuthBaseURL()+"/v1/user/associations/robots", nil)
	if err := s.Sign(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK1/") {
		t.Errorf("authorization = %q", auth)
	}
	if !strings.Contains(auth, "/us-east-1/execute-api/aws4_request") {
		t.Errorf("authorization scope = %q", auth)
	}
	if got := req.Header.Get("X-Amz-Security-Token"); got != "T1" {
		t.Errorf("security token = %q, want T1", got)
	}
	if req.Header.Get("X-Amz-Date") == "" {
		t.Error("missing X-Amz-Date")
	}
}

func TestSignBeforeLogin(t *testing.T) {
	s := NewSession("u", "p")
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	if err := s.Sign(context.Background(), req, nil); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("err = %v, want ErrNotLoggedIn", err)
	}
}

func TestFlexString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"1571613647"`, "1571613647"},
		{`1571613647`, "1571613647"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var f flexString
		if err := json.Unmarshal([]byte(tt.in), &f); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if string(f) != tt.want {
			t.Errorf("flexString(%s) = %q, want %q", tt.in, f, tt.want)
		}
	}
}
