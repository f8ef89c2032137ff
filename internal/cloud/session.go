// Package cloud talks to the vacuum vendor's cloud: staged login, signed API
// requests, the device directory and map/mission queries.
package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	DefaultDiscoveryURL   = "https://disc-prod.iot.irobotapi.com/v1/app/discover"
	DefaultCountryCode    = "FR"
	DefaultAppID          = "ANDROID-5B4E9B96-C1A8-48BE-ACD7-B41C9F3DC1DE"
	defaultIdentityDomain = "us1.gigya.com"
	apiVersion            = "v1"
)

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient sets the HTTP client used for every cloud call.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.http = c
	}
}

// WithDiscoveryURL overrides the discovery endpoint.
func WithDiscoveryURL(u string) Option {
	return func(s *Session) {
		s.discoveryURL = u
	}
}

// WithCountryCode sets the country code sent to discovery.
func WithCountryCode(cc string) Option {
	return func(s *Session) {
		s.countryCode = cc
	}
}

// WithAppID sets the application identifier sent with logins and associations.
func WithAppID(id string) Option {
	return func(s *Session) {
		s.appID = id
	}
}

// WithIdentityURL pins the identity-provider login URL instead of deriving
// it from the discovered datacenter domain.
func WithIdentityURL(u string) Option {
	return func(s *Session) {
		s.identityURL = u
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// Session owns the login pipeline and the current credential set.
type Session struct {
	username string
	password string

	http         *http.Client
	discoveryURL string
	countryCode  string
	appID        string
	identityURL  string
	logger       *slog.Logger
	signer       *v4.Signer
	now          func() time.Time

	loginMu sync.Mutex
	state   atomic.Pointer[sessionState]
	logins  atomic.Int64
}

// NewSession creates a session for the given account. Nothing is sent
// until Login is called.
func NewSession(username, password string, opts ...Option) *Session {
	s := &Session{
		username:     username,
		password:     password,
		http:         &http.Client{Timeout: 30 * time.Second},
		discoveryURL: DefaultDiscoveryURL,
		countryCode:  DefaultCountryCode,
		appID:        DefaultAppID,
		logger:       slog.Default(),
		signer:       v4.NewSigner(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// AppID returns the application identifier used by this session.
func (s *Session) AppID() string { return s.appID }

// HTTPClient returns the client used for cloud calls.
func (s *Session) HTTPClient() *http.Client { return s.http }

// Logins returns how many logins (initial and re-authentications) succeeded.
func (s *Session) Logins() int64 { return s.logins.Load() }

// Login runs discovery, the identity-provider login and the credential
// exchange, then installs the resulting credentials.
func (s *Session) Login(ctx context.Context) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	return s.login(ctx)
}

// Reauthenticate repeats the full login with the stored account credentials.
// It is safe to call while other requests are in flight.
func (s *Session) Reauthenticate(ctx context.Context) error {
	s.logger.Info("re-authenticating")
	return s.Login(ctx)
}

// Current returns the discovery info and credentials of the latest login.
// Both always come from the same login.
func (s *Session) Current() (DiscoveryInfo, Credentials, error) {
	st := s.state.Load()
	if st == nil {
		return DiscoveryInfo{}, Credentials{}, ErrNotLoggedIn
	}
	return st.discovery, st.credentials, nil
}

// Discovery returns the discovery info of the latest login.
func (s *Session) Discovery() (DiscoveryInfo, error) {
	d, _, err := s.Current()
	return d, err
}

// Credentials returns the credentials of the latest login.
func (s *Session) Credentials() (Credentials, error) {
	_, c, err := s.Current()
	return c, err
}

// Sign adds SigV4 headers for the current credentials to req. body is the
// exact request payload (nil for none).
func (s *Session) Sign(ctx context.Context, req *http.Request, body []byte) error {
	st := s.state.Load()
	if st == nil {
		return ErrNotLoggedIn
	}
	sum := sha256.Sum256(body)
	creds := st.credentials
	return s.signer.SignHTTP(ctx, creds.AWS(), req, hex.EncodeToString(sum[:]), creds.Service, creds.Region, s.now())
}

func (s *Session) login(ctx context.Context) error {
	if s.username == "" || s.password == "" {
		return fmt.Errorf("%w: username and password are required", ErrMissingParameter)
	}

	disc, err := s.discover(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("discovery done", "region", disc.Region, "mqtt", disc.MQTTEndpoint)

	assertion, err := s.identityLogin(ctx, disc)
	if err != nil {
		return err
	}

	creds, err := s.exchange(ctx, disc, assertion)
	if err != nil {
		return err
	}

	s.state.Store(&sessionState{discovery: disc, credentials: creds})
	s.logins.Add(1)
	s.logger.Info("logged in", "region", creds.Region, "host", creds.Host)
	return nil
}

var requiredDiscoveryKeys = []string{"gigya", "httpBaseAuth", "httpBase", "awsRegion", "mqtt", "irbtTopics"}

func (s *Session) discover(ctx context.Context) (DiscoveryInfo, error) {
	u, err := url.Parse(s.discoveryURL)
	if err != nil {
		return DiscoveryInfo{}, fmt.Errorf("%w: parse discovery url: %v", ErrDiscovery, err)
	}
	q := u.Query()
	q.Set("country_code", s.countryCode)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return DiscoveryInfo{}, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	body, status, err := s.do(req)
	if err != nil {
		return DiscoveryInfo{}, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if status != http.StatusOK {
		return DiscoveryInfo{}, fmt.Errorf("%w: status %d", ErrDiscovery, status)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return DiscoveryInfo{}, fmt.Errorf("%w: decode: %v", ErrDiscovery, err)
	}
	for _, key := range requiredDiscoveryKeys {
		if _, ok := doc[key]; !ok {
			return DiscoveryInfo{}, fmt.Errorf("%w: %s key is missing", ErrDiscovery, key)
		}
	}

	var gigya struct {
		APIKey           string `json:"api_key"`
		DatacenterDomain string `json:"datacenter_domain"`
	}
	if err := json.Unmarshal(doc["gigya"], &gigya); err != nil || gigya.APIKey == "" {
		return DiscoveryInfo{}, fmt.Errorf("%w: gigya api_key is missing", ErrDiscovery)
	}

	info := DiscoveryInfo{
		IdentityAPIKey: gigya.APIKey,
		IdentityDomain: gigya.DatacenterDomain,
	}
	fields := []struct {
		key string
		dst *string
	}{
		{"httpBaseAuth", &info.AuthBaseURL},
		{"httpBase", &info.UnauthBaseURL},
		{"awsRegion", &info.Region},
		{"mqtt", &info.MQTTEndpoint},
		{"irbtTopics", &info.TopicPrefix},
	}
	for _, f := range fields {
		if err := json.Unmarshal(doc[f.key], f.dst); err != nil || *f.dst == "" {
			return DiscoveryInfo{}, fmt.Errorf("%w: %s is not a string", ErrDiscovery, f.key)
		}
	}
	info.AuthBaseURL = strings.TrimRight(info.AuthBaseURL, "/")
	info.UnauthBaseURL = strings.TrimRight(info.UnauthBaseURL, "/")
	if _, err := info.host(); err != nil {
		return DiscoveryInfo{}, err
	}
	return info, nil
}

// identityAssertion is the signed login proof issued by the identity provider.
type identityAssertion struct {
	UID       string
	Signature string
	Timestamp string
}

type identityLoginResponse struct {
	UID                string     `json:"UID"`
	UIDSignature       string     `json:"UIDSignature"`
	SignatureTimestamp flexString `json:"signatureTimestamp"`
	ErrorCode          int        `json:"errorCode"`
	ErrorMessage       string     `json:"errorMessage"`
	ErrorDetails       string     `json:"errorDetails"`
}

func (s *Session) identityLogin(ctx context.Context, disc DiscoveryInfo) (identityAssertion, error) {
	loginURL := s.identityURL
	if loginURL == "" {
		domain := disc.IdentityDomain
		if domain == "" {
			domain = defaultIdentityDomain
		}
		loginURL = "https://accounts." + domain + "/accounts.login"
	}

	form := url.Values{
		"ApiKey":            {disc.IdentityAPIKey},
		"ctag":              {"webbridge"},
		"format":            {"json"},
		"loginID":           {s.username},
		"password":          {s.password},
		"sessionExpiration": {"-2"},
		"targetEnv":         {"mobile"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return identityAssertion{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, _, err := s.do(req)
	if err != nil {
		return identityAssertion{}, fmt.Errorf("%w: identity provider: %v", ErrAuthentication, err)
	}

	var resp identityLoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return identityAssertion{}, fmt.Errorf("%w: decode identity provider response: %v", ErrAuthentication, err)
	}
	if resp.UID == "" || resp.UIDSignature == "" || resp.SignatureTimestamp == "" {
		reason := "wrong login/password"
		if resp.ErrorMessage != "" {
			reason = resp.ErrorMessage
			if resp.ErrorDetails != "" {
				reason += ": " + resp.ErrorDetails
			}
		}
		return identityAssertion{}, fmt.Errorf("%w: %s", ErrAuthentication, reason)
	}
	return identityAssertion{
		UID:       resp.UID,
		Signature: resp.UIDSignature,
		Timestamp: string(resp.SignatureTimestamp),
	}, nil
}

type exchangeRequest struct {
	AppID                string `json:"app_id"`
	AssumeRobotOwnership string `json:"assume_robot_ownership"`
	Signature            string `json:"signature"`
	Timestamp            string `json:"timestamp"`
	UID                  string `json:"uid"`
}

type exchangeResponse struct {
	Credentials *struct {
		AccessKeyID  string `json:"AccessKeyId"`
		SecretKey    string `json:"SecretKey"`
		SessionToken string `json:"SessionToken"`
	} `json:"credentials"`
	ErrorMessage string `json:"errorMessage"`
}

func (s *Session) exchange(ctx context.Context, disc DiscoveryInfo, a identityAssertion) (Credentials, error) {
	payload, err := json.Marshal(exchangeRequest{
		AppID:                s.appID,
		AssumeRobotOwnership: "0",
		Signature:            a.Signature,
		Timestamp:            a.Timestamp,
		UID:                  a.UID,
	})
	if err != nil {
		return Credentials{}, err
	}

	endpoint := disc.UnauthBaseURL + "/" + apiVersion + "/login/account"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := s.do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: credential exchange: %v", ErrAuthentication, err)
	}

	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Credentials{}, fmt.Errorf("%w: credential exchange: status %d: decode: %v", ErrAuthentication, status, err)
	}
	c := resp.Credentials
	if c == nil || c.AccessKeyID == "" || c.SecretKey == "" || c.SessionToken == "" {
		reason := "response has no credentials"
		if resp.ErrorMessage != "" {
			reason = resp.ErrorMessage
		}
		return Credentials{}, fmt.Errorf("%w: credential exchange: status %d: %s", ErrAuthentication, status, reason)
	}

	host, err := disc.host()
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		AccessKeyID:  c.AccessKeyID,
		SecretKey:    c.SecretKey,
		SessionToken: c.SessionToken,
		Host:         host,
		Region:       disc.Region,
		Service:      apiGatewayService,
	}, nil
}

// do sends an unsigned request and returns its body (capped at 8 MB).
func (s *Session) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
