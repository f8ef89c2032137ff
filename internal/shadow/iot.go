package shadow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"irbt-go/internal/cloud"
)

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultOperationTimeout = 5 * time.Second

	iotService       = "iotdevicegateway"
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	wsReadLimit      = 1 << 20
)

// CredentialSource supplies the endpoint and credentials of the latest
// login. *cloud.Session implements it.
type CredentialSource interface {
	Current() (cloud.DiscoveryInfo, cloud.Credentials, error)
}

// IoTConfig holds broker connection settings.
type IoTConfig struct {
	ClientID         string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// IoTDialer connects to the AWS IoT broker over MQTT on a SigV4-presigned
// websocket. Credentials are read from the source on every dial.
type IoTDialer struct {
	src    CredentialSource
	cfg    IoTConfig
	logger *slog.Logger
	signer *v4.Signer
	now    func() time.Time
}

// NewIoTDialer creates a dialer. Zero config values get the defaults and
// the client id defaults to the application id.
func NewIoTDialer(src CredentialSource, cfg IoTConfig, logger *slog.Logger) *IoTDialer {
	if cfg.ClientID == "" {
		cfg.ClientID = cloud.DefaultAppID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IoTDialer{
		src:    src,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		signer: v4.NewSigner(),
		now:    time.Now,
	}
}

// Dial connects and subscribes to the shadow get replies of deviceID.
func (d *IoTDialer) Dial(ctx context.Context, deviceID string) (Transport, error) {
	disc, creds, err := d.src.Current()
	if err != nil {
		return nil, err
	}
	if disc.MQTTEndpoint == "" {
		return nil, fmt.Errorf("no mqtt endpoint discovered")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t := &iotTransport{
		deviceID:  deviceID,
		opTimeout: d.cfg.OperationTimeout,
		logger:    d.logger.With("device", deviceID),
		pending:   make(map[string]chan shadowReply),
		cancel:    cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker("wss://" + disc.MQTTEndpoint + ":443/mqtt").
		SetClientID(d.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetWriteTimeout(d.cfg.OperationTimeout).
		SetCustomOpenConnectionFn(func(_ *url.URL, _ pahomqtt.ClientOptions) (net.Conn, error) {
			return d.openWebsocket(ctx, connCtx, disc.MQTTEndpoint, creds)
		}).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			t.logger.Info("MQTT connected", "endpoint", disc.MQTTEndpoint)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			t.logger.Warn("MQTT connection lost", "err", err)
		})

	client := pahomqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), d.cfg.ConnectTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect %s: %w", disc.MQTTEndpoint, err)
	}
	t.client = client

	for _, sub := range []struct {
		suffix   string
		rejected bool
	}{{"get/accepted", false}, {"get/rejected", true}} {
		topic := shadowTopic(deviceID, sub.suffix)
		if err := waitToken(ctx, client.Subscribe(topic, 1, t.onGetReply(sub.rejected)), t.opTimeout); err != nil {
			t.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return t, nil
}

func (d *IoTDialer) openWebsocket(ctx, connCtx context.Context, endpoint string, creds cloud.Credentials) (net.Conn, error) {
	signed, err := d.presign(ctx, endpoint, creds)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	c, _, err := websocket.Dial(dctx, signed, &websocket.DialOptions{
		Subprotocols: []string{"mqtt"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	c.SetReadLimit(wsReadLimit)
	return websocket.NetConn(connCtx, c, websocket.MessageBinary), nil
}

// presign builds the websocket URL. The broker expects the session token
// outside the signed query string.
func (d *IoTDialer) presign(ctx context.Context, endpoint string, creds cloud.Credentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+endpoint+"/mqtt", nil)
	if err != nil {
		return "", err
	}
	awsCreds := creds.AWS()
	token := awsCreds.SessionToken
	awsCreds.SessionToken = ""

	signed, _, err := d.signer.PresignHTTP(ctx, awsCreds, req, emptyPayloadHash, iotService, creds.Region, d.now())
	if err != nil {
		return "", fmt.Errorf("presign mqtt url: %w", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		return "", fmt.Errorf("presign mqtt url: %w", err)
	}
	u.Scheme = "wss"
	if token != "" {
		u.RawQuery += "&X-Amz-Security-Token=" + url.QueryEscape(token)
	}
	return u.String(), nil
}

type shadowReply struct {
	payload []byte
	err     error
}

type iotTransport struct {
	client    pahomqtt.Client
	deviceID  string
	opTimeout time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan shadowReply
	closed  bool
}

func (t *iotTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := waitToken(ctx, t.client.Publish(topic, 1, false, payload), t.opTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	t.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}

func (t *iotTransport) GetShadow(ctx context.Context) ([]byte, error) {
	token := uuid.NewString()
	ch := make(chan shadowReply, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[token] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
	}()

	req, err := json.Marshal(map[string]string{"clientToken": token})
	if err != nil {
		return nil, err
	}
	if err := t.Publish(ctx, shadowTopic(t.deviceID, "get"), req); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *iotTransport) onGetReply(rejected bool) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := bytes.Clone(msg.Payload())
		var head struct {
			ClientToken string `json:"clientToken"`
		}
		if err := json.Unmarshal(payload, &head); err != nil {
			t.logger.Warn("invalid shadow reply", "topic", msg.Topic(), "err", err)
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[head.ClientToken]
		delete(t.pending, head.ClientToken)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("unsolicited shadow reply", "topic", msg.Topic())
			return
		}

		reply := shadowReply{payload: payload}
		if rejected {
			rerr := &ShadowRejectedError{}
			if err := json.Unmarshal(payload, rerr); err != nil {
				rerr.Message = string(payload)
			}
			reply = shadowReply{err: rerr}
		}
		ch <- reply
	}
}

func (t *iotTransport) SubscribeDelta(fn func(payload []byte)) (func(), error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	topic := shadowTopic(t.deviceID, "update/delta")
	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		fn(bytes.Clone(msg.Payload()))
	}
	if err := waitToken(context.Background(), t.client.Subscribe(topic, 1, handler), t.opTimeout); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if t.isClosed() {
				return
			}
			if !t.client.Unsubscribe(topic).WaitTimeout(t.opTimeout) {
				t.logger.Warn("MQTT unsubscribe timeout", "topic", topic)
			}
		})
	}, nil
}

func (t *iotTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(250)
	}
	t.cancel()
	t.logger.Info("MQTT disconnected")
	return nil
}

func (t *iotTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func waitToken(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt operation timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
