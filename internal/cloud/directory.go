package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Device is a robot associated with the account.
type Device struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	SKU             string          `json:"sku"`
	Password        string          `json:"password"`
	SoftwareVersion string          `json:"softwareVer"`
	Capabilities    map[string]any  `json:"cap,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

type deviceRecord struct {
	Name            string         `json:"name"`
	SKU             string         `json:"sku"`
	Password        string         `json:"password"`
	SoftwareVersion string         `json:"softwareVer"`
	Capabilities    map[string]any `json:"cap"`
}

// Directory lists and associates the account's devices.
type Directory struct {
	client *Client
	appID  string
}

// NewDirectory creates a directory backed by client. appID is sent with
// association requests.
func NewDirectory(client *Client, appID string) *Directory {
	if appID == "" {
		appID = DefaultAppID
	}
	return &Directory{client: client, appID: appID}
}

// ListDevices returns the associated devices in the order the API lists them.
func (d *Directory) ListDevices(ctx context.Context) ([]Device, error) {
	raw, err := d.client.Get(ctx, []string{"user", "associations", "robots"}, nil)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices, err := decodeDevices(raw)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Device returns one associated device by id.
func (d *Directory) Device(ctx context.Context, id string) (*Device, error) {
	devices, err := d.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].ID == id {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %s: %w", id, ErrDeviceNotFound)
}

// ResolveDeviceID returns explicit when set, otherwise the first listed device id.
func (d *Directory) ResolveDeviceID(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	devices, err := d.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", ErrNoDeviceFound
	}
	return devices[0].ID, nil
}

// Associate claims a device for the account. It only needs to be done once.
func (d *Directory) Associate(ctx context.Context, deviceID, devicePassword string) ([]byte, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id", ErrMissingParameter)
	}
	if devicePassword == "" {
		return nil, fmt.Errorf("%w: device password", ErrMissingParameter)
	}
	query := url.Values{"app_id": {d.appID}}
	body, err := d.client.Post(ctx, []string{"user", "associations", "robots", deviceID}, query,
		map[string]string{"password": devicePassword})
	if err != nil {
		return nil, fmt.Errorf("associate %s: %w", deviceID, err)
	}
	return body, nil
}

// decodeDevices walks the id -> device object keeping key order, which a
// map[string]T would lose.
func decodeDevices(raw json.RawMessage) ([]Device, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	if tok == nil {
		return []Device{}, nil
	}
	if delim, ok := tok.(json.Delim); ok && delim == '[' && !dec.More() {
		return []Device{}, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode device list: expected object, got %v", tok)
	}

	devices := []Device{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode device list: %w", err)
		}
		id, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("decode device list: unexpected key %v", keyTok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("decode device %s: %w", id, err)
		}
		var rec deviceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil, fmt.Errorf("decode device %s: %w", id, err)
		}
		devices = append(devices, Device{
			ID:              id,
			Name:            rec.Name,
			SKU:             rec.SKU,
			Password:        rec.Password,
			SoftwareVersion: rec.SoftwareVersion,
			Capabilities:    rec.Capabilities,
			Raw:             value,
		})
	}
	return devices, nil
}
