package store

import (
	"encoding/json"
	"time"
)

// StatusRecord is the last shadow document received for a device.
type StatusRecord struct {
	DeviceID   string          `json:"device_id"`
	Delta      bool            `json:"delta"`
	Reported   map[string]any  `json:"reported,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// activeMapRecord is the on-disk form of a cached active map.
type activeMapRecord struct {
	MapID     string    `json:"pmap_id"`
	VersionID string    `json:"user_pmapv_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
