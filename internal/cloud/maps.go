package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
)

// ActiveMap is the map/version pair that room-scoped commands target.
type ActiveMap struct {
	MapID     string `json:"pmap_id"`
	VersionID string `json:"user_pmapv_id"`
}

// ActiveMapStore keeps the last active map per device.
type ActiveMapStore interface {
	LoadActiveMap(deviceID string) (ActiveMap, bool, error)
	SaveActiveMap(deviceID string, active ActiveMap) error
	DeleteActiveMap(deviceID string) error
}

// MemoryMapStore is an in-process ActiveMapStore.
type MemoryMapStore struct {
	mu   sync.RWMutex
	maps map[string]ActiveMap
}

// NewMemoryMapStore creates an empty in-memory store.
func NewMemoryMapStore() *MemoryMapStore {
	return &MemoryMapStore{maps: make(map[string]ActiveMap)}
}

func (m *MemoryMapStore) LoadActiveMap(deviceID string) (ActiveMap, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.maps[deviceID]
	return a, ok, nil
}

func (m *MemoryMapStore) SaveActiveMap(deviceID string, active ActiveMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maps[deviceID] = active
	return nil
}

func (m *MemoryMapStore) DeleteActiveMap(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.maps, deviceID)
	return nil
}

// Region is a named area of a map.
type Region struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"region_type"`
}

// Map is a persisted floor plan.
type Map struct {
	MapID     string          `json:"pmap_id"`
	VersionID string          `json:"user_pmapv_id"`
	Name      string          `json:"name,omitempty"`
	Regions   []Region        `json:"regions"`
	Raw       json.RawMessage `json:"-"`
}

// MapListing is the result of ListMaps. Active is nil when there are no maps.
type MapListing struct {
	Maps   []Map
	Active *ActiveMap
	Raw    json.RawMessage
}

type mapRecord struct {
	PmapID      string `json:"pmap_id"`
	UserPmapvID string `json:"user_pmapv_id"`
	Details     struct {
		ActivePmapv struct {
			PmapID string `json:"pmap_id"`
		} `json:"active_pmapv"`
		MapHeader struct {
			Name string `json:"name"`
		} `json:"map_header"`
		Regions []Region `json:"regions"`
	} `json:"active_pmapv_details"`
}

// Robot runs device-scoped queries for one device.
type Robot struct {
	client *Client
	id     string
	cache  ActiveMapStore
}

// NewRobot creates a query handle for deviceID. A nil cache uses a fresh
// in-memory store.
func NewRobot(client *Client, deviceID string, cache ActiveMapStore) *Robot {
	if cache == nil {
		cache = NewMemoryMapStore()
	}
	return &Robot{client: client, id: deviceID, cache: cache}
}

// ID returns the device id.
func (r *Robot) ID() string { return r.id }

// ListMaps fetches the visible maps. A non-empty listing refreshes the
// cached active map from its first map; an empty one leaves the cache alone.
func (r *Robot) ListMaps(ctx context.Context) (*MapListing, error) {
	query := url.Values{"visible": {"true"}, "activeDetails": {"1"}}
	raw, err := r.client.Get(ctx, []string{r.id, "pmaps"}, query)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("list maps: decode: %w", err)
	}

	listing := &MapListing{Maps: make([]Map, 0, len(records)), Raw: raw}
	for _, rec := range records {
		var mr mapRecord
		if err := json.Unmarshal(rec, &mr); err != nil {
			return nil, fmt.Errorf("list maps: decode map: %w", err)
		}
		mapID := mr.Details.ActivePmapv.PmapID
		if mapID == "" {
			mapID = mr.PmapID
		}
		regions := mr.Details.Regions
		if regions == nil {
			regions = []Region{}
		}
		listing.Maps = append(listing.Maps, Map{
			MapID:     mapID,
			VersionID: mr.UserPmapvID,
			Name:      mr.Details.MapHeader.Name,
			Regions:   regions,
			Raw:       rec,
		})
	}

	if len(listing.Maps) > 0 {
		first := listing.Maps[0]
		active := ActiveMap{MapID: first.MapID, VersionID: first.VersionID}
		listing.Active = &active
		if err := r.cache.SaveActiveMap(r.id, active); err != nil {
			return nil, fmt.Errorf("cache active map: %w", err)
		}
	}
	return listing, nil
}

// Rooms returns the regions of the first map, or an empty slice.
func (r *Robot) Rooms(ctx context.Context) ([]Region, error) {
	listing, err := r.ListMaps(ctx)
	if err != nil {
		return nil, err
	}
	if len(listing.Maps) == 0 {
		return []Region{}, nil
	}
	return listing.Maps[0].Regions, nil
}

// ActiveMap returns the cached active map, if any.
func (r *Robot) ActiveMap() (ActiveMap, bool, error) {
	return r.cache.LoadActiveMap(r.id)
}

// InvalidateActiveMap drops the cached active map.
func (r *Robot) InvalidateActiveMap() error {
	return r.cache.DeleteActiveMap(r.id)
}

// Missions returns the finished missions and their outcome.
func (r *Robot) Missions(ctx context.Context) (json.RawMessage, error) {
	query := url.Values{"filterType": {"omit_quickly_canceled_not_scheduled"}}
	return r.get(ctx, "mission history", []string{r.id, "missionhistory"}, query)
}

// EvacuationHistory returns the dock evacuation log. Unlike the other
// queries this endpoint scopes by query parameter, not by path.
func (r *Robot) EvacuationHistory(ctx context.Context) (json.RawMessage, error) {
	query := url.Values{"robotId": {r.id}, "maxAge": {"90"}}
	return r.get(ctx, "evacuation history", []string{"evachistory"}, query)
}

// Timeline returns the event timeline.
func (r *Robot) Timeline(ctx context.Context) (json.RawMessage, error) {
	query := url.Values{"event_type": {"HKC"}, "details_type_filter": {"all"}}
	return r.get(ctx, "timeline", []string{"robots", r.id, "timeline"}, query)
}

// VectorMap returns the map geometry document. Empty ids fall back to the
// cached active map.
func (r *Robot) VectorMap(ctx context.Context, mapID, versionID string) (json.RawMessage, error) {
	if mapID == "" || versionID == "" {
		active, ok, err := r.cache.LoadActiveMap(r.id)
		if err != nil {
			return nil, fmt.Errorf("vector map: %w", err)
		}
		if ok {
			if mapID == "" {
				mapID = active.MapID
			}
			if versionID == "" {
				versionID = active.VersionID
			}
		}
	}
	if mapID == "" || versionID == "" {
		return nil, fmt.Errorf("vector map: %w", ErrNoActiveMap)
	}
	return r.get(ctx, "vector map", []string{r.id, "pmaps", mapID, "versions", versionID, "umf"}, nil)
}

// SetPreference would change a device preference; the cloud API offers no
// documented endpoint for it.
func (r *Robot) SetPreference(_ context.Context, key string, _ any) error {
	return fmt.Errorf("set preference %q: %w", key, ErrNotImplemented)
}

func (r *Robot) get(ctx context.Context, what string, segments []string, query url.Values) (json.RawMessage, error) {
	raw, err := r.client.Get(ctx, segments, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return raw, nil
}
