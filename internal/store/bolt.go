package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"irbt-go/internal/cloud"
)

var (
	bucketActiveMaps = []byte("active_maps")
	bucketStatus     = []byte("status")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketActiveMaps, bucketStatus} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) SaveActiveMap(deviceID string, active cloud.ActiveMap) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActiveMaps)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketActiveMaps)
		}
		data, err := json.Marshal(activeMapRecord{
			MapID:     active.MapID,
			VersionID: active.VersionID,
			UpdatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(deviceID), data)
	})
}

// LoadActiveMap reports ok=false when nothing is cached for deviceID.
func (s *BoltStore) LoadActiveMap(deviceID string) (cloud.ActiveMap, bool, error) {
	var (
		active cloud.ActiveMap
		found  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActiveMaps)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(deviceID))
		if data == nil {
			return nil
		}
		var rec activeMapRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("active map %s: %w", deviceID, err)
		}
		active = cloud.ActiveMap{MapID: rec.MapID, VersionID: rec.VersionID}
		found = true
		return nil
	})
	return active, found, err
}

func (s *BoltStore) DeleteActiveMap(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActiveMaps)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketActiveMaps)
		}
		return b.Delete([]byte(deviceID))
	})
}

// SaveStatus stores rec as the device's last status. A delta is merged
// into the stored reported state in the same transaction; the merged record
// is a full state. A delta with nothing stored yet is kept as a delta.
func (s *BoltStore) SaveStatus(rec *StatusRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStatus)
		}
		next := *rec
		if rec.Delta {
			if data := b.Get([]byte(rec.DeviceID)); data != nil {
				var prev StatusRecord
				if err := json.Unmarshal(data, &prev); err != nil {
					return fmt.Errorf("status %s: %w", rec.DeviceID, err)
				}
				next.Reported = mergeReported(prev.Reported, rec.Reported)
				next.Delta = false
			}
		}
		data, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.DeviceID), data)
	})
}

func (s *BoltStore) GetStatus(deviceID string) (*StatusRecord, error) {
	var rec StatusRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStatus)
		}
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("status %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListStatus() ([]*StatusRecord, error) {
	var records []*StatusRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		if b == nil {
			return nil // no bucket = no records
		}
		records = make([]*StatusRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec StatusRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// mergeReported overlays delta onto base, descending into nested objects.
func mergeReported(base, delta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		dv, dok := v.(map[string]any)
		bv, bok := out[k].(map[string]any)
		if dok && bok {
			out[k] = mergeReported(bv, dv)
			continue
		}
		out[k] = v
	}
	return out
}
