// Package store persists the per-device state the CLI and the local API
// reuse between runs: the active map of each robot and its last status.
package store

import (
	"errors"

	"irbt-go/internal/cloud"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	cloud.ActiveMapStore

	// Status records
	SaveStatus(rec *StatusRecord) error
	GetStatus(deviceID string) (*StatusRecord, error)
	ListStatus() ([]*StatusRecord, error)

	// Close the store
	Close() error
}
