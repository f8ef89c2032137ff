package store

import (
	"log/slog"

	"irbt-go/internal/shadow"
)

// StatusRecorder returns a dispatcher observer that saves every snapshot
// and delta to st. Save failures are logged.
func StatusRecorder(st Store, logger *slog.Logger) func(shadow.Snapshot) {
	return func(snap shadow.Snapshot) {
		rec := &StatusRecord{
			DeviceID:   snap.DeviceID,
			Delta:      snap.Delta,
			Reported:   snap.Reported,
			Raw:        snap.Raw,
			ReceivedAt: snap.ReceivedAt.UTC(),
		}
		if err := st.SaveStatus(rec); err != nil {
			logger.Warn("save status", "device", snap.DeviceID, "err", err)
		}
	}
}
