package models

// Direction of a sync pass.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// SyncStatus is the state reported by a progress event.
type SyncStatus string

const (
	StatusSyncing SyncStatus = "syncing"
	StatusSuccess SyncStatus = "success"
	StatusPartial SyncStatus = "partial"
	StatusError   SyncStatus = "error"
)

// Progress is emitted to subscribers as a pass advances. Per-unit events
// carry SyncUnit/Current/Total; the final summary carries Status success,
// partial (with FailedUnits) or error. Purely observational, no
// back-pressure: slow subscribers miss events rather than stall the pass.
type Progress struct {
	Direction   Direction  `json:"direction"`
	Status      SyncStatus `json:"status"`
	SyncUnit    SyncUnit   `json:"syncUnit,omitempty"`
	Current     int        `json:"current,omitempty"`
	Total       int        `json:"total,omitempty"`
	Message     string     `json:"message,omitempty"`
	FailedUnits []SyncUnit `json:"failedUnits,omitempty"`
}
