// Package storage persists the engine's supplementary records —
// update history, throughput samples, and key/value settings — to a
// local sqlite database via GORM. It is explicitly NOT the store of
// record for release state: the per-release JSON files under the
// release directory (release.json, .release.hashes.json, ...) remain
// authoritative, and nothing here is consulted during crash recovery.
package storage

import "gorm.io/gorm"

// UpdateHistoryEntry records the outcome of one completed (or failed)
// sequencer run, independent of the live release.json state.
type UpdateHistoryEntry struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	GameUid     string `gorm:"index" json:"gameUid"`
	ReleaseName string `json:"releaseName"`
	UpdateType  string `json:"updateType"` // PRE_INSTALL, INSTALL, UPDATE, REPAIR
	FromVersion string `json:"fromVersion"`
	ToVersion   string `json:"toVersion"`
	BytesMoved  int64  `json:"bytesMoved"`
	Outcome     string `gorm:"index" json:"outcome"` // completed, error, cancelled
	ErrorDetail string `json:"errorDetail"`
	StartedAt   string `json:"startedAt"`
	FinishedAt  string `json:"finishedAt"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (UpdateHistoryEntry) TableName() string { return "update_history" }

// ThroughputSample persists the result of a one-time speed test.
// Nothing in the engine outside this package writes or reads these rows.
type ThroughputSample struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadMbps   float64 `json:"downloadMbps"`
	UploadMbps     float64 `json:"uploadMbps"`
	PingMs         int64   `json:"pingMs"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"serverName"`
	ServerLocation string  `json:"serverLocation"`
	Timestamp      string  `json:"timestamp"`
}

func (ThroughputSample) TableName() string { return "throughput_samples" }

// AppSetting is a generic key/value row backing the ConfigManager.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }
