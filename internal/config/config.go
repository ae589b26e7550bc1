// Package config implements the ConfigManager: the engine's typed
// view over a key/value settings store, grounded on the teacher's
// settings.go pattern of string-keyed get/set pairs with defaults.
package config

import (
	"strconv"

	"game-update-engine/internal/storage"
)

// Keys for the underlying AppSetting rows.
const (
	KeyRepositoryBaseURL    = "repository_base_url"
	KeyPlatform             = "platform"
	KeyDataRoot             = "data_root"
	KeyPreRelease           = "pre_release"
	KeyControlPort          = "control_port"
	KeyMaxConcurrentDownloads = "max_concurrent_downloads"
	KeyGlobalBandwidthLimit = "global_bandwidth_limit_bps"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyValidatorScriptPath  = "validator_script_path"
	KeyUpdateWindowCron     = "update_window_cron"
)

// Defaults applied when a key has never been set.
const (
	DefaultControlPort             = 38710
	DefaultMaxConcurrentDownloads  = 6
	DefaultGlobalBandwidthLimitBps = 0 // 0 = unlimited
)

// Manager is a typed facade over storage.Store's key/value settings.
type Manager struct {
	store *storage.Store
}

func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) getString(key, fallback string) string {
	val, ok, err := m.store.GetSetting(key)
	if err != nil || !ok {
		return fallback
	}
	return val
}

func (m *Manager) getInt(key string, fallback int) int {
	val, ok, err := m.store.GetSetting(key)
	if err != nil || !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func (m *Manager) getBool(key string, fallback bool) bool {
	val, ok, err := m.store.GetSetting(key)
	if err != nil || !ok || val == "" {
		return fallback
	}
	return val == "true"
}

func (m *Manager) RepositoryBaseURL() string { return m.getString(KeyRepositoryBaseURL, "") }
func (m *Manager) SetRepositoryBaseURL(url string) error {
	return m.store.SetSetting(KeyRepositoryBaseURL, url)
}

func (m *Manager) Platform() string { return m.getString(KeyPlatform, "linux") }
func (m *Manager) SetPlatform(p string) error {
	return m.store.SetSetting(KeyPlatform, p)
}

func (m *Manager) DataRoot() string { return m.getString(KeyDataRoot, "") }
func (m *Manager) SetDataRoot(path string) error {
	return m.store.SetSetting(KeyDataRoot, path)
}

func (m *Manager) PreRelease() bool { return m.getBool(KeyPreRelease, false) }
func (m *Manager) SetPreRelease(enabled bool) error {
	return m.store.SetSetting(KeyPreRelease, boolString(enabled))
}

func (m *Manager) ControlPort() int { return m.getInt(KeyControlPort, DefaultControlPort) }
func (m *Manager) SetControlPort(port int) error {
	return m.store.SetSetting(KeyControlPort, strconv.Itoa(port))
}

func (m *Manager) MaxConcurrentDownloads() int {
	return m.getInt(KeyMaxConcurrentDownloads, DefaultMaxConcurrentDownloads)
}
func (m *Manager) SetMaxConcurrentDownloads(n int) error {
	return m.store.SetSetting(KeyMaxConcurrentDownloads, strconv.Itoa(n))
}

func (m *Manager) GlobalBandwidthLimitBps() int {
	return m.getInt(KeyGlobalBandwidthLimit, DefaultGlobalBandwidthLimitBps)
}
func (m *Manager) SetGlobalBandwidthLimitBps(bps int) error {
	return m.store.SetSetting(KeyGlobalBandwidthLimit, strconv.Itoa(bps))
}

func (m *Manager) EnableIntegrityCheck() bool {
	return m.getBool(KeyEnableIntegrityCheck, true)
}
func (m *Manager) SetEnableIntegrityCheck(enabled bool) error {
	return m.store.SetSetting(KeyEnableIntegrityCheck, boolString(enabled))
}

func (m *Manager) ValidatorScriptPath() string { return m.getString(KeyValidatorScriptPath, "") }
func (m *Manager) SetValidatorScriptPath(path string) error {
	return m.store.SetSetting(KeyValidatorScriptPath, path)
}

// UpdateWindowCron returns the stored update-window cron expression,
// or an empty string if none is set. cmd/updatectl only logs a warning
// when it is set; the expression does not restrict when updates run.
func (m *Manager) UpdateWindowCron() string { return m.getString(KeyUpdateWindowCron, "") }
func (m *Manager) SetUpdateWindowCron(expr string) error {
	return m.store.SetSetting(KeyUpdateWindowCron, expr)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
