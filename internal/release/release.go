// Package release implements the ReleaseStore: the persisted
// per-release state record, its on-disk JSON files, migration hooks
// for legacy key shapes, and crash-recovery classification.
package release

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the release state record (spec §3), persisted to
// release.json under the release's data directory after every
// non-transient state change.
type State struct {
	GameUid           string   `json:"gameUid"`
	ReleaseName       string   `json:"releaseName"`
	Location          string   `json:"location"`
	Version           string   `json:"version"`
	RepositoryVersion string   `json:"repositoryVersion"`
	InstalledFragments []string `json:"installedFragments"`
	IsInstalling       bool     `json:"isInstalling"`
	IsUpdating         bool     `json:"isUpdating"`
	IsRepairing        string   `json:"isRepairing"` // repository version at time repair started, "" if not repairing
	IsMoving           bool     `json:"isMoving"`
	UpdateDownloadedSize     uint64 `json:"updateDownloadedSize"`
	UpdateDownloadedSizeDate string `json:"updateDownloadedSizeDate"`
	UpdatePausedByUser       bool   `json:"updatePausedByUser"`
	IsDirty                  bool   `json:"isDirty"`
	SchemaVersion            int    `json:"schemaVersion"`
}

const currentSchemaVersion = 2

// License is one entry from licenses.json.
type License struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ReleaseInfos is the content of .release.infos.json.
type ReleaseInfos struct {
	GameUid string `json:"gameUid"`
	Release string `json:"release"`
}

// RecoveryAction classifies what setup() should do next for a record.
type RecoveryAction string

const (
	RecoveryNone    RecoveryAction = ""
	RecoveryRepair  RecoveryAction = "REPAIR"
	RecoveryUpdate  RecoveryAction = "UPDATE"
	RecoveryMove    RecoveryAction = "MOVE"
)

// legacyGameNameToUid maps pre-v5 gameName keys whose spelling changed
// when the catalog moved to stable gameUid identifiers. Names absent
// from this table pass through unchanged.
var legacyGameNameToUid = map[string]string{}

// Store manages the on-disk state for one release: release.json in
// the state directory. The install location's .release.infos.json is
// written by WriteReleaseInfos, and .release.hashes.json by the action
// library's SaveHashes.
type Store struct {
	mu         sync.Mutex
	stateDir   string
	state      State
}

// Load reads release.json from stateDir, applying migrations, or
// returns a freshly initialized record if none exists yet.
func Load(stateDir, gameUid, releaseName string) (*Store, error) {
	s := &Store{stateDir: stateDir, state: State{
		GameUid:       gameUid,
		ReleaseName:   releaseName,
		SchemaVersion: currentSchemaVersion,
	}}

	path := filepath.Join(stateDir, "release.json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("release: read state: %w", err)
	}

	var legacy map[string]interface{}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("release: parse state: %w", err)
	}
	migrateLegacyShape(legacy)

	migrated, err := json.Marshal(legacy)
	if err != nil {
		return nil, fmt.Errorf("release: re-marshal migrated state: %w", err)
	}
	if err := json.Unmarshal(migrated, &s.state); err != nil {
		return nil, fmt.Errorf("release: decode migrated state: %w", err)
	}

	applyInvariants(&s.state)
	return s, nil
}

// migrateLegacyShape rewrites a raw decoded JSON map in place:
// gameName -> gameUid key translation, and isRepairing bool -> string
// (empty string replaces false; a true legacy bool is promoted to the
// record's own repositoryVersion, or to "unknown" if it has none).
func migrateLegacyShape(raw map[string]interface{}) {
	if name, ok := raw["gameName"]; ok {
		delete(raw, "gameName")
		if uid, known := legacyGameNameToUid[fmt.Sprint(name)]; known {
			raw["gameUid"] = uid
		} else {
			raw["gameUid"] = name
		}
	}

	if repairing, ok := raw["isRepairing"].(bool); ok {
		if repairing {
			if version, ok := raw["repositoryVersion"].(string); ok {
				raw["isRepairing"] = version
			} else {
				raw["isRepairing"] = "unknown"
			}
		} else {
			raw["isRepairing"] = ""
		}
	}
}

// applyInvariants enforces: if location is unset, version,
// installedFragments, and the is{Installing,Updating,Repairing} flags
// reset to their neutral values.
func applyInvariants(s *State) {
	if s.Location == "" {
		s.Version = ""
		s.InstalledFragments = nil
		s.IsInstalling = false
		s.IsUpdating = false
		s.IsRepairing = ""
	}
}

// Save persists the current state to release.json atomically (write
// to a temp file, then rename).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return fmt.Errorf("release: mkdir state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("release: marshal state: %w", err)
	}
	path := filepath.Join(s.stateDir, "release.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("release: write temp state: %w", err)
	}
	return os.Rename(tmp, path)
}

// State returns a copy of the current in-memory record.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mutate applies fn to the record under lock and persists the result.
func (s *Store) Mutate(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	applyInvariants(&s.state)
	return s.saveLocked()
}

// MarkDirty sets isDirty=true and persists, so the next activation
// runs a repair before anything else.
func (s *Store) MarkDirty() error {
	return s.Mutate(func(st *State) { st.IsDirty = true })
}

// ClassifyRecovery applies the crash-recovery rules from setup():
// dirty or repairing (or installing with a known location) implies
// REPAIR; else updating implies UPDATE; else moving implies MOVE.
func (s *Store) ClassifyRecovery() RecoveryAction {
	st := s.State()
	if st.IsDirty || st.IsRepairing != "" || (st.IsInstalling && st.Location != "") {
		return RecoveryRepair
	}
	if st.IsUpdating {
		return RecoveryUpdate
	}
	if st.IsMoving {
		return RecoveryMove
	}
	return RecoveryNone
}

// WriteReleaseInfos writes .release.infos.json into the install
// location.
func WriteReleaseInfos(location string, infos ReleaseInfos) error {
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(location, ".release.infos.json"), data, 0o644)
}

// ReadLicenses reads licenses.json from the release's state directory,
// returning an empty slice if it doesn't exist yet.
func ReadLicenses(stateDir string) ([]License, error) {
	raw, err := os.ReadFile(filepath.Join(stateDir, "licenses.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var licenses []License
	if err := json.Unmarshal(raw, &licenses); err != nil {
		return nil, err
	}
	return licenses, nil
}

// WriteLicenses persists licenses.json into the release's state
// directory.
func WriteLicenses(stateDir string, licenses []License) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(licenses, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "licenses.json"), data, 0o644)
}

// NowISO returns the current UTC time in RFC 3339 form, the format of
// UpdateDownloadedSizeDate.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
