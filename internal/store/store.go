// Package store persists paired console records and their credentials
// as a single JSON file in the app data directory.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/psremote/psremote/internal/app"
	"github.com/psremote/psremote/pkg/device"
)

const FileName = "devices.json"

// Entry is one persisted console: the discovery record plus the pairing
// credential harvested for it.
type Entry struct {
	Record     device.Record     `json:"record"`
	Credential device.Credential `json:"credential"`
}

type Store struct {
	Path string

	mu      sync.Mutex
	entries map[string]Entry // keyed by host id
}

// Open loads the store file from path. A missing file is an empty store,
// a corrupt one is an error - better to fail than to silently overwrite
// someone's credentials on the next Save.
func Open(path string) (*Store, error) {
	s := &Store{Path: path, entries: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err = json.Unmarshal(data, &s.entries); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenDefault opens the store in the app data directory.
func OpenDefault() (*Store, error) {
	dir, err := app.DataDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, FileName))
}

// Get returns the entry for a host id.
func (s *Store) Get(hostID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hostID]
	return e, ok
}

// All returns every entry, ordered by host id.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Record.ID < entries[j].Record.ID
	})
	return entries
}

// Put inserts or replaces the entry for e.Record.ID and saves.
func (s *Store) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.Record.ID] = e
	return s.save()
}

// Update refreshes the record for a known console and saves. Unknown
// hosts are ignored - discovery sees consoles we never paired with.
func (s *Store) Update(r device.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[r.ID]
	if !ok {
		return nil
	}
	e.Record = r
	s.entries[r.ID] = e
	return s.save()
}

// Forget drops a console and its credential.
func (s *Store) Forget(hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[hostID]; !ok {
		return nil
	}
	delete(s.entries, hostID)
	return s.save()
}

// save writes via a temp file plus rename, so a crash mid-write can't
// truncate the credentials. Caller holds s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.Path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
