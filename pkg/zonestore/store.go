// Package zonestore persists zone definitions so they survive restarts.
package zonestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/ccplane/pkg/zone"
)

// Store persists and loads zone definitions from an on-disk directory.
//
// Directory layout:
//
//	<root>/<zone>/zone.json
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
}

var _ zone.Store = (*Store)(nil)

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) ZoneDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) ZonePath(name string) string {
	return filepath.Join(s.ZoneDir(name), "zone.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("zone store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write atomically replaces the zone's definition file.
func (s *Store) Write(z zone.Zone) error {
	name := strings.TrimSpace(z.Name)
	if name == "" {
		return fmt.Errorf("zone name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid zone name %q", name)
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.ZoneDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create zone dir: %w", err)
	}

	b, err := json.MarshalIndent(z, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal zone: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "zone.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp zone file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp zone file: %w", err)
	}

	if err := os.Rename(tmpName, s.ZonePath(name)); err != nil {
		return fmt.Errorf("rename zone file: %w", err)
	}
	return nil
}

func (s *Store) Get(name string) (zone.Zone, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return zone.Zone{}, fmt.Errorf("zone name is required")
	}
	b, err := os.ReadFile(s.ZonePath(name))
	if err != nil {
		return zone.Zone{}, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return zone.Zone{}, fmt.Errorf("zone.json is empty")
	}

	var z zone.Zone
	if err := json.Unmarshal([]byte(trimmed), &z); err != nil {
		return zone.Zone{}, fmt.Errorf("parse zone.json: %w", err)
	}
	if z.Name != name {
		return zone.Zone{}, fmt.Errorf("zone.json names %q, expected %q", z.Name, name)
	}
	return z, nil
}

// List returns every readable zone, sorted by name. Unreadable entries are
// skipped.
func (s *Store) List() ([]zone.Zone, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read zones root: %w", err)
	}

	out := make([]zone.Zone, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		z, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, z)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
