package zonestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3leaps/ccplane/pkg/zone"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	z := zone.Zone{
		Name:           "linux-x64",
		Provider:       "ec2",
		MinSize:        2,
		MaxSize:        8,
		IdleSlack:      1,
		CreatedAt:      now,
		Degraded:       true,
		DegradedReason: "provisioning failure: quota exceeded",
	}

	if err := s.Write(z); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("linux-x64")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.CreatedAt.Equal(z.CreatedAt) {
		t.Fatalf("created_at mismatch: got=%v want=%v", got.CreatedAt, z.CreatedAt)
	}
	got.CreatedAt = z.CreatedAt
	if got != z {
		t.Fatalf("round trip mismatch:\ngot=%+v\nwant=%+v", got, z)
	}
}

func TestStore_WriteReplaces(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Write(zone.Zone{Name: "z1", Provider: "local", MinSize: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(zone.Zone{Name: "z1", Provider: "local", MinSize: 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Get("z1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MinSize != 3 {
		t.Fatalf("expected replaced definition, got min_size=%d", got.MinSize)
	}

	entries, err := os.ReadDir(s.ZoneDir("z1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only zone.json, found %d entries", len(entries))
	}
}

func TestStore_ListSortsByName(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.Write(zone.Zone{Name: name, Provider: "local"}); err != nil {
			t.Fatalf("Write %s: %v", name, err)
		}
	}
	// Broken entries are skipped.
	if err := os.MkdirAll(filepath.Join(root, "broken"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "broken", "zone.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("unexpected zone count: %d", len(got))
	}
	if got[0].Name != "alpha" || got[1].Name != "mid" || got[2].Name != "zeta" {
		t.Fatalf("unexpected order: %v", []string{got[0].Name, got[1].Name, got[2].Name})
	}
}

func TestStore_RejectsBadNames(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, name := range []string{"", "a/b", "..", `a\b`} {
		if err := s.Write(zone.Zone{Name: name, Provider: "local"}); err == nil {
			t.Fatalf("expected error for %q", name)
		}
	}
	if err := NewStore("").Write(zone.Zone{Name: "z1"}); err == nil {
		t.Fatalf("expected error for empty root")
	}
}
