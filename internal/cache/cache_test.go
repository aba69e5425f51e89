package cache_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"todosync/internal/cache"
	"todosync/provider"
)

func sampleMetadata() *cache.Metadata {
	return &cache.Metadata{
		Provider: "todoist",
		UserID:   "alice",
		Projects: []provider.Project{
			{ID: "p1", Name: "Work"},
			{ID: "p2", Name: "Home", IsInbox: true},
		},
		Labels: []provider.Label{
			{ID: "l1", Name: "urgent", Color: "red"},
		},
	}
}

// TestStoreAndLoad verifies a stored snapshot round-trips within the TTL.
func TestStoreAndLoad(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	if err := c.Store(sampleMetadata()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	md, ok := c.Load("alice", "todoist")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if len(md.Projects) != 2 || md.Projects[0].Name != "Work" {
		t.Errorf("unexpected projects: %+v", md.Projects)
	}
	if len(md.Labels) != 1 || md.Labels[0].Name != "urgent" {
		t.Errorf("unexpected labels: %+v", md.Labels)
	}
	if md.FetchedAt.IsZero() {
		t.Error("expected Store to stamp FetchedAt")
	}
}

// TestLoadMissing verifies a miss when nothing was ever stored.
func TestLoadMissing(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	if _, ok := c.Load("alice", "todoist"); ok {
		t.Error("expected a cache miss for an empty cache")
	}
}

// TestLoadExpired verifies a snapshot older than the TTL is a miss.
func TestLoadExpired(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	md := sampleMetadata()
	md.FetchedAt = time.Now().Add(-2 * time.Minute)
	if err := c.Store(md); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, ok := c.Load("alice", "todoist"); ok {
		t.Error("expected a miss for an expired snapshot")
	}
}

// TestLoadCorrupt verifies unparseable cache content reads as a miss rather
// than an error.
func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(dir, time.Minute)

	path := c.Path("alice", "todoist")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, ok := c.Load("alice", "todoist"); ok {
		t.Error("expected a miss for corrupt cache content")
	}
}

// TestSnapshotIsolation verifies snapshots are keyed per user.
func TestSnapshotIsolation(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	if err := c.Store(sampleMetadata()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, ok := c.Load("bob", "todoist"); ok {
		t.Error("alice's snapshot should not serve bob")
	}
	if _, ok := c.Load("alice", "todoist"); !ok {
		t.Error("alice's snapshot should still be there")
	}
}

// TestInvalidate verifies removal, including of snapshots that don't exist.
func TestInvalidate(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	if err := c.Invalidate("alice", "todoist"); err != nil {
		t.Errorf("invalidating a missing snapshot should be a no-op, got %v", err)
	}

	if err := c.Store(sampleMetadata()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := c.Invalidate("alice", "todoist"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok := c.Load("alice", "todoist"); ok {
		t.Error("expected a miss after invalidation")
	}
}

// TestGetOrFetchUsesCache verifies a fresh snapshot short-circuits the fetch.
func TestGetOrFetchUsesCache(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	if err := c.Store(sampleMetadata()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	fetched := false
	md, err := c.GetOrFetch("alice", "todoist", false, func() ([]provider.Project, []provider.Label, error) {
		fetched = true
		return nil, nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if fetched {
		t.Error("expected the cached snapshot to be used without fetching")
	}
	if len(md.Projects) != 2 {
		t.Errorf("expected cached projects, got %+v", md.Projects)
	}
}

// TestGetOrFetchRefresh verifies refresh bypasses a fresh snapshot and
// stores the refetched catalogs.
func TestGetOrFetchRefresh(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	if err := c.Store(sampleMetadata()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	md, err := c.GetOrFetch("alice", "todoist", true, func() ([]provider.Project, []provider.Label, error) {
		return []provider.Project{{ID: "p9", Name: "Fresh"}}, nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if len(md.Projects) != 1 || md.Projects[0].Name != "Fresh" {
		t.Errorf("expected refetched projects, got %+v", md.Projects)
	}

	// The refreshed snapshot replaces the old one on disk.
	stored, ok := c.Load("alice", "todoist")
	if !ok {
		t.Fatal("expected the refreshed snapshot to be stored")
	}
	if len(stored.Projects) != 1 || stored.Projects[0].ID != "p9" {
		t.Errorf("stored snapshot not refreshed: %+v", stored.Projects)
	}
}

// TestGetOrFetchPropagatesError verifies fetch failures surface to the caller.
func TestGetOrFetchPropagatesError(t *testing.T) {
	c := cache.New(t.TempDir(), time.Minute)

	wantErr := errors.New("network down")
	_, err := c.GetOrFetch("alice", "todoist", false, func() ([]provider.Project, []provider.Label, error) {
		return nil, nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected fetch error to propagate, got %v", err)
	}
}

// TestStoreFileFormat verifies the on-disk shape stays plain JSON so other
// tooling can read it.
func TestStoreFileFormat(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(dir, time.Minute)

	if err := c.Store(sampleMetadata()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	data, err := os.ReadFile(c.Path("alice", "todoist"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("cache file should be valid JSON: %v", err)
	}
	for _, key := range []string{"fetched_at", "provider", "user_id", "projects", "labels"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("cache file missing %q field", key)
		}
	}

	info, err := os.Stat(c.Path("alice", "todoist"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0644 {
		t.Errorf("expected cache file permissions 0644, got %o", perm)
	}
}
