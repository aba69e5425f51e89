// Package cache persists remote metadata snapshots between CLI invocations.
// Mapping screens need the provider's project and label catalogs; refetching
// them on every command is slow and burns rate limit, so the last snapshot is
// kept as a JSON file under the cache directory with a TTL.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"todosync/provider"

	"todosync/internal/utils"
)

// DefaultTTL is how long a snapshot stays fresh when no TTL is configured.
const DefaultTTL = 5 * time.Minute

// Metadata is one cached snapshot of a provider's project and label catalogs.
type Metadata struct {
	FetchedAt time.Time          `json:"fetched_at"`
	Provider  string             `json:"provider"`
	UserID    string             `json:"user_id"`
	Projects  []provider.Project `json:"projects"`
	Labels    []provider.Label   `json:"labels"`
}

// Age returns how old the snapshot is.
func (m *Metadata) Age() time.Duration {
	return time.Since(m.FetchedAt)
}

// Cache reads and writes metadata snapshots under dir.
type Cache struct {
	dir string
	ttl time.Duration
}

// New creates a Cache rooted at dir. A non-positive ttl falls back to
// DefaultTTL.
func New(dir string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{dir: dir, ttl: ttl}
}

// Path returns the snapshot file path for a user and provider.
func (c *Cache) Path(userID, providerName string) string {
	return filepath.Join(c.dir, fmt.Sprintf("metadata-%s-%s.json", providerName, userID))
}

// Load returns the cached snapshot for a user and provider. The second return
// is false when there is no snapshot, it has expired, or it cannot be parsed.
func (c *Cache) Load(userID, providerName string) (*Metadata, bool) {
	data, err := os.ReadFile(c.Path(userID, providerName))
	if err != nil {
		return nil, false
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		utils.Debugf("metadata cache for %s/%s is corrupt, refetching: %v", providerName, userID, err)
		return nil, false
	}

	if md.Age() > c.ttl {
		utils.Debugf("metadata cache for %s/%s expired (age %s, ttl %s)", providerName, userID, md.Age().Round(time.Second), c.ttl)
		return nil, false
	}
	return &md, true
}

// Store writes a snapshot, stamping FetchedAt if the caller left it zero.
// The write goes through a temp file and rename so a crashed process never
// leaves a half-written snapshot behind.
func (c *Cache) Store(md *Metadata) error {
	if md.FetchedAt.IsZero() {
		md.FetchedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata cache: %w", err)
	}

	path := c.Path(md.UserID, md.Provider)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace metadata cache: %w", err)
	}
	return nil
}

// Invalidate removes the snapshot for a user and provider. Missing snapshots
// are not an error.
func (c *Cache) Invalidate(userID, providerName string) error {
	err := os.Remove(c.Path(userID, providerName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// FetchFunc retrieves fresh catalogs from the provider.
type FetchFunc func() ([]provider.Project, []provider.Label, error)

// GetOrFetch returns the cached snapshot when fresh, otherwise calls fetch
// and stores the result. With refresh true the cache is bypassed outright.
func (c *Cache) GetOrFetch(userID, providerName string, refresh bool, fetch FetchFunc) (*Metadata, error) {
	if !refresh {
		if md, ok := c.Load(userID, providerName); ok {
			utils.Debugf("metadata cache hit for %s/%s (age %s)", providerName, userID, md.Age().Round(time.Second))
			return md, nil
		}
	}

	projects, labels, err := fetch()
	if err != nil {
		return nil, err
	}

	md := &Metadata{
		FetchedAt: time.Now().UTC(),
		Provider:  providerName,
		UserID:    userID,
		Projects:  projects,
		Labels:    labels,
	}
	if err := c.Store(md); err != nil {
		// A failed cache write shouldn't fail the command that needed the data.
		utils.Warnf("failed to store metadata cache for %s/%s: %v", providerName, userID, err)
	}
	return md, nil
}
