// Package webcache is a content-addressed on-disk cache for fetched web
// pages. Entries are keyed by SHA-256 of the URL and carry a JSON metadata
// sidecar; an entry without its sidecar is treated as a miss.
package webcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quillhq/quill/pkg/config"
)

// Metadata is the sidecar stored next to each cached body.
type Metadata struct {
	URL          string            `json:"url"`
	ContentType  string            `json:"content_type"`
	Title        string            `json:"title,omitempty"`
	FetchTimeUTC string            `json:"fetch_time_utc"`
	Extracted    map[string]string `json:"extracted_metadata,omitempty"`
}

// Cache stores raw fetched bytes plus metadata on disk with a TTL.
type Cache struct {
	dir string
	ttl time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

func New(cfg *config.WebCacheConfig) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{
		dir: cfg.Dir,
		ttl: time.Duration(cfg.ExpirationDays) * 24 * time.Hour,
		now: time.Now,
	}, nil
}

// Get returns the cached body and metadata for url, or ok=false on miss.
// Expired and incomplete entries are misses.
func (c *Cache) Get(url string) ([]byte, *Metadata, bool) {
	bodyPath, metaPath := c.paths(url)

	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, nil, false
	}
	meta := &Metadata{}
	if err := json.Unmarshal(metaRaw, meta); err != nil {
		return nil, nil, false
	}

	fetchedAt, err := time.Parse(time.RFC3339, meta.FetchTimeUTC)
	if err != nil || c.now().Sub(fetchedAt) > c.ttl {
		return nil, nil, false
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return nil, nil, false
	}
	return body, meta, true
}

// Put stores body and metadata atomically (write to temp, then rename).
// FetchTimeUTC is stamped here.
func (c *Cache) Put(url string, body []byte, meta Metadata) error {
	bodyPath, metaPath := c.paths(url)

	meta.URL = url
	meta.FetchTimeUTC = c.now().UTC().Format(time.RFC3339)

	metaRaw, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Body lands before the sidecar so a crash between the two renames
	// leaves a miss, never a sidecar pointing at nothing.
	if err := writeAtomic(bodyPath, body); err != nil {
		return fmt.Errorf("failed to write cache body: %w", err)
	}
	if err := writeAtomic(metaPath, metaRaw); err != nil {
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	return nil
}

// Invalidate removes the entry for url if present.
func (c *Cache) Invalidate(url string) error {
	bodyPath, metaPath := c.paths(url)
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Cache) paths(url string) (body, meta string) {
	sum := sha256.Sum256([]byte(url))
	key := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, key+".cache"), filepath.Join(c.dir, key+".meta.json")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
