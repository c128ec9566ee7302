package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anycrawl/anycrawl/internal/blobstore"
)

// PageEntry is the value stored per fingerprint version.
type PageEntry struct {
	URL       string          `json:"url"`
	Document  json.RawMessage `json:"content_fields"`
	CachedAt  time.Time       `json:"cached_at"`
}

// MapEntry is the value stored for the domain-keyed map cache.
type MapEntry struct {
	URLs        []string  `json:"urls"`
	URLCount    int       `json:"url_count"`
	Source      string    `json:"source"` // sitemap | search | crawl | combined
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Store is the page/map fingerprint cache over a blob backend.
type Store struct {
	Blob       blobstore.Store
	Prefix     string
	DefaultTTL time.Duration
}

func New(blob blobstore.Store, prefix string, defaultTTL time.Duration) *Store {
	return &Store{Blob: blob, Prefix: prefix, DefaultTTL: defaultTTL}
}

// Lookup returns the newest page entry under the fingerprint's prefix whose
// cached_at is within now-maxAge. maxAge==0 forces a miss; a nil maxAge
// uses the store default. The fingerprint is the pair (urlHash,
// optionsHash): a request for the same URL with different formats/engine/
// options hashes to a different prefix and never hits this one's blobs.
func (s *Store) Lookup(ctx context.Context, urlHash, optionsHash string, maxAge *time.Duration) (*PageEntry, bool, error) {
	ttl := s.DefaultTTL
	if maxAge != nil {
		if *maxAge == 0 {
			return nil, false, nil
		}
		ttl = *maxAge
	}

	keys, err := s.Blob.ListKeys(ctx, BlobPrefix(s.Prefix, urlHash, optionsHash))
	if err != nil {
		return nil, false, fmt.Errorf("cache: list keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, false, nil
	}

	newest, ok := newestKey(keys)
	if !ok {
		return nil, false, nil
	}

	body, err := s.Blob.Get(ctx, newest)
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", newest, err)
	}
	var entry PageEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, false, fmt.Errorf("cache: decode %s: %w", newest, err)
	}

	if time.Since(entry.CachedAt) > ttl {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Store writes a new versioned object; it never evicts older versions —
// reads always pick the newest within TTL.
func (s *Store) Store(ctx context.Context, urlHash, optionsHash string, entry PageEntry, nowEpochMs int64) error {
	entry.CachedAt = time.UnixMilli(nowEpochMs).UTC()
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := ObjectKey(s.Prefix, urlHash, optionsHash, nowEpochMs)
	return s.Blob.Put(ctx, key, body)
}

// LookupMap returns the map cache entry for a domain hash if present.
func (s *Store) LookupMap(ctx context.Context, domainHash string) (*MapEntry, bool, error) {
	key := "map/" + domainHash + ".json"
	body, err := s.Blob.Get(ctx, key)
	if err != nil {
		return nil, false, nil //nolint:nilerr // missing key is a cache miss, not an error
	}
	var entry MapEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, false, fmt.Errorf("cache: decode map entry %s: %w", key, err)
	}
	return &entry, true, nil
}

func (s *Store) StoreMap(ctx context.Context, domainHash string, entry MapEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.Blob.Put(ctx, "map/"+domainHash+".json", body)
}

// newestKey picks the key with the largest epoch_ms suffix.
func newestKey(keys []string) (string, bool) {
	sort.Slice(keys, func(i, j int) bool {
		return epochOf(keys[i]) < epochOf(keys[j])
	})
	if len(keys) == 0 {
		return "", false
	}
	return keys[len(keys)-1], true
}

func epochOf(key string) int64 {
	base := blobstore.EpochFromKey(key)
	base = strings.TrimSuffix(base, ".json")
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
