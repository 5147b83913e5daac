// Package cache provides the hosting-API response cache. Entries are keyed
// by a request fingerprint (URL, query, auth principal) and carry the
// response body plus the upstream validator token (ETag). The validator is
// opaque; the hosting adapter sends it back on conditional requests and a
// not-modified answer revives the cached body past its TTL.
//
// Eviction is LRU bounded by total body bytes. Thread-safe.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// DefaultTTL is the default freshness window for cache entries.
const DefaultTTL = 5 * time.Minute

// DefaultMaxBytes is the default cache capacity (64 MiB of bodies).
const DefaultMaxBytes int64 = 64 << 20

// Key builds a request fingerprint from the resource URL, canonical query
// string and authenticated principal.
func Key(url, query, principal string) string {
	h := sha256.Sum256([]byte(url + "\x00" + query + "\x00" + principal))
	return hex.EncodeToString(h[:])
}

// Entry is a cached response.
type Entry struct {
	Body      []byte
	Validator string      // opaque upstream token, e.g. an ETag
	Header    http.Header // response headers replayed with the body, e.g. Link
	StoredAt  time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is within its TTL at time now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.TTL))
}

// Options configures a Cache instance.
type Options struct {
	// TTL is the freshness window for entries. Zero uses DefaultTTL.
	TTL time.Duration

	// MaxBytes bounds the sum of cached body sizes. Zero uses DefaultMaxBytes.
	MaxBytes int64
}

type node struct {
	key   string
	entry Entry
}

// Cache is a byte-bounded LRU of hosting-API responses.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element // values are *node
	lru      *list.List               // front = most recent
	ttl      time.Duration
	maxBytes int64
	size     int64

	hits   uint64
	misses uint64

	now func() time.Time
}

// New creates a Cache with the given options.
func New(opts Options) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		ttl:      ttl,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Get returns the entry for a key along with whether it exists and whether
// it is still fresh. A stale entry is returned too: its validator still
// enables a conditional request even when the body cannot be served as-is.
func (c *Cache) Get(key string) (Entry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return Entry{}, false, false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*node).entry
	fresh := e.Fresh(c.now())
	if fresh {
		c.hits++
	} else {
		c.misses++
	}
	return e, true, fresh
}

// Put stores a response body, validator and replayable headers under a key,
// evicting least recently used entries until the byte budget holds. Bodies
// larger than the whole budget are not cached.
func (c *Cache) Put(key string, body []byte, validator string, header http.Header) {
	if int64(len(body)) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{Body: body, Validator: validator, Header: header, StoredAt: c.now(), TTL: c.ttl}
	if el, ok := c.entries[key]; ok {
		n := el.Value.(*node)
		c.size += int64(len(body)) - int64(len(n.entry.Body))
		n.entry = e
		c.lru.MoveToFront(el)
	} else {
		el := c.lru.PushFront(&node{key: key, entry: e})
		c.entries[key] = el
		c.size += int64(len(body))
	}

	for c.size > c.maxBytes {
		c.evictOldestLocked()
	}
}

// Revalidate refreshes an entry's StoredAt after a not-modified response,
// extending its freshness without replacing the body.
func (c *Cache) Revalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return
	}
	n := el.Value.(*node)
	n.entry.StoredAt = c.now()
	c.lru.MoveToFront(el)
}

// Delete removes a single entry. No-op if the key doesn't exist.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return
	}
	c.removeLocked(el)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the sum of cached body sizes in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) removeLocked(el *list.Element) {
	n := el.Value.(*node)
	c.lru.Remove(el)
	delete(c.entries, n.key)
	c.size -= int64(len(n.entry.Body))
}

func (c *Cache) evictOldestLocked() {
	el := c.lru.Back()
	if el == nil {
		return
	}
	c.removeLocked(el)
}
