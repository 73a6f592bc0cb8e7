package query

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/pkg/types"
)

// cacheEntry represents a cached evidence set with expiration time
type cacheEntry struct {
	set       *types.EvidenceSet
	expiresAt time.Time // Zero never expires
}

// responseCache is an LRU of evidence sets keyed by the query hash. A nil
// cache stores nothing.
type responseCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[[32]byte, *cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

func newResponseCache(size int, ttl time.Duration) *responseCache {
	if size <= 0 {
		return nil
	}
	cache, err := lru.New[[32]byte, *cacheEntry](size)
	if err != nil {
		return nil
	}
	return &responseCache{cache: cache, ttl: ttl, now: time.Now}
}

func (c *responseCache) get(key [32]byte) (*types.EvidenceSet, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.RLock()
	entry, found := c.cache.Get(key)
	if !found {
		c.mu.RUnlock()
		return nil, false
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.RUnlock()

		c.mu.Lock()
		c.cache.Remove(key)
		c.mu.Unlock()
		return nil, false
	}
	set := copyEvidence(entry.set)
	c.mu.RUnlock()
	return set, true
}

func (c *responseCache) put(key [32]byte, set *types.EvidenceSet) {
	if c == nil {
		return
	}
	entry := &cacheEntry{set: copyEvidence(set)}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.cache.Add(key, entry)
	c.mu.Unlock()
}

func (c *responseCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cache.Purge()
	c.mu.Unlock()
}

func (c *responseCache) len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// copyEvidence creates a deep copy of an evidence set
func copyEvidence(src *types.EvidenceSet) *types.EvidenceSet {
	dst := *src
	dst.Items = make([]types.EvidenceItem, len(src.Items))
	for i, item := range src.Items {
		item.Chunk.Entities = append([]string(nil), item.Chunk.Entities...)
		dst.Items[i] = item
	}
	return &dst
}

// cacheKey hashes every input that shapes the answer
func cacheKey(req Request, filter storage.Filter) [32]byte {
	h := sha256.New()
	writeString := func(s string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeInt := func(v int64) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(v))
		h.Write(n[:])
	}

	writeString(req.Question)
	writeInt(int64(req.TopK))
	writeInt(int64(req.MaxHops))
	writeInt(int64(req.MaxFanout))
	writeInt(int64(req.TokenBudget))
	writeInt(int64(math.Float64bits(req.Alpha)))

	writeString(filter.Model)
	writeInt(filter.MinRevision)
	for _, list := range [][]string{filter.FilePaths, filter.EntityIDs} {
		sorted := append([]string(nil), list...)
		sort.Strings(sorted)
		writeInt(int64(len(sorted)))
		for _, s := range sorted {
			writeString(s)
		}
	}

	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}
