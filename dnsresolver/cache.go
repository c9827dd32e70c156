package dnsresolver

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultNegativeTTL is how long an NXDOMAIN marker stays valid when the response
	// does not dictate otherwise.
	DefaultNegativeTTL = 60 * time.Second
	// cacheCleanUpEvery triggers a sweep of expired entries after this many stores.
	cacheCleanUpEvery = 256
)

type cacheKey struct {
	name  string
	qtype uint16
	class uint16
}

type cacheEntry struct {
	records  []dns.RR
	negative bool
	expiry   time.Time
}

// Cache stores positive record sets and negative (NXDOMAIN) markers per question.
// It may be shared by resolvers across loops; access is guarded internally and
// writers replace entries atomically under the lock.
type Cache struct {
	// NegativeTTL is the lifetime of NXDOMAIN markers.
	NegativeTTL time.Duration

	mutex   sync.Mutex
	counter int
	entries map[cacheKey]cacheEntry
}

// NewCache constructs an empty cache with the default negative TTL.
func NewCache() *Cache {
	return &Cache{
		NegativeTTL: DefaultNegativeTTL,
		entries:     make(map[cacheKey]cacheEntry),
	}
}

// Lookup returns the cached records for the question, or negative=true for a live
// NXDOMAIN marker. The boolean ok is false when the cache holds nothing usable.
func (cache *Cache) Lookup(name string, qtype, class uint16) (records []dns.RR, negative, ok bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	entry, exists := cache.entries[cacheKey{name: name, qtype: qtype, class: class}]
	if !exists || time.Now().After(entry.expiry) {
		return nil, false, false
	}
	return entry.records, entry.negative, true
}

// StorePositive remembers the answer records under a shared TTL-derived expiry.
func (cache *Cache) StorePositive(name string, qtype, class uint16, records []dns.RR) {
	if len(records) == 0 {
		return
	}
	ttl := records[0].Header().Ttl
	for _, record := range records[1:] {
		if record.Header().Ttl < ttl {
			ttl = record.Header().Ttl
		}
	}
	cache.store(cacheKey{name: name, qtype: qtype, class: class}, cacheEntry{
		records: records,
		expiry:  time.Now().Add(time.Duration(ttl) * time.Second),
	})
}

// StoreNegative remembers an NXDOMAIN marker for the question.
func (cache *Cache) StoreNegative(name string, qtype, class uint16) {
	negativeTTL := cache.NegativeTTL
	if negativeTTL == 0 {
		negativeTTL = DefaultNegativeTTL
	}
	cache.store(cacheKey{name: name, qtype: qtype, class: class}, cacheEntry{
		negative: true,
		expiry:   time.Now().Add(negativeTTL),
	})
}

func (cache *Cache) store(key cacheKey, entry cacheEntry) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.entries == nil {
		cache.entries = make(map[cacheKey]cacheEntry)
	}
	cache.entries[key] = entry
	cache.counter++
	if cache.counter%cacheCleanUpEvery == 0 {
		cache.cleanUp()
	}
}

// cleanUp removes all expired entries. The caller must hold the mutex.
func (cache *Cache) cleanUp() {
	now := time.Now()
	for key, entry := range cache.entries {
		if now.After(entry.expiry) {
			delete(cache.entries, key)
		}
	}
}

// Len returns the number of entries, expired ones included.
func (cache *Cache) Len() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return len(cache.entries)
}

func (key cacheKey) String() string {
	return fmt.Sprintf("%s/%s", key.name, dns.TypeToString[key.qtype])
}
