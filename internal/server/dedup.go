package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// dedupCache remembers recently broadcast messages. Entries expire after the
// configured window and the total number of keys is bounded.
type dedupCache struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func newDedupCache(size int, window time.Duration) *dedupCache {
	return &dedupCache{
		seen: expirable.NewLRU[string, struct{}](size, nil, window),
	}
}

// markSeen records key and reports whether it had not been seen before.
func (d *dedupCache) markSeen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen.Get(key); ok {
		return false
	}

	d.seen.Add(key, struct{}{})
	return true
}

func dedupKey(id int, createdAt time.Time) string {
	return fmt.Sprintf("%d:%d", id, createdAt.UnixNano())
}
