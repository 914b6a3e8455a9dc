package monitor

import (
	"sync"
	"time"
)

// ProcessedCache is the in-process record of files already published. It
// answers before the durable store is consulted.
type ProcessedCache struct {
	mu    sync.RWMutex
	files map[string]time.Time
}

func NewProcessedCache() *ProcessedCache {
	return &ProcessedCache{files: make(map[string]time.Time)}
}

func cacheKey(channelID, fileName string) string {
	return channelID + "/" + fileName
}

func (c *ProcessedCache) Has(channelID, fileName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.files[cacheKey(channelID, fileName)]
	return ok
}

func (c *ProcessedCache) Mark(channelID, fileName string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[cacheKey(channelID, fileName)] = at
}

func (c *ProcessedCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}
