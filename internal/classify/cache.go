package classify

import "strings"

// Cache memoizes classifications by exact normalized (whitespace-trimmed)
// SQL text, so repeated statements within a session are scanned once. Not
// safe for concurrent use; each session owns its own Cache.
type Cache struct {
	m map[string]Classification
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]Classification)}
}

// Classify returns the memoized classification for sql, computing and
// storing it on first sight.
func (c *Cache) Classify(sql string) Classification {
	key := strings.TrimSpace(sql)
	if cl, ok := c.m[key]; ok {
		return cl
	}
	cl := Classify(key)
	c.m[key] = cl
	return cl
}

// Len reports how many distinct statements have been classified.
func (c *Cache) Len() int { return len(c.m) }
