package compile

import (
	"sync"

	"github.com/example/go-opcheck/internal/graph"
)

type cacheKey struct {
	fingerprint string
	opts        Options
}

// Cache memoizes executables by graph fingerprint and options. It is safe
// for concurrent use; concurrent misses on the same key compile once.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	hits    int
	misses  int
}

type cacheEntry struct {
	once sync.Once
	exe  *Executable
	err  error
}

func NewCache() *Cache {
	return &Cache{entries: map[cacheKey]*cacheEntry{}}
}

// Get returns the executable for g, compiling it on first request.
func (c *Cache) Get(g *graph.Graph, opts Options) (*Executable, error) {
	if opts.TileSize <= 0 {
		opts.TileSize = DefaultOptions().TileSize
	}

	key := cacheKey{fingerprint: g.Fingerprint(), opts: opts}

	c.mu.Lock()

	e, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
		e = &cacheEntry{}
		c.entries[key] = e
	}

	c.mu.Unlock()

	e.once.Do(func() { e.exe, e.err = Compile(g, opts) })

	return e.exe, e.err
}

// Counts reports cache hits and misses.
func (c *Cache) Counts() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hits, c.misses
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
