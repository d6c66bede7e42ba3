package coordinator

import (
	"container/list"
	"time"
)

type failureEntry struct {
	key string
	err error
	at  time.Time
}

// FailureCache remembers recent deterministic failures by content key. Entries
// expire once older than maxAge and the oldest insertion is evicted once
// maxEntries is reached. It is not safe for concurrent use.
type FailureCache struct {
	maxAge     time.Duration
	maxEntries int
	now        func() time.Time

	order   *list.List
	entries map[string]*list.Element
}

// NewFailureCache creates an empty cache. A nil now uses time.Now.
func NewFailureCache(maxAge time.Duration, maxEntries int, now func() time.Time) *FailureCache {
	if now == nil {
		now = time.Now
	}

	return &FailureCache{
		maxAge:     maxAge,
		maxEntries: maxEntries,
		now:        now,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get returns the error remembered for key, or nil on a miss. An expired
// entry is dropped and reported as a miss.
func (c *FailureCache) Get(key string) error {
	elem, ok := c.entries[key]
	if !ok {
		return nil
	}

	entry, _ := elem.Value.(*failureEntry)
	if c.now().Sub(entry.at) > c.maxAge {
		c.remove(elem)

		return nil
	}

	return entry.err
}

// Put remembers err for key, replacing any previous entry for it. A nil err
// is ignored.
func (c *FailureCache) Put(key string, err error) {
	if err == nil || c.maxEntries < 1 {
		return
	}

	if elem, ok := c.entries[key]; ok {
		c.remove(elem)
	}

	for c.order.Len() >= c.maxEntries {
		c.remove(c.order.Front())
	}

	c.entries[key] = c.order.PushBack(&failureEntry{key: key, err: err, at: c.now()})
}

// Len returns the number of entries, expired ones included.
func (c *FailureCache) Len() int {
	return c.order.Len()
}

func (c *FailureCache) remove(elem *list.Element) {
	entry, _ := c.order.Remove(elem).(*failureEntry)
	delete(c.entries, entry.key)
}
