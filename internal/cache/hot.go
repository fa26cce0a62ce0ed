package cache

import (
	"container/list"
	"time"
)

// entry is one hot-tier cache record. The hot copy is authoritative
// for TTL freshness; CreatedAt never changes, even after promotion
// from the durable tier.
type entry struct {
	Key            string
	Value          []byte
	Category       string
	Metadata       map[string]string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
}

func (e *entry) approxSize() int {
	size := len(e.Key) + len(e.Value)
	for k, v := range e.Metadata {
		size += len(k) + len(v)
	}
	return size
}

// hotTier is the process-local cache: a key map paired with one
// access-ordered list per category, so LRU eviction pops the list
// front instead of scanning every entry. Not safe for concurrent use;
// the Manager serializes access.
type hotTier struct {
	elements   map[string]*list.Element
	byCategory map[string]*list.List
}

func newHotTier() *hotTier {
	return &hotTier{
		elements:   make(map[string]*list.Element),
		byCategory: make(map[string]*list.List),
	}
}

// get returns the entry without touching access order.
func (h *hotTier) get(key string) (*entry, bool) {
	el, ok := h.elements[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry), true
}

// touch marks the entry most recently used within its category.
func (h *hotTier) touch(key string, now time.Time) {
	el, ok := h.elements[key]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	e.LastAccessedAt = now
	e.AccessCount++
	h.byCategory[e.Category].MoveToBack(el)
}

// put inserts or replaces an entry, marking it most recently used.
func (h *hotTier) put(e *entry) {
	if old, ok := h.elements[e.Key]; ok {
		h.byCategory[old.Value.(*entry).Category].Remove(old)
	}
	l, ok := h.byCategory[e.Category]
	if !ok {
		l = list.New()
		h.byCategory[e.Category] = l
	}
	h.elements[e.Key] = l.PushBack(e)
}

// remove deletes the entry for key, reporting whether it existed.
func (h *hotTier) remove(key string) bool {
	el, ok := h.elements[key]
	if !ok {
		return false
	}
	h.byCategory[el.Value.(*entry).Category].Remove(el)
	delete(h.elements, key)
	return true
}

// evictLRU removes and returns the least-recently-accessed entry of a
// category, or nil when the category is empty.
func (h *hotTier) evictLRU(category string) *entry {
	l, ok := h.byCategory[category]
	if !ok || l.Len() == 0 {
		return nil
	}
	el := l.Front()
	e := el.Value.(*entry)
	l.Remove(el)
	delete(h.elements, e.Key)
	return e
}

// categoryLen returns the live entry count for a category.
func (h *hotTier) categoryLen(category string) int {
	l, ok := h.byCategory[category]
	if !ok {
		return 0
	}
	return l.Len()
}

// keys returns every hot key, in no particular order.
func (h *hotTier) keys() []string {
	out := make([]string, 0, len(h.elements))
	for k := range h.elements {
		out = append(out, k)
	}
	return out
}

// entries returns every hot entry, in no particular order.
func (h *hotTier) entries() []*entry {
	out := make([]*entry, 0, len(h.elements))
	for _, el := range h.elements {
		out = append(out, el.Value.(*entry))
	}
	return out
}
