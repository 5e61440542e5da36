// Package registry holds the legend (status) and layer catalogues.
//
// Both registries are loaded from the remote API, initialise each entry's
// visibility from the persisted hidden sets, and are only mutated through
// their own methods. Readers get copies.
package registry

import (
	"sync"

	"mapsync/core-go/internal/errs"
	"mapsync/core-go/internal/observer"
	"mapsync/core-go/internal/slugset"
)

// record is implemented by pointers to catalogue entries.
type record[E any] interface {
	*E
	key() string
	visibility() *bool
}

// catalog keeps entries in API order, keyed by slug.
type catalog[E any, P record[E]] struct {
	kind string

	mu    sync.RWMutex
	order []string
	items map[string]*E

	changed observer.List[E]
}

func newCatalog[E any, P record[E]](kind string) *catalog[E, P] {
	return &catalog[E, P]{kind: kind, items: make(map[string]*E)}
}

// replace swaps the whole entry set. Later duplicates of a slug win.
// A slug that is already known keeps its current visibility: only setVisible
// flips the flag, so a reload never changes it behind the observers' back.
func (c *catalog[E, P]) replace(entries []E) {
	order := make([]string, 0, len(entries))
	items := make(map[string]*E, len(entries))

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range entries {
		e := entries[i]
		slug := P(&e).key()
		if _, dup := items[slug]; !dup {
			order = append(order, slug)
		}
		if prev, ok := c.items[slug]; ok {
			*P(&e).visibility() = *P(prev).visibility()
		}
		items[slug] = &e
	}
	c.order = order
	c.items = items
}

func (c *catalog[E, P]) get(slug string) (E, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[slugset.Normalize(slug)]
	if !ok {
		var zero E
		return zero, false
	}
	return *e, true
}

func (c *catalog[E, P]) all() []E {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]E, 0, len(c.order))
	for _, slug := range c.order {
		out = append(out, *c.items[slug])
	}
	return out
}

func (c *catalog[E, P]) slugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

func (c *catalog[E, P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// setVisible flips an entry's flag. Setting the current value is a no-op that
// reports changed=false and notifies nobody.
func (c *catalog[E, P]) setVisible(slug string, visible bool) (changed bool, err error) {
	slug = slugset.Normalize(slug)

	c.mu.Lock()
	e, ok := c.items[slug]
	if !ok {
		c.mu.Unlock()
		return false, &errs.InvalidSlugError{Kind: c.kind, Slug: slug}
	}
	flag := P(e).visibility()
	if *flag == visible {
		c.mu.Unlock()
		return false, nil
	}
	*flag = visible
	snapshot := *e
	c.mu.Unlock()

	c.changed.Notify(snapshot)
	return true, nil
}

func (c *catalog[E, P]) update(slug string, fn func(P)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[slugset.Normalize(slug)]
	if !ok {
		return false
	}
	fn(P(e))
	return true
}
