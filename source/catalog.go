package source

import (
	"context"
	"fmt"
	"sync"

	"go2tv.app/screenrec/internal/logging"
)

// Catalog stamps every enumeration with a new generation and remembers the
// latest result so descriptors can be validated before use.
type Catalog struct {
	provider Provider

	mu      sync.Mutex
	gen     uint64
	current map[string]Descriptor
}

// NewCatalog wraps p.
func NewCatalog(p Provider) *Catalog {
	return &Catalog{provider: p}
}

// List enumerates sources. Any provider failure is reported as
// ErrCatalogUnavailable; the previous enumeration is invalidated either way.
func (c *Catalog) List(ctx context.Context, q Query) ([]Descriptor, error) {
	if q.ThumbnailSize <= 0 {
		q.ThumbnailSize = DefaultThumbnailSize
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.current = nil
	c.mu.Unlock()

	list, err := c.provider.ListSources(ctx, q)
	if err != nil {
		logging.GetLogger("source").Warn("source enumeration failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	current := make(map[string]Descriptor, len(list))
	out := make([]Descriptor, 0, len(list))
	for _, d := range list {
		if !q.Wants(d.Kind) {
			continue
		}
		d.Generation = gen
		current[d.ID] = d
		out = append(out, d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// A newer enumeration started while this one was in flight.
		return nil, fmt.Errorf("%w: enumeration superseded", ErrCatalogUnavailable)
	}
	c.current = current
	return out, nil
}

// Validate returns ErrStaleDescriptor unless d came from the latest List.
func (c *Catalog) Validate(d Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Generation != c.gen || c.current == nil {
		return fmt.Errorf("%w: %s", ErrStaleDescriptor, d.ID)
	}
	if _, ok := c.current[d.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, d.ID)
	}
	return nil
}

// Lookup resolves an ID from the latest enumeration.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.current[id]
	return d, ok
}
