// Package source describes capturable screens and windows and the catalog
// that enumerates them.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCatalogUnavailable = errors.New("source catalog unavailable")
	ErrStaleDescriptor    = errors.New("source descriptor is not from the most recent enumeration")
	ErrUnknownSource      = errors.New("unknown source")
)

// Kind is the type of a capturable source.
type Kind uint8

const (
	KindScreen Kind = iota + 1
	KindWindow
)

func (k Kind) String() string {
	switch k {
	case KindScreen:
		return "screen"
	case KindWindow:
		return "window"
	default:
		return "unknown"
	}
}

// ParseKind parses "screen" or "window".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "screen", "monitor":
		return KindScreen, nil
	case "window":
		return KindWindow, nil
	default:
		return 0, fmt.Errorf("unknown source kind %q", s)
	}
}

// DefaultThumbnailSize is the bounding box used when a Query does not set one.
const DefaultThumbnailSize = 150

// Query selects which sources to enumerate.
type Query struct {
	Kinds []Kind
	// ThumbnailSize bounds thumbnail width and height in pixels.
	ThumbnailSize int
}

// Wants reports whether k was requested. An empty Kinds list means all.
func (q Query) Wants(k Kind) bool {
	if len(q.Kinds) == 0 {
		return true
	}
	for _, want := range q.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Descriptor identifies one capturable source. IDs are unique within the
// enumeration that produced them and must not be reused across enumerations.
type Descriptor struct {
	ID   string
	Name string
	Kind Kind
	// Thumbnail is a PNG image, empty when none could be captured.
	Thumbnail []byte
	// Generation is stamped by Catalog.
	Generation uint64
}

func (d Descriptor) String() string {
	if d.Name == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// Provider enumerates sources from the host platform.
type Provider interface {
	ListSources(ctx context.Context, q Query) ([]Descriptor, error)
}
