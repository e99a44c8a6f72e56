package persist

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go2tv.app/screenrec/internal/portal"
)

// FileChooser shows a save dialog. *portal.Conn implements it.
type FileChooser interface {
	SaveFile(ctx context.Context, opts portal.SaveFileOptions) (path string, ok bool, err error)
}

// Portal asks through the desktop's FileChooser portal.
type Portal struct {
	Chooser FileChooser
	// Dir is suggested as the starting folder when set.
	Dir string
}

func (p *Portal) Save(ctx context.Context, buf Buffer, req Request) (Result, error) {
	path, ok, err := p.Chooser.SaveFile(ctx, portal.SaveFileOptions{
		Title:       "Save Recording",
		AcceptLabel: "Save Recording",
		CurrentName: req.SuggestedName,
		CurrentDir:  p.Dir,
		Filters:     fileFilters(req.Extensions),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: file chooser: %w", ErrSaveFailed, err)
	}
	if !ok {
		return Result{}, nil
	}
	if filepath.Ext(path) == "" {
		path += filepath.Ext(req.SuggestedName)
	}

	if err := WriteFile(path, buf.Data); err != nil {
		return Result{}, err
	}
	return Result{Saved: true, Path: path}, nil
}

// fileFilters builds one chooser filter per extension, "*" meaning any file.
func fileFilters(exts []string) []portal.Filter {
	filters := make([]portal.Filter, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimPrefix(ext, ".")
		if ext == "*" {
			filters = append(filters, portal.Filter{Name: "All Files", Patterns: []string{"*"}})
			continue
		}
		filters = append(filters, portal.Filter{Name: strings.ToUpper(ext) + " files", Patterns: []string{"*." + ext}})
	}
	return filters
}
