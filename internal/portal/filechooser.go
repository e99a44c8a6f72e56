package portal

import (
	"context"
	"fmt"
	"net/url"

	"github.com/godbus/dbus/v5"
)

const saveFileName = CallBaseName + ".FileChooser.SaveFile"

// Filter is a named set of glob patterns shown in the file dialog.
type Filter struct {
	Name     string
	Patterns []string
}

// SaveFileOptions configures a FileChooser SaveFile request.
type SaveFileOptions struct {
	Title       string
	AcceptLabel string
	CurrentName string
	CurrentDir  string
	Filters     []Filter
}

type filterPattern struct {
	Kind    uint32
	Pattern string
}

type filterEntry struct {
	Name     string
	Patterns []filterPattern
}

// SaveFile shows the desktop's save dialog. It returns the chosen local path,
// or ok=false when the user cancelled.
func (c *Conn) SaveFile(ctx context.Context, opts SaveFileOptions) (path string, ok bool, err error) {
	token := NewToken("screenrec_save")
	data := map[string]dbus.Variant{
		"handle_token": FromString(token),
		"modal":        FromBool(true),
	}
	if opts.AcceptLabel != "" {
		data["accept_label"] = FromString(opts.AcceptLabel)
	}
	if opts.CurrentName != "" {
		data["current_name"] = FromString(opts.CurrentName)
	}
	if opts.CurrentDir != "" {
		data["current_folder"] = FromBytes(opts.CurrentDir)
	}
	if len(opts.Filters) > 0 {
		filters := make([]filterEntry, 0, len(opts.Filters))
		for _, f := range opts.Filters {
			entry := filterEntry{Name: f.Name}
			for _, p := range f.Patterns {
				entry.Patterns = append(entry.Patterns, filterPattern{Kind: 0, Pattern: p})
			}
			filters = append(filters, entry)
		}
		data["filters"] = dbus.MakeVariant(filters)
		data["current_filter"] = dbus.MakeVariant(filters[0])
	}

	resp, err := c.Request(ctx, token, func() (*dbus.Call, error) {
		return c.Call(ctx, ObjectPath, saveFileName, "", opts.Title, data)
	})
	if err != nil {
		return "", false, err
	}
	if resp.Status != Success {
		return "", false, nil
	}

	uris, _ := resp.Results["uris"].Value().([]string)
	if len(uris) == 0 {
		return "", false, fmt.Errorf("%w: no uris in save response", ErrUnexpectedResponse)
	}
	return FilePath(uris[0])
}

// FilePath converts a file:// URI to a local path.
func FilePath(uri string) (string, bool, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", false, fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", false, fmt.Errorf("%w: non-local uri %q", ErrUnexpectedResponse, uri)
	}
	return u.Path, true, nil
}
