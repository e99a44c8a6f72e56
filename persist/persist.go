// Package persist hands a finished recording to the user for saving.
package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var ErrSaveFailed = errors.New("save failed")

// Buffer is an assembled recording.
type Buffer struct {
	Data      []byte
	MediaType string
}

// Request describes the save prompt.
type Request struct {
	SuggestedName string
	// Extensions lists accepted file extensions without the dot; "*" means
	// any.
	Extensions []string
}

// Result reports where the buffer went. Saved is false when the user
// cancelled.
type Result struct {
	Saved bool
	Path  string
}

// Gateway asks for a destination and writes the buffer there. Cancellation
// is a Result with Saved false and a nil error; write failures wrap
// ErrSaveFailed.
type Gateway interface {
	Save(ctx context.Context, buf Buffer, req Request) (Result, error)
}

// SuggestedName returns the default file name for a recording finished at
// now.
func SuggestedName(now time.Time) string {
	return "recording-" + strconv.FormatInt(now.UnixMilli(), 10) + ".webm"
}

// DefaultRequest is the request used for every recording.
func DefaultRequest(now time.Time) Request {
	return Request{SuggestedName: SuggestedName(now), Extensions: []string{"webm", "*"}}
}

// WriteFile writes data to path through a temporary file in the same
// directory, so a failed write never leaves a partial recording behind.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %w", ErrSaveFailed, path, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %w", ErrSaveFailed, path, err)
	}
	return nil
}

// Dir saves every recording under a fixed directory without asking.
type Dir struct {
	Path string
}

func (d Dir) Save(ctx context.Context, buf Buffer, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	path := filepath.Join(d.Path, req.SuggestedName)
	if err := WriteFile(path, buf.Data); err != nil {
		return Result{}, err
	}
	return Result{Saved: true, Path: path}, nil
}
