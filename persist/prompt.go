package persist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Prompt asks for a destination on a terminal. An empty answer accepts the
// suggested name inside Dir; "-" or end of input cancels.
type Prompt struct {
	In  *bufio.Reader
	Out io.Writer
	Dir string
}

func NewPrompt(in io.Reader, out io.Writer, dir string) *Prompt {
	return &Prompt{In: bufio.NewReader(in), Out: out, Dir: dir}
}

func (p *Prompt) Save(ctx context.Context, buf Buffer, req Request) (Result, error) {
	def := filepath.Join(p.Dir, req.SuggestedName)
	fmt.Fprintf(p.Out, "Save recording (%s) to [%s] (- to discard): ", humanBytes(len(buf.Data)), def)

	answer, err := p.readLine(ctx)
	if err != nil {
		fmt.Fprintln(p.Out)
		return Result{}, nil
	}
	answer = strings.TrimSpace(answer)

	var path string
	switch {
	case answer == "-":
		return Result{}, nil
	case answer == "":
		path = def
	default:
		path = expandHome(answer)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, req.SuggestedName)
		}
		if filepath.Ext(path) == "" && !acceptsAny(req.Extensions) && len(req.Extensions) > 0 {
			path += "." + req.Extensions[0]
		}
	}

	if err := WriteFile(path, buf.Data); err != nil {
		return Result{}, err
	}
	return Result{Saved: true, Path: path}, nil
}

// readLine returns io.EOF when input ends or ctx is cancelled first.
func (p *Prompt) readLine(ctx context.Context) (string, error) {
	type line struct {
		s   string
		err error
	}
	ch := make(chan line, 1)
	go func() {
		s, err := p.In.ReadString('\n')
		if err != nil && s != "" {
			err = nil
		}
		ch <- line{s, err}
	}()

	select {
	case <-ctx.Done():
		return "", io.EOF
	case l := <-ch:
		return l.s, l.err
	}
}

func acceptsAny(exts []string) bool {
	for _, e := range exts {
		if e == "*" {
			return len(exts) == 1
		}
	}
	return false
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func humanBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
