package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/internal/config"
	"go2tv.app/screenrec/internal/version"
	"go2tv.app/screenrec/source"
)

func execute(t *testing.T, stdin string, args ...string) (*Dependencies, string, error) {
	t.Helper()
	var out bytes.Buffer
	deps := NewDependencies(strings.NewReader(stdin), &out)
	// Keep the user's config file out of tests.
	deps.Options.Config = filepath.Join(t.TempDir(), "missing.toml")

	cmd := NewRootCmd(deps)
	cmd.SetArgs(args)
	err := cmd.Execute()
	require.NoError(t, deps.Close())
	return deps, out.String(), err
}

func TestVersionCmd(t *testing.T) {
	_, out, err := execute(t, "", "version")
	require.NoError(t, err)
	require.Equal(t, version.Full()+"\n", out)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[capture]\nframe_rate = 15\nbackend = \"test\"\n"), 0o644))

	deps, _, err := execute(t, "", "version", "--config", path, "--frame-rate", "24")
	require.NoError(t, err)
	require.Equal(t, 24, deps.Options.FrameRate)
	require.Equal(t, config.BackendTest, deps.Options.Backend)
}

func TestSourcesListsTestPatterns(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	_, out, err := execute(t, "", "sources", "--backend", "test", "--kinds", "screen,window")
	require.NoError(t, err)
	require.Contains(t, out, "test:screen")
	require.Contains(t, out, "test:window")
}

type staticSources []source.Descriptor

func (s staticSources) ListSources(context.Context, source.Query) ([]source.Descriptor, error) {
	return s, nil
}

func TestResolveSource(t *testing.T) {
	catalog := source.NewCatalog(staticSources{
		{ID: "1/screen:40", Name: "Monitor", Kind: source.KindScreen},
		{ID: "1/window:41", Name: "Terminal", Kind: source.KindWindow},
	})
	list, err := catalog.List(context.Background(), source.Query{})
	require.NoError(t, err)

	d, err := resolveSource(catalog, list, "")
	require.NoError(t, err)
	require.Equal(t, "1/screen:40", d.ID)

	d, err = resolveSource(catalog, list, "2")
	require.NoError(t, err)
	require.Equal(t, "Terminal", d.Name)

	d, err = resolveSource(catalog, list, "1/screen:40")
	require.NoError(t, err)
	require.Equal(t, "Monitor", d.Name)
	require.NoError(t, catalog.Validate(d))

	_, err = resolveSource(catalog, list, "3")
	require.ErrorIs(t, err, source.ErrUnknownSource)

	_, err = resolveSource(catalog, list, "2/screen:40")
	require.ErrorIs(t, err, source.ErrUnknownSource)
}

func TestLineInputSharesLines(t *testing.T) {
	in := newLineInput(strings.NewReader("\nfirst answer\nq\n"))

	require.Equal(t, "\n", <-in.Lines())

	// A reader consumer gets the next whole line.
	buf := make([]byte, 64)
	n, err := in.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "first answer\n", string(buf[:n]))

	require.Equal(t, "q\n", <-in.Lines())

	_, ok := <-in.Lines()
	require.False(t, ok)
	_, err = in.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestSafeName(t *testing.T) {
	require.Equal(t, "Firefox__1920x1080_", safeName("Firefox (1920x1080)"))
	require.Equal(t, "source", safeName(""))
}
