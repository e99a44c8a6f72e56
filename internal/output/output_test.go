package output

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/source"
)

func TestFormatClock(t *testing.T) {
	require.Equal(t, "00:00", FormatClock(0))
	require.Equal(t, "00:59", FormatClock(59*time.Second+900*time.Millisecond))
	require.Equal(t, "01:05", FormatClock(65*time.Second))
	require.Equal(t, "75:03", FormatClock(75*time.Minute+3*time.Second))
	require.Equal(t, "00:00", FormatClock(-time.Second))
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "999 B", FormatBytes(999))
	require.Equal(t, "3.0 KiB", FormatBytes(3072))
}

func TestSourceListItem(t *testing.T) {
	var b strings.Builder
	f := NewFormatter(&b)
	f.SourceListItem(1, source.Descriptor{ID: "3/window:61", Name: "Terminal", Kind: source.KindWindow, Thumbnail: []byte{1}})

	out := b.String()
	require.Contains(t, out, " 1. [window] Terminal  (3/window:61)")
	require.Contains(t, out, "🖼️")
}

func TestClockRedrawsLine(t *testing.T) {
	var b strings.Builder
	NewFormatter(&b).Clock(61 * time.Second)
	require.True(t, strings.HasPrefix(b.String(), "\r"))
	require.Contains(t, b.String(), "01:01")
}
