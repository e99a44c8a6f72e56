package screencast

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/source"
)

func TestParseStreams(t *testing.T) {
	raw := []any{
		[]any{uint32(57), map[string]dbus.Variant{
			"size":        dbus.MakeVariant([]any{int32(1920), int32(1080)}),
			"position":    dbus.MakeVariant([]any{int32(0), int32(0)}),
			"source_type": dbus.MakeVariant(SourceTypeMonitor),
			"id":          dbus.MakeVariant("DP-1"),
		}},
		[]any{uint32(61), map[string]dbus.Variant{
			"size":        dbus.MakeVariant([]int32{800, 600}),
			"source_type": dbus.MakeVariant(SourceTypeWindow),
		}},
		[]any{uint32(99)},
	}

	streams := parseStreams(raw)
	require.Len(t, streams, 2)
	require.Equal(t, uint32(57), streams[0].NodeID)
	require.Equal(t, [2]int32{1920, 1080}, streams[0].Size)
	require.Equal(t, "DP-1", streams[0].ID)
	require.Equal(t, [2]int32{800, 600}, streams[1].Size)
	require.Equal(t, SourceTypeWindow, streams[1].SourceType)
}

func TestDescribeAndParseID(t *testing.T) {
	d := describe(3, Stream{NodeID: 57, Size: [2]int32{1920, 1080}, SourceType: SourceTypeMonitor, ID: "DP-1"})
	require.Equal(t, "3/screen:57", d.ID)
	require.Equal(t, "DP-1 (1920x1080)", d.Name)
	require.Equal(t, source.KindScreen, d.Kind)

	w := describe(4, Stream{NodeID: 61, Size: [2]int32{800, 600}, SourceType: SourceTypeWindow})
	require.Equal(t, "window 61 (800x600)", w.Name)
	require.Equal(t, source.KindWindow, w.Kind)

	seq, key, err := parseID(d.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
	require.Equal(t, "screen:57", key)

	_, _, err = parseID("garbage")
	require.ErrorIs(t, err, source.ErrUnknownSource)
	_, _, err = parseID("x/screen:1")
	require.ErrorIs(t, err, source.ErrUnknownSource)
}

func TestPortalTypes(t *testing.T) {
	require.Equal(t, SourceTypeMonitor|SourceTypeWindow, portalTypes(source.Query{}))
	require.Equal(t, SourceTypeWindow, portalTypes(source.Query{Kinds: []source.Kind{source.KindWindow}}))
}

type enumLog struct{ closed map[uint64]int }

func (l *enumLog) enumeration(seq uint64) *enumeration {
	st := Stream{NodeID: 5, Size: [2]int32{640, 480}, SourceType: SourceTypeMonitor}
	return &enumeration{
		fd:      -1,
		streams: map[string]Stream{streamKey(st): st},
		closeSession: func(context.Context) error {
			l.closed[seq]++
			return nil
		},
	}
}

func TestSupersededEnumerationIsReapedOnceReleased(t *testing.T) {
	p := NewPlatform(nil, PlatformOptions{})
	l := &enumLog{closed: make(map[uint64]int)}

	p.add(l.enumeration(1))
	_, _, release, err := p.acquire("1/screen:5")
	require.NoError(t, err)

	p.add(l.enumeration(2))
	require.Empty(t, l.closed, "an enumeration in use survives being superseded")

	// Reopening the same source after a release still works.
	release()
	release()
	require.Empty(t, l.closed)
	_, _, release, err = p.acquire("1/screen:5")
	require.NoError(t, err)
	release()

	_, _, release, err = p.acquire("2/screen:5")
	require.NoError(t, err)
	require.Equal(t, map[uint64]int{1: 1}, l.closed)
	_, _, _, err = p.acquire("1/screen:5")
	require.ErrorIs(t, err, source.ErrUnknownSource)

	p.add(l.enumeration(3))
	release()
	p.add(l.enumeration(4))
	require.Equal(t, map[uint64]int{1: 1, 3: 1}, l.closed)

	require.NoError(t, p.Close())
	require.Equal(t, map[uint64]int{1: 1, 2: 1, 3: 1, 4: 1}, l.closed)
}
