package source

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	lists [][]Descriptor
	err   error
	calls int
}

func (p *fakeProvider) ListSources(_ context.Context, _ Query) ([]Descriptor, error) {
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls
	if i >= len(p.lists) {
		i = len(p.lists) - 1
	}
	p.calls++
	return p.lists[i], nil
}

func TestCatalogStampsGenerations(t *testing.T) {
	p := &fakeProvider{lists: [][]Descriptor{
		{{ID: "screen:0", Kind: KindScreen}, {ID: "window:7", Kind: KindWindow}},
		{{ID: "screen:1", Kind: KindScreen}},
	}}
	c := NewCatalog(p)

	first, err := c.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NoError(t, c.Validate(first[0]))

	second, err := c.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Greater(t, second[0].Generation, first[0].Generation)

	require.ErrorIs(t, c.Validate(first[0]), ErrStaleDescriptor)
	require.NoError(t, c.Validate(second[0]))

	_, ok := c.Lookup("screen:0")
	require.False(t, ok)
	d, ok := c.Lookup("screen:1")
	require.True(t, ok)
	require.Equal(t, second[0], d)
}

func TestCatalogFiltersKinds(t *testing.T) {
	p := &fakeProvider{lists: [][]Descriptor{
		{{ID: "screen:0", Kind: KindScreen}, {ID: "window:7", Kind: KindWindow}},
	}}
	c := NewCatalog(p)

	list, err := c.List(context.Background(), Query{Kinds: []Kind{KindWindow}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "window:7", list[0].ID)
}

func TestCatalogUnavailable(t *testing.T) {
	denied := errors.New("permission denied")
	c := NewCatalog(&fakeProvider{err: denied})

	_, err := c.List(context.Background(), Query{})
	require.ErrorIs(t, err, ErrCatalogUnavailable)
	require.ErrorIs(t, err, denied)

	require.ErrorIs(t, c.Validate(Descriptor{ID: "screen:0"}), ErrStaleDescriptor)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Screen")
	require.NoError(t, err)
	require.Equal(t, KindScreen, k)

	k, err = ParseKind("window")
	require.NoError(t, err)
	require.Equal(t, KindWindow, k)

	_, err = ParseKind("tab")
	require.Error(t, err)
}

func TestThumbnailFitsBox(t *testing.T) {
	const w, h = 320, 180
	frame := make([]byte, w*h*4)
	for i := 0; i < len(frame); i += 4 {
		frame[i] = 0x10   // B
		frame[i+1] = 0x20 // G
		frame[i+2] = 0x30 // R
	}

	data, err := Thumbnail(frame, w, h, 150)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 150, img.Bounds().Dx())
	require.Equal(t, 84, img.Bounds().Dy())

	r, g, b, _ := img.At(10, 10).RGBA()
	require.Equal(t, uint32(0x30), r>>8)
	require.Equal(t, uint32(0x20), g>>8)
	require.Equal(t, uint32(0x10), b>>8)
}

func TestThumbnailRejectsShortFrame(t *testing.T) {
	_, err := Thumbnail(make([]byte, 10), 4, 4, 150)
	require.Error(t, err)
}
