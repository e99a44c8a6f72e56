package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/source"
)

func pipeTrack(t *testing.T, kind TrackKind, frameSize int) (*Track, *io.PipeWriter) {
	t.Helper()
	pr, pw := io.Pipe()
	tr, err := NewTrack(kind, pr, frameSize)
	require.NoError(t, err)
	return tr, pw
}

type fakeBackend struct {
	mu      sync.Mutex
	opened  []*Stream
	audio   []bool
	err     error
	overlap bool
}

func (b *fakeBackend) Open(_ context.Context, d source.Descriptor, audio bool) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}
	for _, st := range b.opened {
		select {
		case <-st.Video.Done():
		default:
			b.overlap = true
		}
	}

	pr, _ := io.Pipe()
	video, err := NewTrack(TrackVideo, pr, 16)
	if err != nil {
		return nil, err
	}
	st, err := NewStream(StreamOptions{
		SourceID:       d.ID,
		Width:          2,
		Height:         2,
		FrameRate:      30,
		AudioRequested: audio,
		Video:          video,
	})
	if err != nil {
		return nil, err
	}
	b.opened = append(b.opened, st)
	b.audio = append(b.audio, audio)
	return st, nil
}

type staleValidator struct{ stale map[string]bool }

func (v staleValidator) Validate(d source.Descriptor) error {
	if v.stale[d.ID] {
		return source.ErrStaleDescriptor
	}
	return nil
}

func TestTrackFansOutFrames(t *testing.T) {
	tr, pw := pipeTrack(t, TrackVideo, 4)
	defer tr.Stop()

	a, err := tr.Subscribe(16)
	require.NoError(t, err)
	b, err := tr.Subscribe(16)
	require.NoError(t, err)

	_, err = pw.Write([]byte("aaaabbbb"))
	require.NoError(t, err)

	for _, sub := range []*Subscription{a, b} {
		buf := make([]byte, 8)
		_, err := io.ReadFull(sub, buf)
		require.NoError(t, err)
		require.Equal(t, "aaaabbbb", string(buf))
	}
	require.Equal(t, []byte("bbbb"), tr.Latest())

	require.NoError(t, pw.Close())
	<-tr.Done()

	_, err = a.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	_, err = tr.Subscribe(0)
	require.ErrorIs(t, err, ErrTrackEnded)
}

func TestTrackSnapshotWaitsForFirstFrame(t *testing.T) {
	tr, pw := pipeTrack(t, TrackVideo, 4)
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := tr.Snapshot(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = pw.Write([]byte("wxyz")) }()

	frame, err := tr.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wxyz", string(frame))
}

func TestTrackStopEndsSubscriptions(t *testing.T) {
	tr, _ := pipeTrack(t, TrackAudio, AudioFrameSize)

	sub, err := tr.Subscribe(0)
	require.NoError(t, err)

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())

	_, err = sub.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, tr.Err())
}

func TestSubscriptionCloseUnsubscribes(t *testing.T) {
	tr, pw := pipeTrack(t, TrackVideo, 2)
	defer tr.Stop()

	sub, err := tr.Subscribe(1)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// The track keeps reading with no subscribers.
	_, err = pw.Write([]byte("zz"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(tr.Latest()) == "zz" }, time.Second, time.Millisecond)
}

func TestSubscriptionDrainDeliversQueuedFrames(t *testing.T) {
	tr, pw := pipeTrack(t, TrackVideo, 2)
	defer tr.Stop()

	sub, err := tr.Subscribe(8)
	require.NoError(t, err)

	// Nothing reads yet, so the frames pile up in the queue.
	_, err = pw.Write([]byte("aabbcc"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(tr.Latest()) == "cc" }, time.Second, time.Millisecond)

	sub.Drain()
	_, err = pw.Write([]byte("dd"))
	require.NoError(t, err)

	got, err := io.ReadAll(sub)
	require.NoError(t, err)
	require.Equal(t, "aabbcc", string(got))
	require.Zero(t, sub.Dropped())
}

func TestSubscriptionDropsOldestWhenFull(t *testing.T) {
	tr, pw := pipeTrack(t, TrackVideo, 2)
	defer tr.Stop()

	sub, err := tr.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()

	// At most one frame blocks in the pipe and one waits in the queue.
	_, err = pw.Write([]byte("aabbccdd"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(tr.Latest()) == "dd" }, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, sub.Dropped(), uint64(2))
}

func TestSelectSourceTearsDownPreviousStream(t *testing.T) {
	backend := &fakeBackend{}
	s := NewSession(backend, nil)

	first, err := s.SelectSource(context.Background(), source.Descriptor{ID: "screen:0"}, false)
	require.NoError(t, err)

	second, err := s.SelectSource(context.Background(), source.Descriptor{ID: "window:3"}, true)
	require.NoError(t, err)

	require.False(t, backend.overlap, "a new stream was opened while the previous one was live")
	select {
	case <-first.Video.Done():
	default:
		t.Fatal("previous stream still running")
	}
	require.Same(t, second, s.Active())
	require.True(t, s.Audio())

	d, ok := s.Descriptor()
	require.True(t, ok)
	require.Equal(t, "window:3", d.ID)
}

func TestSelectSourceRejectsStaleDescriptor(t *testing.T) {
	backend := &fakeBackend{}
	s := NewSession(backend, staleValidator{stale: map[string]bool{"screen:9": true}})

	open, err := s.SelectSource(context.Background(), source.Descriptor{ID: "screen:0"}, false)
	require.NoError(t, err)

	_, err = s.SelectSource(context.Background(), source.Descriptor{ID: "screen:9"}, false)
	require.ErrorIs(t, err, source.ErrStaleDescriptor)
	require.Same(t, open, s.Active())
}

func TestSelectSourceCaptureUnavailable(t *testing.T) {
	denied := errors.New("NotAllowedError: permission denied")
	s := NewSession(&fakeBackend{err: denied}, nil)

	st, err := s.SelectSource(context.Background(), source.Descriptor{ID: "screen:0"}, true)
	require.Nil(t, st)
	require.ErrorIs(t, err, ErrCaptureUnavailable)
	require.ErrorIs(t, err, denied)
	require.Contains(t, err.Error(), "permission denied")
	require.Nil(t, s.Active())
}

func TestSetAudioReopensSameSource(t *testing.T) {
	backend := &fakeBackend{}
	s := NewSession(backend, nil)

	st, err := s.SetAudio(context.Background(), true)
	require.NoError(t, err)
	require.Nil(t, st)
	require.Empty(t, backend.opened)

	_, err = s.SelectSource(context.Background(), source.Descriptor{ID: "screen:0"}, true)
	require.NoError(t, err)

	st, err = s.SetAudio(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "screen:0", st.SourceID)
	require.Equal(t, []bool{true, false}, backend.audio)
	require.False(t, backend.overlap)
}

func TestTeardownIsIdempotent(t *testing.T) {
	s := NewSession(&fakeBackend{}, nil)
	s.Teardown()

	st, err := s.SelectSource(context.Background(), source.Descriptor{ID: "screen:0"}, false)
	require.NoError(t, err)

	s.Teardown()
	s.Teardown()
	require.Nil(t, s.Active())
	<-st.Video.Done()

	_, _, _, ok := s.PreviewFrame()
	require.False(t, ok)
}
