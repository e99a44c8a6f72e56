package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"go2tv.app/screenrec/internal/logging"
)

// TrackKind is the media type of a track.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

const (
	defaultVideoQueue = 4
	defaultAudioQueue = 256

	trackStopTimeout = 1500 * time.Millisecond
)

var ErrTrackEnded = errors.New("track has ended")

// Track reads fixed-size frames from a platform source and fans them out to
// subscribers. The source is read continuously whether or not anyone is
// subscribed, so the platform side never blocks on a slow consumer.
type Track struct {
	Kind      TrackKind
	FrameSize int

	src io.ReadCloser
	log *slog.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	latest []byte
	err    error
	closed bool

	firstFrame core.Fuse
	ended      core.Fuse
	stopOnce   sync.Once
	stopErr    error
	wg         sync.WaitGroup
}

// NewTrack starts reading frameSize-byte frames from src.
func NewTrack(kind TrackKind, src io.ReadCloser, frameSize int) (*Track, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil %s source", ErrInvalidOptions, kind)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("%w: %s frame size must be > 0", ErrInvalidOptions, kind)
	}

	t := &Track{
		Kind:      kind,
		FrameSize: frameSize,
		src:       src,
		log:       logging.GetLogger("capture").With("track", string(kind)),
		subs:      make(map[int]*Subscription),
	}
	t.wg.Add(1)
	go t.pump()
	return t, nil
}

func (t *Track) pump() {
	defer t.wg.Done()
	defer t.ended.Break()

	for {
		frame := make([]byte, t.FrameSize)
		if _, err := io.ReadFull(t.src, frame); err != nil {
			t.finish(err)
			return
		}

		t.mu.Lock()
		t.latest = frame
		for _, s := range t.subs {
			s.enqueue(frame)
		}
		t.mu.Unlock()
		t.firstFrame.Break()
	}
}

func (t *Track) finish(err error) {
	t.mu.Lock()
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		t.err = err
	}
	subs := t.subs
	t.subs = make(map[int]*Subscription)
	t.closed = true
	t.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
	t.log.Debug("track ended", "error", err)
}

// Subscribe returns a reader that yields the track's frames from now on.
// Closing it unsubscribes. queueSize <= 0 picks a default for the kind.
func (t *Track) Subscribe(queueSize int) (*Subscription, error) {
	if queueSize <= 0 {
		queueSize = defaultVideoQueue
		if t.Kind == TrackAudio {
			queueSize = defaultAudioQueue
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackEnded
	}

	t.nextID++
	s := newSubscription(t, t.nextID, queueSize)
	t.subs[s.id] = s
	return s, nil
}

func (t *Track) unsubscribe(id int) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// Latest returns a copy of the most recent frame, or nil.
func (t *Track) Latest() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latest == nil {
		return nil
	}
	return append([]byte(nil), t.latest...)
}

// Snapshot waits for the first frame and returns a copy of the latest one.
func (t *Track) Snapshot(ctx context.Context) ([]byte, error) {
	select {
	case <-t.firstFrame.Watch():
		return t.Latest(), nil
	case <-t.ended.Watch():
		if f := t.Latest(); f != nil {
			return f, nil
		}
		if err := t.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTrackEnded, err)
		}
		return nil, ErrTrackEnded
	case <-ctx.Done():
		return nil, fmt.Errorf("%s track: no frame: %w", t.Kind, ctx.Err())
	}
}

// Done is closed once the track stops delivering frames.
func (t *Track) Done() <-chan struct{} {
	return t.ended.Watch()
}

// Err returns the read error that ended the track, if it was not a clean EOF.
func (t *Track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stop closes the platform source and ends all subscriptions.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() {
		t.stopErr = t.src.Close()

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(trackStopTimeout):
			t.log.Warn("track source did not stop in time", "timeout", trackStopTimeout)
			t.finish(ErrTrackEnded)
		}
	})
	return t.stopErr
}
