// Package capture owns the single live capture stream bound to the selected
// source and exposes its tracks to the encoder and preview consumers.
package capture

import (
	"context"
	"errors"
	"sync"

	"go2tv.app/screenrec/internal/metrics"
	"go2tv.app/screenrec/source"
)

const (
	// PixelFormatBGRA is the raw video format of every video track.
	PixelFormatBGRA = "BGRA"

	// AudioSampleRate, AudioChannels and AudioFrameSize describe the s16le PCM
	// carried by audio tracks. One audio frame is 20ms.
	AudioSampleRate = 48000
	AudioChannels   = 2
	AudioFrameSize  = AudioSampleRate * AudioChannels * 2 / 50
)

var (
	ErrCaptureUnavailable = errors.New("capture unavailable")
	ErrNoStream           = errors.New("no capture stream is open")
	ErrInvalidOptions     = errors.New("invalid capture options")
)

// Backend opens live streams for descriptors on the host platform.
type Backend interface {
	Open(ctx context.Context, d source.Descriptor, audio bool) (*Stream, error)
}

// Stream is an open capture of one source. Video is always set; Audio is nil
// when audio was not requested or the platform has no audio track.
type Stream struct {
	SourceID       string
	Width          uint32
	Height         uint32
	FrameRate      uint32
	PixelFormat    string
	AudioRequested bool

	Video *Track
	Audio *Track

	onStop   func()
	stopOnce sync.Once
	stopErr  error
}

// StreamOptions configures NewStream.
type StreamOptions struct {
	SourceID       string
	Width          uint32
	Height         uint32
	FrameRate      uint32
	AudioRequested bool
	Video          *Track
	Audio          *Track
	// OnStop runs once after all tracks have stopped.
	OnStop func()
}

// NewStream assembles a stream from already started tracks.
func NewStream(opts StreamOptions) (*Stream, error) {
	if opts.Video == nil {
		return nil, errors.Join(ErrInvalidOptions, errors.New("stream has no video track"))
	}
	if opts.Width == 0 || opts.Height == 0 {
		return nil, errors.Join(ErrInvalidOptions, errors.New("stream has no frame size"))
	}

	metrics.StreamOpened()
	return &Stream{
		SourceID:       opts.SourceID,
		Width:          opts.Width,
		Height:         opts.Height,
		FrameRate:      opts.FrameRate,
		PixelFormat:    PixelFormatBGRA,
		AudioRequested: opts.AudioRequested,
		Video:          opts.Video,
		Audio:          opts.Audio,
		onStop:         opts.OnStop,
	}, nil
}

// Tracks returns the stream's live tracks.
func (s *Stream) Tracks() []*Track {
	tracks := []*Track{s.Video}
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	return tracks
}

// Stop stops every track. It is safe to call more than once.
func (s *Stream) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		var errs []error
		for _, t := range s.Tracks() {
			errs = append(errs, t.Stop())
		}
		s.stopErr = errors.Join(errs...)
		if s.onStop != nil {
			s.onStop()
		}
		metrics.StreamClosed()
	})
	return s.stopErr
}

// FrameSize returns the size in bytes of one raw video frame.
func (s *Stream) FrameSize() int {
	return int(s.Width) * int(s.Height) * 4
}
