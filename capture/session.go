package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/source"
)

// Validator rejects descriptors that may no longer be opened.
type Validator interface {
	Validate(d source.Descriptor) error
}

// Session keeps at most one Stream open, bound to the selected source and
// the audio preference in effect when it was opened.
type Session struct {
	backend   Backend
	validator Validator
	log       *slog.Logger

	mu       sync.Mutex
	stream   *Stream
	desc     source.Descriptor
	selected bool
	audio    bool
}

// NewSession creates a session over backend. validator may be nil.
func NewSession(backend Backend, validator Validator) *Session {
	return &Session{
		backend:   backend,
		validator: validator,
		log:       logging.GetLogger("capture"),
	}
}

// SelectSource tears down the open stream, if any, and opens a new one for
// d. On failure no stream is open and the error wraps ErrCaptureUnavailable
// together with the platform error.
func (s *Session) SelectSource(ctx context.Context, d source.Descriptor, audio bool) (*Stream, error) {
	if s.validator != nil {
		if err := s.validator.Validate(d); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx, d, audio)
}

// SetAudio changes the audio preference. Audio constraints are fixed when a
// stream opens, so an open stream is re-selected with the same descriptor.
func (s *Session) SetAudio(ctx context.Context, enabled bool) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.selected {
		s.audio = enabled
		return nil, nil
	}
	return s.openLocked(ctx, s.desc, enabled)
}

func (s *Session) openLocked(ctx context.Context, d source.Descriptor, audio bool) (*Stream, error) {
	s.stopLocked()

	s.desc = d
	s.selected = true
	s.audio = audio

	st, err := s.backend.Open(ctx, d, audio)
	if err != nil {
		s.log.Warn("capture open failed", "source", d.ID, "audio", audio, "error", err)
		if errors.Is(err, ErrCaptureUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCaptureUnavailable, d.ID, err)
	}

	s.stream = st
	s.log.Info("capture stream open", "source", d.ID, "audio", st.Audio != nil, "size", fmt.Sprintf("%dx%d", st.Width, st.Height))
	return st, nil
}

// Teardown stops all tracks of the open stream. The selection is kept.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Close tears down the stream and forgets the selection.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.selected = false
	s.desc = source.Descriptor{}
}

func (s *Session) stopLocked() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Stop(); err != nil {
		s.log.Debug("stream stop", "source", s.stream.SourceID, "error", err)
	}
	s.stream = nil
}

// Active returns the open stream or nil.
func (s *Session) Active() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Descriptor returns the selected source.
func (s *Session) Descriptor() (source.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc, s.selected
}

// Audio returns the current audio preference.
func (s *Session) Audio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// PreviewFrame returns the latest video frame of the open stream.
func (s *Session) PreviewFrame() (frame []byte, width, height int, ok bool) {
	st := s.Active()
	if st == nil {
		return nil, 0, 0, false
	}
	f := st.Video.Latest()
	if f == nil {
		return nil, 0, 0, false
	}
	return f, int(st.Width), int(st.Height), true
}
