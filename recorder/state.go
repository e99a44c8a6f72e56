package recorder

import (
	"errors"
	"time"

	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/persist"
)

// State is the recording state.
type State int

const (
	Idle State = iota
	Recording
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

var (
	ErrNoActiveStream         = errors.New("no active capture stream")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrEncoderUnavailable     = encoder.ErrEncoderUnavailable
	ErrSaveFailed             = persist.ErrSaveFailed

	errEncoderEnded = errors.New("encoder ended before the recording was stopped")
)

// Outcome is the result of finalizing one recording.
type Outcome struct {
	SessionID string
	Bytes     int
	Chunks    int
	Duration  time.Duration
	Saved     bool
	Path      string
	Cancelled bool
	Err       error

	// EncoderErr is set when the encoder failed after producing output; the
	// partial recording was still handed to the gateway.
	EncoderErr error
}

// Snapshot is a consistent view of the controller for display.
type Snapshot struct {
	State     State         `json:"-"`
	StateName string        `json:"state"`
	SessionID string        `json:"session_id,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Chunks    int           `json:"chunks"`
	Bytes     int           `json:"bytes"`
	SourceID  string        `json:"source_id,omitempty"`
	Source    string        `json:"source,omitempty"`
	Audio     bool          `json:"audio"`
}

// session is one recording: its identity and the chunks received so far.
type session struct {
	id      string
	started time.Time
	chunks  [][]byte
	bytes   int

	// ended is set when the encoder closed before Stop was called.
	ended bool
}

func (s *session) assemble() []byte {
	data := make([]byte, 0, s.bytes)
	for _, c := range s.chunks {
		data = append(data, c...)
	}
	return data
}
