package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeTick
	TypeSourceSelected
	TypeRecordingSaved
	TypeSaveCancelled
	TypeFailure
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChanged is published on every recording state transition.
type StateChanged struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e StateChanged) Type() uint32 { return TypeStateChanged }

// Tick carries the elapsed recording time, published once at start and then
// every second while recording.
type Tick struct {
	SessionID string        `json:"session_id"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (e Tick) Type() uint32 { return TypeTick }

// SourceSelected is published when a capture stream opens.
type SourceSelected struct {
	SourceID string `json:"source_id"`
	Name     string `json:"name"`
	Audio    bool   `json:"audio"`
	Width    uint32 `json:"width"`
	Height   uint32 `json:"height"`
}

func (e SourceSelected) Type() uint32 { return TypeSourceSelected }

type RecordingSaved struct {
	SessionID string        `json:"session_id"`
	Path      string        `json:"path"`
	Bytes     int           `json:"bytes"`
	Duration  time.Duration `json:"duration"`
}

func (e RecordingSaved) Type() uint32 { return TypeRecordingSaved }

type SaveCancelled struct {
	SessionID string `json:"session_id"`
	Bytes     int    `json:"bytes"`
}

func (e SaveCancelled) Type() uint32 { return TypeSaveCancelled }

// Failure reports an error that ended an operation. Op names the operation,
// such as "start", "finalize" or "select".
type Failure struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

func (e Failure) Type() uint32 { return TypeFailure }
