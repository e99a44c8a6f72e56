// Package recorder implements the record/stop state machine: it starts an
// encoder against the live capture stream, accumulates its chunks and hands
// the assembled recording to a persistence gateway.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/events"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
	"go2tv.app/screenrec/persist"
	"go2tv.app/screenrec/source"
)

const defaultTickInterval = time.Second

// Sink is a running encode. Chunks is closed after the last chunk.
type Sink interface {
	Chunks() <-chan []byte
	Stop()
	Err() error
}

// Encoder opens a sink for a capture stream.
type Encoder interface {
	Open(ctx context.Context, stream *capture.Stream) (Sink, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(ctx context.Context, stream *capture.Stream) (Sink, error)

func (f EncoderFunc) Open(ctx context.Context, stream *capture.Stream) (Sink, error) {
	return f(ctx, stream)
}

// Options configures a Controller.
type Options struct {
	Capture *capture.Session
	Encoder Encoder
	Gateway persist.Gateway
	Bus     *events.Bus

	// TickInterval is the elapsed-time notification period.
	TickInterval time.Duration
	Now          func() time.Time
}

type Controller struct {
	capture  *capture.Session
	encoder  Encoder
	gateway  persist.Gateway
	bus      *events.Bus
	log      *slog.Logger
	now      func() time.Time
	tickEach time.Duration

	mu        sync.Mutex
	state     State
	current   *session
	sink      Sink
	tickStop  chan struct{}
	pending   chan *Outcome
	finalized chan struct{}

	// unclaimed holds the result of a recording the encoder ended on its
	// own until Stop collects it.
	unclaimed chan *Outcome
}

func New(opts Options) (*Controller, error) {
	if opts.Capture == nil || opts.Encoder == nil || opts.Gateway == nil {
		return nil, errors.New("recorder: capture, encoder and gateway are required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		capture:  opts.Capture,
		encoder:  opts.Encoder,
		gateway:  opts.Gateway,
		bus:      opts.Bus,
		log:      logging.GetLogger("recorder"),
		now:      opts.Now,
		tickEach: opts.TickInterval,
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setStateLocked(to State) {
	from := c.state
	c.state = to
	ev := events.StateChanged{From: from.String(), To: to.String(), Timestamp: c.now()}
	if c.current != nil {
		ev.SessionID = c.current.id
	}
	c.bus.Publish(ev)
}

// SelectSource binds the capture session to d. It is only allowed while
// Idle.
func (c *Controller) SelectSource(ctx context.Context, d source.Descriptor) (*capture.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return nil, fmt.Errorf("%w: cannot select a source while %s", ErrInvalidStateTransition, c.state)
	}

	stream, err := c.capture.SelectSource(ctx, d, c.capture.Audio())
	if err != nil {
		c.bus.Publish(events.Failure{Op: "select", Error: err.Error()})
		return nil, err
	}
	c.publishSource(d, stream)
	return stream, nil
}

// SetAudio changes the audio preference, reopening the stream when one is
// open. It is only allowed while Idle.
func (c *Controller) SetAudio(ctx context.Context, enabled bool) (*capture.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return nil, fmt.Errorf("%w: cannot change audio while %s", ErrInvalidStateTransition, c.state)
	}

	stream, err := c.capture.SetAudio(ctx, enabled)
	if err != nil {
		c.bus.Publish(events.Failure{Op: "audio", Error: err.Error()})
		return nil, err
	}
	if stream != nil {
		d, _ := c.capture.Descriptor()
		c.publishSource(d, stream)
	}
	return stream, nil
}

func (c *Controller) publishSource(d source.Descriptor, stream *capture.Stream) {
	c.bus.Publish(events.SourceSelected{
		SourceID: d.ID,
		Name:     d.Name,
		Audio:    stream.AudioRequested,
		Width:    stream.Width,
		Height:   stream.Height,
	})
}

// Start begins recording the active stream.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidStateTransition, c.state)
	}
	stream := c.capture.Active()
	if stream == nil {
		return ErrNoActiveStream
	}

	sink, err := c.encoder.Open(ctx, stream)
	if err != nil {
		if !errors.Is(err, ErrEncoderUnavailable) {
			err = fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
		}
		c.log.Error("encoder open failed", "error", err)
		c.bus.Publish(events.Failure{Op: "start", Error: err.Error()})
		return err
	}

	sess := &session{id: uuid.NewString(), started: c.now()}
	c.current = sess
	c.sink = sink
	c.tickStop = make(chan struct{})
	c.pending = make(chan *Outcome, 1)
	c.finalized = make(chan struct{})
	c.unclaimed = nil
	c.setStateLocked(Recording)

	consumed := make(chan struct{})
	go c.consume(sess, sink, consumed)
	go c.tick(sess, c.tickStop)
	go c.finalize(ctx, sess, sink, consumed, c.tickStop, c.pending, c.finalized)

	c.bus.Publish(events.Tick{SessionID: sess.id})
	metrics.RecordingStarted()
	c.log.Info("recording started", "session", sess.id, "source", stream.SourceID, "audio", stream.AudioRequested)
	return nil
}

// consume appends chunks in arrival order until the sink closes. A sink that
// closes while still Recording has ended on its own; the recording is then
// finalized as if it had been stopped.
func (c *Controller) consume(sess *session, sink Sink, done chan<- struct{}) {
	defer close(done)
	for chunk := range sink.Chunks() {
		metrics.ChunkReceived(len(chunk))
		if len(chunk) == 0 {
			continue
		}
		c.mu.Lock()
		sess.chunks = append(sess.chunks, chunk)
		sess.bytes += len(chunk)
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording || c.current != sess {
		return
	}
	err := sink.Err()
	if err == nil {
		err = errEncoderEnded
	}
	sess.ended = true
	c.log.Error("encoder ended while recording", "session", sess.id, "bytes", sess.bytes, "error", err)
	c.bus.Publish(events.Failure{Op: "encode", SessionID: sess.id, Error: err.Error()})
	close(c.tickStop)
	c.unclaimed = c.pending
	c.setStateLocked(Finalizing)
}

func (c *Controller) tick(sess *session, stop <-chan struct{}) {
	t := time.NewTicker(c.tickEach)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			if c.state == Recording && c.current == sess {
				c.bus.Publish(events.Tick{SessionID: sess.id, Elapsed: c.now().Sub(sess.started)})
			}
			c.mu.Unlock()
		}
	}
}

// Stop ends the recording and waits for it to be finalized. The returned
// Outcome is also returned when the save was cancelled; its error is the
// finalization error. When ctx ends first, finalization continues in the
// background and ctx's error is returned. After the encoder ended a
// recording on its own, Stop returns that recording's outcome once.
func (c *Controller) Stop(ctx context.Context) (*Outcome, error) {
	c.mu.Lock()
	if c.state != Recording {
		state, result := c.state, c.unclaimed
		c.unclaimed = nil
		c.mu.Unlock()
		if result == nil {
			return nil, fmt.Errorf("%w: cannot stop while %s", ErrInvalidStateTransition, state)
		}
		return c.await(ctx, result)
	}
	close(c.tickStop)
	c.setStateLocked(Finalizing)
	sink, result := c.sink, c.pending
	c.mu.Unlock()

	sink.Stop()
	return c.await(ctx, result)
}

func (c *Controller) await(ctx context.Context, result <-chan *Outcome) (*Outcome, error) {
	select {
	case out := <-result:
		return out, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finalize runs once the recording was stopped and the sink has delivered
// its last chunk. It always returns the controller to Idle.
func (c *Controller) finalize(ctx context.Context, sess *session, sink Sink, consumed, stopped <-chan struct{}, result chan<- *Outcome, finalized chan<- struct{}) {
	defer close(finalized)
	<-stopped
	<-consumed

	c.mu.Lock()
	data := sess.assemble()
	out := &Outcome{
		SessionID: sess.id,
		Bytes:     len(data),
		Chunks:    len(sess.chunks),
		Duration:  c.now().Sub(sess.started),
	}
	ended := sess.ended
	c.mu.Unlock()

	sinkErr := sink.Err()
	if sinkErr == nil && ended {
		sinkErr = errEncoderEnded
	}
	if sinkErr != nil && len(data) > 0 {
		out.EncoderErr = sinkErr
		if !ended {
			c.log.Warn("encoder failed, saving partial recording", "session", sess.id, "bytes", len(data), "error", sinkErr)
			c.bus.Publish(events.Failure{Op: "encode", SessionID: sess.id, Error: sinkErr.Error()})
		}
	}

	if len(data) == 0 && sinkErr != nil {
		out.Err = fmt.Errorf("%w: %w", ErrEncoderUnavailable, sinkErr)
	} else {
		buf := persist.Buffer{Data: data, MediaType: encoder.MediaType}
		res, err := c.gateway.Save(context.WithoutCancel(ctx), buf, persist.DefaultRequest(c.now()))
		switch {
		case err != nil:
			if !errors.Is(err, ErrSaveFailed) {
				err = fmt.Errorf("%w: %w", ErrSaveFailed, err)
			}
			out.Err = err
		case !res.Saved:
			out.Cancelled = true
		default:
			out.Saved = true
			out.Path = res.Path
		}
	}

	c.mu.Lock()
	sess.chunks = nil
	sess.bytes = 0
	c.sink = nil
	c.setStateLocked(Idle)
	c.publishOutcome(out)
	c.mu.Unlock()

	result <- out
}

func (c *Controller) publishOutcome(out *Outcome) {
	switch {
	case out.Err != nil:
		metrics.RecordingFinished(metrics.OutcomeFailed)
		c.log.Error("recording failed", "session", out.SessionID, "bytes", out.Bytes, "error", out.Err)
		c.bus.Publish(events.Failure{Op: "finalize", SessionID: out.SessionID, Error: out.Err.Error()})
	case out.Cancelled:
		metrics.RecordingFinished(metrics.OutcomeCancelled)
		c.log.Info("recording discarded", "session", out.SessionID, "bytes", out.Bytes)
		c.bus.Publish(events.SaveCancelled{SessionID: out.SessionID, Bytes: out.Bytes})
	default:
		metrics.RecordingFinished(metrics.OutcomeSaved)
		c.log.Info("recording saved", "session", out.SessionID, "path", out.Path, "bytes", out.Bytes, "duration", out.Duration)
		c.bus.Publish(events.RecordingSaved{SessionID: out.SessionID, Path: out.Path, Bytes: out.Bytes, Duration: out.Duration})
	}
}

// Close finalizes an active recording, waits for a pending finalization
// and releases the capture stream.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.mu.Lock()
	state, finalized := c.state, c.finalized
	c.mu.Unlock()

	switch state {
	case Recording:
		_, err = c.Stop(ctx)
		if errors.Is(err, ErrInvalidStateTransition) {
			err = nil
		}
	case Finalizing:
		select {
		case <-finalized:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.capture.Close()
	return err
}

// Snapshot returns the controller's current state for display.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:     c.state,
		StateName: c.state.String(),
		Audio:     c.capture.Audio(),
	}
	if d, ok := c.capture.Descriptor(); ok {
		snap.SourceID = d.ID
		snap.Source = d.Name
	}
	if c.state != Idle && c.current != nil {
		snap.SessionID = c.current.id
		snap.Elapsed = c.now().Sub(c.current.started)
		snap.Chunks = len(c.current.chunks)
		snap.Bytes = c.current.bytes
	}
	return snap
}
