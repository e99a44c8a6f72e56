package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/events"
	"go2tv.app/screenrec/persist"
	"go2tv.app/screenrec/source"
)

type pipeBackend struct{}

func (pipeBackend) Open(_ context.Context, d source.Descriptor, audio bool) (*capture.Stream, error) {
	pr, _ := io.Pipe()
	video, err := capture.NewTrack(capture.TrackVideo, pr, 16)
	if err != nil {
		return nil, err
	}
	return capture.NewStream(capture.StreamOptions{
		SourceID:       d.ID,
		Width:          2,
		Height:         2,
		FrameRate:      30,
		AudioRequested: audio,
		Video:          video,
	})
}

type fakeSink struct {
	ch       chan []byte
	stopOnce sync.Once
	err      error

	// final is emitted by Stop, like an encoder flushing its trailer.
	final []byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan []byte, 16)}
}

func (s *fakeSink) Chunks() <-chan []byte { return s.ch }
func (s *fakeSink) Stop()                 { s.end(s.final) }
func (s *fakeSink) Err() error            { return s.err }

// end closes the chunk stream after an optional last chunk.
func (s *fakeSink) end(last []byte) {
	s.stopOnce.Do(func() {
		if last != nil {
			s.ch <- last
		}
		close(s.ch)
	})
}

type fakeEncoder struct {
	mu    sync.Mutex
	sinks []*fakeSink
	err   error
}

func (e *fakeEncoder) Open(context.Context, *capture.Stream) (Sink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	s := newFakeSink()
	e.sinks = append(e.sinks, s)
	return s, nil
}

func (e *fakeEncoder) last() *fakeSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sinks[len(e.sinks)-1]
}

type fakeGateway struct {
	mu     sync.Mutex
	bufs   []persist.Buffer
	reqs   []persist.Request
	result persist.Result
	err    error
}

func (g *fakeGateway) Save(_ context.Context, buf persist.Buffer, req persist.Request) (persist.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bufs = append(g.bufs, buf)
	g.reqs = append(g.reqs, req)
	return g.result, g.err
}

type harness struct {
	ctrl    *Controller
	enc     *fakeEncoder
	gw      *fakeGateway
	bus     *events.Bus
	session *capture.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		enc:     &fakeEncoder{},
		gw:      &fakeGateway{result: persist.Result{Saved: true, Path: "/tmp/out.webm"}},
		bus:     events.New(),
		session: capture.NewSession(pipeBackend{}, nil),
	}
	ctrl, err := New(Options{
		Capture:      h.session,
		Encoder:      h.enc,
		Gateway:      h.gw,
		Bus:          h.bus,
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })
	return h
}

func (h *harness) selectSource(t *testing.T) {
	t.Helper()
	_, err := h.ctrl.SelectSource(context.Background(), source.Descriptor{ID: "screen:1", Name: "Screen 1", Kind: source.KindScreen})
	require.NoError(t, err)
}

func TestRecordingConcatenatesChunksInOrder(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)

	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Equal(t, Recording, h.ctrl.State())

	sink := h.enc.last()
	sink.ch <- bytes.Repeat([]byte{1}, 1024)
	sink.ch <- []byte{}
	sink.ch <- bytes.Repeat([]byte{2}, 2048)

	out, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, out.Saved)
	require.Equal(t, "/tmp/out.webm", out.Path)
	require.Equal(t, 3072, out.Bytes)
	require.Equal(t, 2, out.Chunks)
	require.Equal(t, Idle, h.ctrl.State())

	require.Len(t, h.gw.bufs, 1)
	buf := h.gw.bufs[0]
	require.Equal(t, "video/webm; codecs=vp9", buf.MediaType)
	require.Len(t, buf.Data, 3072)
	require.Equal(t, byte(1), buf.Data[0])
	require.Equal(t, byte(1), buf.Data[1023])
	require.Equal(t, byte(2), buf.Data[1024])
	require.Regexp(t, `^recording-\d+\.webm$`, h.gw.reqs[0].SuggestedName)
	require.Equal(t, []string{"webm", "*"}, h.gw.reqs[0].Extensions)
}

func TestCancelledSaveReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.gw.result = persist.Result{}
	h.selectSource(t)

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.enc.last().ch <- []byte("data")

	out, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, out.Cancelled)
	require.False(t, out.Saved)
	require.Equal(t, Idle, h.ctrl.State())
	require.Zero(t, h.ctrl.Snapshot().Bytes)

	// A new recording starts from an empty buffer.
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.enc.last().ch <- []byte("xy")
	out, err = h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, out.Bytes)
}

func TestStartWithoutStream(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.ctrl.Start(context.Background()), ErrNoActiveStream)
	require.Equal(t, Idle, h.ctrl.State())
}

func TestStopWhileIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Stop(context.Background())
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Equal(t, Idle, h.ctrl.State())
	require.Empty(t, h.gw.bufs)
}

func TestStartWhileRecording(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.ErrorIs(t, h.ctrl.Start(context.Background()), ErrInvalidStateTransition)
}

func TestSelectAndAudioRejectedWhileRecording(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))

	_, err := h.ctrl.SelectSource(context.Background(), source.Descriptor{ID: "window:2"})
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = h.ctrl.SetAudio(context.Background(), true)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.False(t, h.session.Audio())

	d, ok := h.session.Descriptor()
	require.True(t, ok)
	require.Equal(t, "screen:1", d.ID)
}

func TestSetAudioWhileIdleReopensStream(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)
	first := h.session.Active()

	stream, err := h.ctrl.SetAudio(context.Background(), true)
	require.NoError(t, err)
	require.True(t, stream.AudioRequested)
	require.NotSame(t, first, stream)
	require.True(t, h.ctrl.Snapshot().Audio)
}

func TestEncoderOpenFailureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.enc.err = errors.New("no ffmpeg")
	h.selectSource(t)

	err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrEncoderUnavailable)
	require.ErrorContains(t, err, "no ffmpeg")
	require.Equal(t, Idle, h.ctrl.State())
}

func TestSaveFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.gw.err = errors.New("disk full")
	h.selectSource(t)

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.enc.last().ch <- []byte("data")

	out, err := h.ctrl.Stop(context.Background())
	require.ErrorIs(t, err, ErrSaveFailed)
	require.ErrorContains(t, err, "disk full")
	require.NotNil(t, out)
	require.False(t, out.Saved)
	require.Equal(t, Idle, h.ctrl.State())
}

func TestFailedSinkWithoutBytesSkipsSave(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.enc.last().err = errors.New("ffmpeg exited")

	_, err := h.ctrl.Stop(context.Background())
	require.ErrorIs(t, err, ErrEncoderUnavailable)
	require.Empty(t, h.gw.bufs)
	require.Equal(t, Idle, h.ctrl.State())
}

func TestTicksStartAtZero(t *testing.T) {
	h := newHarness(t)
	ticks := make(chan events.Tick, 64)
	defer h.bus.Subscribe(func(e events.Tick) { ticks <- e })()
	h.selectSource(t)

	require.NoError(t, h.ctrl.Start(context.Background()))

	var got []events.Tick
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case tk := <-ticks:
			got = append(got, tk)
		case <-deadline:
			t.Fatalf("received %d ticks", len(got))
		}
	}
	_, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)

	require.Zero(t, got[0].Elapsed)
	require.Greater(t, got[2].Elapsed, time.Duration(0))
	require.Equal(t, got[0].SessionID, got[2].SessionID)
}

func TestSnapshotWhileRecording(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.enc.last().ch <- []byte("abc")

	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Bytes == 3 }, time.Second, 5*time.Millisecond)
	snap := h.ctrl.Snapshot()
	require.Equal(t, "recording", snap.StateName)
	require.Equal(t, "screen:1", snap.SourceID)
	require.NotEmpty(t, snap.SessionID)
	require.Equal(t, 1, snap.Chunks)
}

func TestCloseFinalizesActiveRecording(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.enc.last().ch <- []byte("abc")

	require.NoError(t, h.ctrl.Close(context.Background()))
	require.Equal(t, Idle, h.ctrl.State())
	require.Len(t, h.gw.bufs, 1)
	require.Nil(t, h.session.Active())
}

func TestStopContextExpiryKeepsFinalizing(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.ctrl.gateway = persist.Gateway(blockingGateway{block})
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.enc.last().ch <- []byte("abc")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.ctrl.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Finalizing, h.ctrl.State())

	close(block)
	require.Eventually(t, func() bool { return h.ctrl.State() == Idle }, time.Second, 5*time.Millisecond)
}

type blockingGateway struct{ block chan struct{} }

func (g blockingGateway) Save(context.Context, persist.Buffer, persist.Request) (persist.Result, error) {
	<-g.block
	return persist.Result{Saved: true, Path: "x"}, nil
}

func TestNoTicksAfterStop(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var ticks int
	defer h.bus.Subscribe(func(events.Tick) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return ticks
	}
	h.selectSource(t)

	for range 20 {
		require.NoError(t, h.ctrl.Start(context.Background()))
		time.Sleep(time.Duration(rand.IntN(15)) * time.Millisecond)
		_, err := h.ctrl.Stop(context.Background())
		require.NoError(t, err)
	}

	// Let deliveries already queued on the bus drain first.
	time.Sleep(50 * time.Millisecond)
	before := count()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, before, count())
	require.Equal(t, Idle, h.ctrl.State())
}

func TestStopKeepsChunkEmittedWhileStopping(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))

	sink := h.enc.last()
	sink.final = []byte("trailer")
	sink.ch <- []byte("frames")

	out, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 13, out.Bytes)
	require.Equal(t, 2, out.Chunks)
	require.Len(t, h.gw.bufs, 1)
	require.Equal(t, "framestrailer", string(h.gw.bufs[0].Data))
}

func TestEncoderExitWhileRecordingFinalizes(t *testing.T) {
	h := newHarness(t)
	failures := make(chan events.Failure, 4)
	defer h.bus.Subscribe(func(e events.Failure) { failures <- e })()
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))

	sink := h.enc.last()
	sink.ch <- []byte("partial")
	sink.err = errors.New("ffmpeg: exit status 1")
	sink.end(nil)

	select {
	case e := <-failures:
		require.Equal(t, "encode", e.Op)
		require.Contains(t, e.Error, "exit status 1")
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
	require.Eventually(t, func() bool { return h.ctrl.State() == Idle }, time.Second, 5*time.Millisecond)

	out, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, out.Saved)
	require.Equal(t, 7, out.Bytes)
	require.ErrorContains(t, out.EncoderErr, "exit status 1")
	require.Len(t, h.gw.bufs, 1)

	// The outcome is handed out once.
	_, err = h.ctrl.Stop(context.Background())
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Equal(t, Recording, h.ctrl.State())
}

func TestEncoderExitWithoutOutputFails(t *testing.T) {
	h := newHarness(t)
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.enc.last().end(nil)
	require.Eventually(t, func() bool { return h.ctrl.State() != Recording }, time.Second, 5*time.Millisecond)

	out, err := h.ctrl.Stop(context.Background())
	require.ErrorIs(t, err, ErrEncoderUnavailable)
	require.NotNil(t, out)
	require.False(t, out.Saved)
	require.Empty(t, h.gw.bufs)
	require.Equal(t, Idle, h.ctrl.State())
}

func TestStopReportsEncoderErrorWithPartialOutput(t *testing.T) {
	h := newHarness(t)
	failures := make(chan events.Failure, 4)
	defer h.bus.Subscribe(func(e events.Failure) { failures <- e })()
	h.selectSource(t)
	require.NoError(t, h.ctrl.Start(context.Background()))

	sink := h.enc.last()
	sink.ch <- []byte("abc")
	sink.err = errors.New("killed")

	out, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, out.Saved)
	require.ErrorContains(t, out.EncoderErr, "killed")

	select {
	case e := <-failures:
		require.Equal(t, "encode", e.Op)
		require.Equal(t, out.SessionID, e.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
}
