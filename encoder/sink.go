package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
)

const stdoutReadSize = 64 * 1024

// Sink is one running ffmpeg encode. Chunks delivers the encoded bytes in
// order, one chunk per timeslice, and is closed after the final chunk.
type Sink struct {
	log    *slog.Logger
	grace  time.Duration
	cmd    *exec.Cmd
	chunks chan []byte

	video  *capture.Subscription
	audio  io.ReadCloser
	audioL net.Listener
	stderr *lockedBuffer

	exited core.Fuse
	done   core.Fuse

	stopOnce sync.Once
	stopping core.Fuse

	errMu sync.Mutex
	err   error
}

// Open starts encoding stream.
func (f *FFmpeg) Open(ctx context.Context, stream *capture.Stream) (*Sink, error) {
	if stream == nil || stream.Video == nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, capture.ErrNoStream)
	}
	if _, err := exec.LookPath(f.opts.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}

	fps := targetFPS(stream, f.opts.MaxFrameRate)
	plan := f.Plan(ctx).withStream(fps)

	video, err := stream.Video.Subscribe(f.opts.FrameQueue)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}

	s := &Sink{
		log:    f.log.With("source", stream.SourceID),
		grace:  f.opts.StopGrace,
		chunks: make(chan []byte, f.opts.ChunkQueue),
		video:  video,
		stderr: &lockedBuffer{},
	}

	audioURL := ""
	if stream.AudioRequested {
		if stream.Audio != nil {
			sub, err := stream.Audio.Subscribe(f.opts.AudioRelayQueue)
			if err != nil {
				s.release()
				return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
			}
			s.audio = sub
		} else {
			s.log.Info("audio source: synthetic silence")
			s.audio = newSilenceReader()
		}

		s.audioL, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			s.release()
			return nil, fmt.Errorf("%w: audio listener: %w", ErrEncoderUnavailable, err)
		}
		go s.serveAudio(f.opts.AudioChunkSize, f.opts.AudioRelayQueue)
		audioURL = "tcp://" + s.audioL.Addr().String()
	}

	args := buildArgs(argsInput{
		plan:      plan,
		width:     stream.Width,
		height:    stream.Height,
		fps:       fps,
		audioURL:  audioURL,
		videoQ:    f.opts.VideoQueueSize,
		audioQ:    f.opts.AudioQueueSize,
		debugLogs: logging.DebugEnabled(),
	})
	s.log.Debug("starting ffmpeg", "cmd", f.opts.FFmpegPath+" "+strings.Join(args, " "))

	cmd := exec.Command(f.opts.FFmpegPath, args...)
	cmd.Stderr = s.stderr
	processutil.HideConsoleWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.release()
		return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.release()
		return nil, fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		s.release()
		return nil, fmt.Errorf("%w: ffmpeg start: %w", ErrEncoderUnavailable, err)
	}
	s.cmd = cmd

	go s.feed(stdin)
	go s.pump(stdout, f.opts.Timeslice)
	return s, nil
}

func (s *Sink) serveAudio(chunkSize, queueSize int) {
	defer s.audioL.Close()
	conn, err := s.audioL.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	relayAudio(conn, s.audio, chunkSize, queueSize)
}

func (s *Sink) feed(stdin io.WriteCloser) {
	defer stdin.Close()
	if _, err := io.Copy(stdin, s.video); err != nil && !s.stopping.IsBroken() {
		s.log.Debug("video feed ended", "error", err)
	}
}

// pump reads ffmpeg stdout and emits the bytes gathered during each
// timeslice. The final chunk carries whatever remains at EOF.
func (s *Sink) pump(stdout io.Reader, timeslice time.Duration) {
	data := make(chan []byte, 4)
	go func() {
		defer close(data)
		buf := make([]byte, stdoutReadSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				data <- b
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case b, ok := <-data:
			if ok {
				pending = append(pending, b...)
				continue
			}
			if len(pending) > 0 {
				s.chunks <- pending
			}
			s.wait()
			close(s.chunks)
			s.done.Break()
			return
		case <-ticker.C:
			s.chunks <- pending
			pending = nil
		}
	}
}

func (s *Sink) wait() {
	err := s.cmd.Wait()
	s.exited.Break()
	s.release()
	if n := s.DroppedFrames(); n > 0 {
		s.log.Warn("video frames dropped before reaching ffmpeg", "count", n)
	}
	if err == nil {
		return
	}

	tail := processutil.Tail(strings.TrimSpace(s.stderr.String()), 300)
	if s.stopping.IsBroken() {
		s.log.Debug("ffmpeg exited after stop", "error", err, "stderr", tail)
	} else {
		s.log.Error("ffmpeg exited", "error", err, "stderr", tail)
	}
	s.errMu.Lock()
	s.err = fmt.Errorf("ffmpeg exited: %w: %s", err, tail)
	s.errMu.Unlock()
}

// release closes the inputs feeding ffmpeg.
func (s *Sink) release() {
	if s.video != nil {
		_ = s.video.Close()
	}
	if s.audio != nil {
		_ = s.audio.Close()
	}
	if s.audioL != nil {
		_ = s.audioL.Close()
	}
}

func (s *Sink) Chunks() <-chan []byte {
	return s.chunks
}

// drain unsubscribes the inputs and lets the frames already queued reach
// ffmpeg before its stdin sees EOF.
func (s *Sink) drain() {
	if s.video != nil {
		s.video.Drain()
	}
	if d, ok := s.audio.(interface{ Drain() }); ok {
		d.Drain()
	} else if s.audio != nil {
		_ = s.audio.Close()
	}
}

// Stop ends the inputs so ffmpeg encodes the frames captured so far, writes
// its trailer and exits. A process that lingers past the grace period is
// interrupted, then killed. Stop does not wait; Chunks is closed once ffmpeg
// has exited.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Break()
		s.drain()
		go func() {
			if err := processutil.Terminate(s.cmd.Process, s.exited.Watch(), s.grace); err != nil {
				s.log.Warn("terminating ffmpeg", "error", err)
			}
		}()
	})
}

// DroppedFrames reports how many video frames were discarded because
// ffmpeg did not keep up.
func (s *Sink) DroppedFrames() uint64 {
	if s.video == nil {
		return 0
	}
	return s.video.Dropped()
}

// Done is closed after Chunks has been closed.
func (s *Sink) Done() <-chan struct{} {
	return s.done.Watch()
}

// Err reports an abnormal ffmpeg exit. It is meaningful once Done is closed.
func (s *Sink) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

