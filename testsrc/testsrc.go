// Package testsrc provides synthetic capture sources generated by ffmpeg's
// lavfi filters, for demos and machines without a desktop portal.
package testsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
	"go2tv.app/screenrec/source"
)

const firstFrameTimeout = 8 * time.Second

type pattern struct {
	id     string
	name   string
	kind   source.Kind
	filter string
	width  int
	height int
}

var patterns = []pattern{
	{id: "test:screen", name: "Test Screen", kind: source.KindScreen, filter: "testsrc2", width: 1280, height: 720},
	{id: "test:window", name: "Test Window", kind: source.KindWindow, filter: "smptebars", width: 640, height: 480},
}

type Options struct {
	FFmpegPath string
	FrameRate  int
}

// Platform is both a source.Provider and a capture.Backend.
type Platform struct {
	ffmpeg string
	fps    int
	log    *slog.Logger
}

func New(opts Options) *Platform {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	return &Platform{ffmpeg: opts.FFmpegPath, fps: opts.FrameRate, log: logging.GetLogger("testsrc")}
}

func (p *Platform) ListSources(ctx context.Context, q source.Query) ([]source.Descriptor, error) {
	if _, err := exec.LookPath(p.ffmpeg); err != nil {
		return nil, err
	}

	var out []source.Descriptor
	for _, pt := range patterns {
		if !q.Wants(pt.kind) {
			continue
		}
		d := source.Descriptor{ID: pt.id, Name: fmt.Sprintf("%s (%dx%d)", pt.name, pt.width, pt.height), Kind: pt.kind}
		thumb, err := p.thumbnail(ctx, pt, q.ThumbnailSize)
		if err != nil {
			p.log.Debug("thumbnail failed", "source", pt.id, "error", err)
		}
		d.Thumbnail = thumb
		out = append(out, d)
	}
	return out, nil
}

func (p *Platform) thumbnail(ctx context.Context, pt pattern, size int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffmpeg, p.videoArgs(pt, false, "-frames:v", "1")...)
	processutil.HideConsoleWindow(cmd)
	frame, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return source.Thumbnail(frame, pt.width, pt.height, size)
}

func (p *Platform) videoArgs(pt pattern, realtime bool, extra ...string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if realtime {
		args = append(args, "-re")
	}
	args = append(args,
		"-f", "lavfi",
		"-i", fmt.Sprintf("%s=size=%dx%d:rate=%d", pt.filter, pt.width, pt.height, p.fps),
	)
	args = append(args, extra...)
	return append(args, "-f", "rawvideo", "-pix_fmt", "bgra", "pipe:1")
}

func (p *Platform) audioArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-re",
		"-f", "lavfi",
		"-i", "sine=frequency=440:sample_rate=" + strconv.Itoa(capture.AudioSampleRate),
		"-ac", strconv.Itoa(capture.AudioChannels),
		"-f", "s16le", "pipe:1",
	}
}

func (p *Platform) Open(ctx context.Context, d source.Descriptor, audio bool) (*capture.Stream, error) {
	var pt *pattern
	for i := range patterns {
		if patterns[i].id == d.ID {
			pt = &patterns[i]
		}
	}
	if pt == nil {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownSource, d.ID)
	}

	videoSrc, err := startProcess(p.ffmpeg, p.videoArgs(*pt, true))
	if err != nil {
		return nil, err
	}
	video, err := capture.NewTrack(capture.TrackVideo, videoSrc, pt.width*pt.height*4)
	if err != nil {
		_ = videoSrc.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, firstFrameTimeout)
	defer cancel()
	if _, err := video.Snapshot(ctx); err != nil {
		_ = video.Stop()
		return nil, fmt.Errorf("test source produced no frame: %w", err)
	}

	var audioTrack *capture.Track
	if audio {
		audioSrc, err := startProcess(p.ffmpeg, p.audioArgs())
		if err != nil {
			_ = video.Stop()
			return nil, err
		}
		audioTrack, err = capture.NewTrack(capture.TrackAudio, audioSrc, capture.AudioFrameSize)
		if err != nil {
			_ = audioSrc.Close()
			_ = video.Stop()
			return nil, err
		}
	}

	return capture.NewStream(capture.StreamOptions{
		SourceID:       d.ID,
		Width:          uint32(pt.width),
		Height:         uint32(pt.height),
		FrameRate:      uint32(p.fps),
		AudioRequested: audio,
		Video:          video,
		Audio:          audioTrack,
	})
}

// processReader reads a child's stdout; Close stops the child.
type processReader struct {
	io.ReadCloser
	cmd  *exec.Cmd
	done chan struct{}

	once sync.Once
	err  error
}

func startProcess(path string, args []string) (*processReader, error) {
	cmd := exec.Command(path, args...)
	processutil.HideConsoleWindow(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	r := &processReader{ReadCloser: stdout, cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(r.done)
	}()
	return r, nil
}

func (r *processReader) Close() error {
	r.once.Do(func() {
		err := r.cmd.Process.Kill()
		<-r.done
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.err = err
		}
	})
	return r.err
}
