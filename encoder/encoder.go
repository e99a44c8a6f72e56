// Package encoder turns a live capture stream into WebM (VP9 + Opus) bytes
// with ffmpeg, delivered as timed chunks.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
)

// MediaType is the container and codec of every encoded buffer.
const MediaType = "video/webm; codecs=vp9"

const (
	DefaultTimeslice       = 100 * time.Millisecond
	defaultStopGrace       = 5 * time.Second
	defaultMaxFrameRate    = 60
	defaultHighResCapFPS   = 30
	defaultVideoQueueSize  = 2048
	defaultAudioQueueSize  = 8192
	defaultAudioChunkSize  = 4096
	defaultAudioRelayQueue = 384
	defaultChunkQueue      = 64
	defaultFrameQueue      = 8
)

var ErrEncoderUnavailable = errors.New("encoder unavailable")

// Options configures FFmpeg. Out of range values are clamped; zero values
// pick defaults.
type Options struct {
	FFmpegPath      string
	Timeslice       time.Duration
	StopGrace       time.Duration
	MaxFrameRate    int
	VideoQueueSize  int
	AudioQueueSize  int
	AudioChunkSize  int
	AudioRelayQueue int
	ChunkQueue      int
	FrameQueue      int
	// HardwareProbe enables hardware VP9 encoder probing; when false
	// libvpx-vp9 is always used.
	HardwareProbe bool
}

// FFmpeg starts one ffmpeg process per recording.
type FFmpeg struct {
	opts Options
	log  *slog.Logger

	planOnce sync.Once
	plan     Plan
}

func New(options Options) (*FFmpeg, error) {
	opts, err := normalizeOptions(options)
	if err != nil {
		return nil, err
	}
	return &FFmpeg{opts: opts, log: logging.GetLogger("encoder")}, nil
}

func normalizeOptions(options Options) (Options, error) {
	opts := options
	if strings.TrimSpace(opts.FFmpegPath) == "" {
		return opts, errors.New("ffmpeg path is required")
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = DefaultTimeslice
	}
	opts.Timeslice = min(max(opts.Timeslice, 10*time.Millisecond), 10*time.Second)
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	opts.StopGrace = min(opts.StopGrace, time.Minute)
	opts.MaxFrameRate = clampDefault(opts.MaxFrameRate, defaultMaxFrameRate, 1, 120)
	opts.VideoQueueSize = clampDefault(opts.VideoQueueSize, defaultVideoQueueSize, 128, 16384)
	opts.AudioQueueSize = clampDefault(opts.AudioQueueSize, defaultAudioQueueSize, 256, 32768)
	opts.AudioChunkSize = clampDefault(opts.AudioChunkSize, defaultAudioChunkSize, 512, 32768)
	opts.AudioRelayQueue = clampDefault(opts.AudioRelayQueue, defaultAudioRelayQueue, 8, 4096)
	opts.ChunkQueue = clampDefault(opts.ChunkQueue, defaultChunkQueue, 1, 4096)
	opts.FrameQueue = clampDefault(opts.FrameQueue, defaultFrameQueue, 1, 256)
	return opts, nil
}

func clampDefault(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

func targetFPS(stream *capture.Stream, maxFPS int) uint32 {
	target := stream.FrameRate
	if target == 0 || target > uint32(maxFPS) {
		target = uint32(maxFPS)
	}
	if stream.Width*stream.Height > 1920*1080 && target > defaultHighResCapFPS {
		target = defaultHighResCapFPS
	}
	return target
}

func baseFilter(fps uint32) string {
	return fmt.Sprintf("fps=%d,scale=trunc(iw/2)*2:trunc(ih/2)*2", fps)
}

// Plan returns the encoder plan, probing hardware encoders on first use.
func (f *FFmpeg) Plan(ctx context.Context) Plan {
	f.planOnce.Do(func() {
		// The filter and GOP are placeholders; Open substitutes the
		// stream's own values.
		filter, gop := baseFilter(30), "60"
		if f.opts.HardwareProbe {
			f.plan = SelectPlan(ctx, f.opts.FFmpegPath, filter, gop, f.log)
		} else {
			f.plan = softwarePlan(filter, gop)
			reportSelection(f.log, f.plan, "hardware_probe_disabled")
		}
	})
	return f.plan
}

// withStream rebinds a plan to the stream's frame rate.
func (p Plan) withStream(fps uint32) Plan {
	filter := baseFilter(fps)
	gop := strconv.FormatUint(uint64(fps)*2, 10)
	out := p
	out.VideoFilter = filter + strings.TrimPrefix(p.VideoFilter, baseFilter(30))
	out.CodecArgs = append([]string(nil), p.CodecArgs...)
	for i := 0; i+1 < len(out.CodecArgs); i++ {
		if out.CodecArgs[i] == "-g" || out.CodecArgs[i] == "-keyint_min" {
			out.CodecArgs[i+1] = gop
		}
	}
	return out
}

type argsInput struct {
	plan      Plan
	width     uint32
	height    uint32
	fps       uint32
	audioURL  string
	videoQ    int
	audioQ    int
	debugLogs bool
}

func buildArgs(in argsInput) []string {
	fpsArg := strconv.FormatUint(uint64(in.fps), 10)
	logLevel := "error"
	if in.debugLogs {
		logLevel = "debug"
	}

	args := []string{"-hide_banner", "-loglevel", logLevel}
	args = append(args, in.plan.GlobalArgs...)
	args = append(args,
		"-thread_queue_size", strconv.Itoa(in.videoQ),
		"-f", "rawvideo",
		"-pix_fmt", strings.ToLower(capture.PixelFormatBGRA),
		"-s", fmt.Sprintf("%dx%d", in.width, in.height),
		"-r", fpsArg,
		"-i", "pipe:0",
	)
	if in.audioURL != "" {
		args = append(args,
			"-thread_queue_size", strconv.Itoa(in.audioQ),
			"-f", "s16le",
			"-ar", strconv.Itoa(capture.AudioSampleRate),
			"-ac", strconv.Itoa(capture.AudioChannels),
			"-i", in.audioURL,
			"-map", "0:v:0",
			"-map", "1:a:0",
		)
	} else {
		args = append(args, "-map", "0:v:0", "-an")
	}

	if in.plan.VideoFilter != "" {
		args = append(args, "-vf", in.plan.VideoFilter)
	}
	args = append(args, "-r", fpsArg)
	args = append(args, in.plan.CodecArgs...)
	if in.audioURL != "" {
		args = append(args,
			"-af", "aresample=async=1:min_hard_comp=0.100:first_pts=0",
			"-c:a", "libopus",
			"-b:a", "128k",
			"-ar", strconv.Itoa(capture.AudioSampleRate),
			"-ac", strconv.Itoa(capture.AudioChannels),
		)
	}
	return append(args,
		"-f", "webm",
		"-live", "1",
		"-flush_packets", "1",
		"pipe:1",
	)
}
