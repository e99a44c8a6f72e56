package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/events"
	"go2tv.app/screenrec/internal/config"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/portal"
	"go2tv.app/screenrec/persist"
	"go2tv.app/screenrec/recorder"
	"go2tv.app/screenrec/screencast"
	"go2tv.app/screenrec/source"
	"go2tv.app/screenrec/testsrc"
)

// Platform enumerates and captures sources.
type Platform interface {
	source.Provider
	capture.Backend
}

// App owns the recorder's collaborators for one process.
type App struct {
	Options  config.Options
	Bus      *events.Bus
	Catalog  *source.Catalog
	Capture  *capture.Session
	Encoder  *encoder.FFmpeg
	Gateway  persist.Gateway
	Recorder *recorder.Controller

	log     *slog.Logger
	conn    *portal.Conn
	closers []func() error
}

// New wires an App. in and out back the terminal save prompt.
func New(opts config.Options, in io.Reader, out io.Writer) (*App, error) {
	a := &App{
		Options: opts,
		Bus:     events.New(),
		log:     logging.GetLogger("app"),
	}

	platform, err := a.platform()
	if err != nil {
		return nil, err
	}
	a.Catalog = source.NewCatalog(platform)
	a.Capture = capture.NewSession(platform, a.Catalog)
	if _, err := a.Capture.SetAudio(context.Background(), opts.Audio); err != nil {
		return nil, err
	}

	a.Encoder, err = encoder.New(encoder.Options{
		FFmpegPath:    opts.FFmpegPath,
		Timeslice:     opts.Timeslice(),
		StopGrace:     opts.StopGrace(),
		MaxFrameRate:  opts.MaxFrameRate,
		HardwareProbe: opts.HardwareProbe,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	a.Gateway = a.gateway(in, out)

	a.Recorder, err = recorder.New(recorder.Options{
		Capture: a.Capture,
		Encoder: recorder.EncoderFunc(func(ctx context.Context, stream *capture.Stream) (recorder.Sink, error) {
			sink, err := a.Encoder.Open(ctx, stream)
			if err != nil {
				return nil, err
			}
			return sink, nil
		}),
		Gateway: a.Gateway,
		Bus:     a.Bus,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) platform() (Platform, error) {
	switch a.Options.Backend {
	case config.BackendTest:
		return testsrc.New(testsrc.Options{FFmpegPath: a.Options.FFmpegPath, FrameRate: a.Options.FrameRate}), nil
	default:
		conn, err := a.portalConn()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", capture.ErrCaptureUnavailable, err)
		}
		p := screencast.NewPlatform(conn, screencast.PlatformOptions{
			FrameRate:  uint32(a.Options.FrameRate),
			HideCursor: a.Options.HideCursor,
		})
		a.closers = append(a.closers, p.Close)
		return p, nil
	}
}

func (a *App) portalConn() (*portal.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	conn, err := portal.Connect()
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

func (a *App) gateway(in io.Reader, out io.Writer) persist.Gateway {
	switch a.Options.Save {
	case config.SaveDir:
		return persist.Dir{Path: a.Options.OutputDir}
	case config.SavePrompt:
		return persist.NewPrompt(in, out, a.Options.OutputDir)
	default:
		conn, err := a.portalConn()
		if err != nil {
			a.log.Warn("file chooser portal unavailable, asking on the terminal", "error", err)
			return persist.NewPrompt(in, out, a.Options.OutputDir)
		}
		return &persist.Portal{Chooser: conn, Dir: a.Options.OutputDir}
	}
}

// Sources runs a catalog query with the configured kinds and thumbnail
// size.
func (a *App) Sources(ctx context.Context) ([]source.Descriptor, error) {
	q := source.Query{ThumbnailSize: a.Options.ThumbnailSize}
	for _, k := range a.Options.Kinds {
		kind, err := source.ParseKind(k)
		if err != nil {
			return nil, err
		}
		q.Kinds = append(q.Kinds, kind)
	}
	return a.Catalog.List(ctx, q)
}

// Close finalizes any recording and releases the platform.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Recorder != nil {
		errs = append(errs, a.Recorder.Close(ctx))
	} else if a.Capture != nil {
		a.Capture.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
