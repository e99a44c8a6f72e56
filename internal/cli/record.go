package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go2tv.app/screenrec/events"
	"go2tv.app/screenrec/internal/app"
	"go2tv.app/screenrec/internal/output"
	"go2tv.app/screenrec/internal/preview"
	"go2tv.app/screenrec/recorder"
	"go2tv.app/screenrec/source"
)

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var sourceArg string
	var duration time.Duration
	opts := deps.Options

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a screen or window",
		Long: "Select a source and record it. Press Enter to start and stop, 'a' to toggle audio " +
			"while idle and 'q' to quit. With --duration the recording starts at once and stops " +
			"after the given time.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.app()
			if err != nil {
				return err
			}
			f := output.NewFormatter(deps.Out)
			ctx := cmd.Context()

			d, err := pickSource(ctx, deps, a, sourceArg, f)
			if err != nil {
				return err
			}
			if _, err := a.Recorder.SelectSource(ctx, d); err != nil {
				return err
			}
			f.SourceSelected(d, a.Capture.Audio())

			if opts.PreviewAddr != "" {
				srv, err := preview.Listen(opts.PreviewAddr, preview.NewHandler(preview.HandlerOptions{
					Status: a.Recorder,
					Frames: a.Capture,
				}))
				if err != nil {
					return fmt.Errorf("preview server: %w", err)
				}
				defer srv.Shutdown(context.Background())
				f.Info("Preview at http://" + srv.Addr() + "/preview.png")
			}

			s := &recordSession{deps: deps, app: a, f: f}
			if duration > 0 {
				return s.timed(ctx, duration)
			}
			return s.interactive(ctx)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&sourceArg, "source", "s", "", "Source index from the list or source ID")
	fl.DurationVarP(&duration, "duration", "d", 0, "Record for this long, then save and exit")
	fl.BoolVar(&opts.Audio, "audio", opts.Audio, "Capture system audio")
	fl.BoolVar(&opts.HideCursor, "hide-cursor", opts.HideCursor, "Leave the cursor out of the recording")
	fl.StringVar(&opts.Save, "save", opts.Save, "How to choose the destination (dialog, prompt, dir)")
	fl.StringVarP(&opts.OutputDir, "output-dir", "o", opts.OutputDir, "Directory for saved recordings")
	fl.StringVar(&opts.PreviewAddr, "preview-addr", opts.PreviewAddr, "Serve a live preview and status on this address")
	fl.IntVar(&opts.TimesliceMS, "timeslice-ms", opts.TimesliceMS, "Encoder chunk interval in milliseconds")
	return cmd
}

func pickSource(ctx context.Context, deps *Dependencies, a *app.App, arg string, f *output.Formatter) (source.Descriptor, error) {
	list, err := a.Sources(ctx)
	if err != nil {
		return source.Descriptor{}, err
	}
	if len(list) == 0 {
		return source.Descriptor{}, fmt.Errorf("%w: no sources available", source.ErrUnknownSource)
	}
	if arg != "" || len(list) == 1 {
		return resolveSource(a.Catalog, list, arg)
	}

	f.SourceListHeader()
	for i, d := range list {
		f.SourceListItem(i+1, d)
	}
	fmt.Fprint(deps.Out, "\nSelect source [1]: ")
	select {
	case line, ok := <-deps.input.Lines():
		if !ok {
			return source.Descriptor{}, errors.New("no source selected")
		}
		return resolveSource(a.Catalog, list, strings.TrimSpace(line))
	case <-ctx.Done():
		return source.Descriptor{}, ctx.Err()
	}
}

// resolveSource accepts a 1-based index into list or a descriptor ID from
// the catalog's latest enumeration. An empty arg picks the first source.
func resolveSource(catalog *source.Catalog, list []source.Descriptor, arg string) (source.Descriptor, error) {
	if arg == "" {
		return list[0], nil
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(list) {
			return source.Descriptor{}, fmt.Errorf("%w: index %d out of range 1-%d", source.ErrUnknownSource, n, len(list))
		}
		return list[n-1], nil
	}
	if d, ok := catalog.Lookup(arg); ok {
		return d, nil
	}
	return source.Descriptor{}, fmt.Errorf("%w: %s", source.ErrUnknownSource, arg)
}

type recordSession struct {
	deps *Dependencies
	app  *app.App
	f    *output.Formatter
}

// clock redraws the timer from Tick events until the returned function is
// called.
func (s *recordSession) clock() func() {
	ticks := make(chan time.Duration, 1)
	unsubscribe := s.app.Bus.Subscribe(func(e events.Tick) {
		select {
		case ticks <- e.Elapsed:
		default:
		}
	})
	done := make(chan struct{})
	go func() {
		for {
			select {
			case el := <-ticks:
				if s.app.Recorder.State() == recorder.Recording {
					s.f.Clock(el)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsubscribe()
		close(done)
	}
}

func (s *recordSession) start(ctx context.Context) error {
	if err := s.app.Recorder.Start(ctx); err != nil {
		return err
	}
	s.f.RecordingStarted()
	return nil
}

func (s *recordSession) stop(ctx context.Context) error {
	s.f.RecordingStopped(s.app.Recorder.Snapshot().Elapsed)
	s.f.Finalizing()

	return s.report(s.app.Recorder.Stop(ctx))
}

// encoderFailures forwards the errors of an encoder that ended a recording
// until the returned function is called.
func (s *recordSession) encoderFailures() (<-chan string, func()) {
	ch := make(chan string, 1)
	unsubscribe := s.app.Bus.Subscribe(func(e events.Failure) {
		if e.Op != "encode" {
			return
		}
		select {
		case ch <- e.Error:
		default:
		}
	})
	return ch, unsubscribe
}

// collect reports the outcome of a recording the encoder ended. It is
// silent when that recording was already stopped.
func (s *recordSession) collect(ctx context.Context, msg string) error {
	if s.app.Recorder.State() == recorder.Recording {
		return nil
	}
	out, err := s.app.Recorder.Stop(ctx)
	if errors.Is(err, recorder.ErrInvalidStateTransition) {
		return nil
	}
	s.f.Warning("encoder stopped: " + msg)
	return s.report(out, err)
}

func (s *recordSession) report(out *recorder.Outcome, err error) error {
	if out == nil {
		return err
	}
	if out.EncoderErr != nil && out.Err == nil {
		s.f.Warning("recording may be truncated: " + out.EncoderErr.Error())
	}
	switch {
	case out.Err != nil:
		return out.Err
	case out.Cancelled:
		s.f.SaveCancelled(out.Bytes)
	default:
		s.f.RecordingSaved(out.Path, out.Bytes, out.Duration)
	}
	return nil
}

func (s *recordSession) timed(ctx context.Context, d time.Duration) error {
	defer s.clock()()
	failed, unsubscribe := s.encoderFailures()
	defer unsubscribe()
	sig := notifyInterrupt()
	defer signal.Stop(sig)

	if err := s.start(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(d):
	case <-sig:
	case <-ctx.Done():
	case msg := <-failed:
		return s.collect(context.WithoutCancel(ctx), msg)
	}
	return s.stop(context.WithoutCancel(ctx))
}

func (s *recordSession) interactive(ctx context.Context) error {
	defer s.clock()()
	failed, unsubscribe := s.encoderFailures()
	defer unsubscribe()
	sig := notifyInterrupt()
	defer signal.Stop(sig)

	s.f.Info("Press Enter to start or stop, 'a' + Enter to toggle audio, 'q' + Enter to quit")
	lines := s.deps.input.Lines()
	for {
		recording := s.app.Recorder.State() == recorder.Recording
		select {
		case line, ok := <-lines:
			cmd := strings.ToLower(strings.TrimSpace(line))
			if !ok {
				cmd = "q"
			}
			switch cmd {
			case "":
				var err error
				if recording {
					err = s.stop(ctx)
				} else {
					err = s.start(ctx)
				}
				if err != nil {
					s.f.Error(err.Error())
				}
			case "a":
				enabled := !s.app.Capture.Audio()
				if _, err := s.app.Recorder.SetAudio(ctx, enabled); err != nil {
					s.f.Warning(err.Error())
					continue
				}
				s.f.AudioChanged(enabled)
			case "q":
				if recording {
					return s.stop(ctx)
				}
				return nil
			default:
				s.f.Warning(fmt.Sprintf("unknown command %q", cmd))
			}
		case msg := <-failed:
			if err := s.collect(ctx, msg); err != nil {
				s.f.Error(err.Error())
			}
		case <-sig:
			if recording {
				return s.stop(context.WithoutCancel(ctx))
			}
			return nil
		case <-ctx.Done():
			if recording {
				return s.stop(context.WithoutCancel(ctx))
			}
			return ctx.Err()
		}
	}
}

func notifyInterrupt() chan os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	return sig
}
