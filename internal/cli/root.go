package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"go2tv.app/screenrec/internal/app"
	"go2tv.app/screenrec/internal/config"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/version"
)

const closeTimeout = 30 * time.Second

// Dependencies is shared by every command. App is built on first use, after
// the configuration has been loaded.
type Dependencies struct {
	Options *config.Options
	App     *app.App
	Out     io.Writer

	input *lineInput
}

// NewDependencies reads commands and prompt answers from in.
func NewDependencies(in io.Reader, out io.Writer) *Dependencies {
	opts := config.Defaults()
	return &Dependencies{
		Options: &opts,
		Out:     out,
		input:   newLineInput(in),
	}
}

func (d *Dependencies) app() (*app.App, error) {
	if d.App != nil {
		return d.App, nil
	}
	a, err := app.New(*d.Options, d.input, d.Out)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	d.App = a
	return a, nil
}

// Close releases the App if one was built.
func (d *Dependencies) Close() error {
	defer logging.Close()
	if d.App == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := d.App.Close(ctx)
	d.App = nil
	return err
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	opts := deps.Options
	rootCmd := &cobra.Command{
		Use:   "screenrec",
		Short: "Record a screen or window to WebM",
		Long: "Pick a screen or window shared through the desktop portal, record it with optional audio " +
			"and save the result as a VP9/Opus WebM file.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(opts, cmd.Flags()); err != nil {
				return err
			}
			logging.Initialize(opts.Logging())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return deps.Close()
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.SetOut(deps.Out)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.Config, "config", "c", opts.Config, "Path to configuration file")
	pf.StringVar(&opts.Backend, "backend", opts.Backend, "Capture backend (portal, test)")
	pf.IntVar(&opts.FrameRate, "frame-rate", opts.FrameRate, "Capture frame rate")
	pf.StringVar(&opts.FFmpegPath, "ffmpeg", opts.FFmpegPath, "ffmpeg executable")
	pf.BoolVar(&opts.HardwareProbe, "hardware-probe", opts.HardwareProbe, "Probe hardware VP9 encoders")
	pf.StringVar(&opts.LoggingLevel, "log-level", opts.LoggingLevel, "Logging level (debug, info, warn, error)")
	pf.StringVar(&opts.LoggingFormat, "log-format", opts.LoggingFormat, "Logging format (text, json)")

	rootCmd.AddCommand(NewSourcesCmd(deps))
	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(NewVersionCmd(deps))

	return rootCmd
}
