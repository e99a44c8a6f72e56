package app

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/internal/config"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/pipewire"
	"go2tv.app/screenrec/internal/portal"
	"go2tv.app/screenrec/screencast"
)

// Check is one prerequisite and whether it is met.
type Check struct {
	Name   string
	OK     bool
	Detail string
	// Optional checks do not fail the run.
	Optional bool
}

// Doctor checks the programs and desktop services screenrec relies on.
func Doctor(ctx context.Context, opts config.Options) []Check {
	var checks []Check

	path, err := exec.LookPath(opts.FFmpegPath)
	if err != nil {
		checks = append(checks, Check{Name: "ffmpeg", Detail: "not found. Install ffmpeg or set encoder.ffmpeg"})
	} else {
		checks = append(checks, Check{Name: "ffmpeg", OK: true, Detail: path})
		checks = append(checks, encoderChecks(ctx, path)...)
		if opts.HardwareProbe {
			plan := encoder.SelectPlan(ctx, path, "fps=30", "60", logging.GetLogger("doctor"))
			checks = append(checks, Check{Name: "VP9 encoder", OK: true, Detail: fmt.Sprintf("%s (%s)", plan.Label, plan.Mode())})
		}
	}

	if opts.Backend == config.BackendTest {
		checks = append(checks, Check{Name: "Capture backend", OK: true, Detail: "synthetic test sources"})
		return checks
	}

	if pipewire.IsAvailable() {
		checks = append(checks, Check{Name: "PipeWire", OK: true, Detail: "libpipewire-0.3 loaded"})
	} else {
		checks = append(checks, Check{Name: "PipeWire", Detail: pipewire.ErrLibraryNotLoaded.Error()})
	}

	conn, err := portal.Connect()
	if err != nil {
		checks = append(checks, Check{Name: "Desktop portal", Detail: err.Error()})
		return checks
	}

	sc := screencast.NewClient(conn)
	if v, err := sc.Version(ctx); err != nil {
		checks = append(checks, Check{Name: "ScreenCast portal", Detail: err.Error()})
	} else {
		types, _ := sc.AvailableSourceTypes(ctx)
		checks = append(checks, Check{Name: "ScreenCast portal", OK: true, Detail: fmt.Sprintf("version %d, sources: %s", v, describeTypes(types))})
	}

	if v, err := conn.Uint32Property(ctx, portal.CallBaseName+".FileChooser", "version"); err != nil {
		checks = append(checks, Check{Name: "FileChooser portal", Detail: err.Error(), Optional: opts.Save != config.SaveDialog})
	} else {
		checks = append(checks, Check{Name: "FileChooser portal", OK: true, Detail: fmt.Sprintf("version %d", v)})
	}
	return checks
}

func encoderChecks(ctx context.Context, ffmpegPath string) []Check {
	set, err := encoder.EncoderSet(ctx, ffmpegPath)
	if err != nil {
		return []Check{{Name: "ffmpeg encoders", Detail: err.Error()}}
	}
	_, vp9 := set["libvpx-vp9"]
	_, opus := set["libopus"]
	// EncoderSet lists video encoders only; check audio separately.
	if !opus {
		opus = hasAudioEncoder(ctx, ffmpegPath, "libopus")
	}
	return []Check{
		{Name: "libvpx-vp9", OK: vp9, Detail: present(vp9)},
		{Name: "libopus", OK: opus, Detail: present(opus)},
	}
}

func hasAudioEncoder(ctx context.Context, ffmpegPath, name string) bool {
	out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-h", "encoder="+name).Output()
	if err != nil {
		return false
	}
	return !strings.Contains(string(out), "is not recognized")
}

func present(ok bool) string {
	if ok {
		return "available"
	}
	return "missing from this ffmpeg build"
}

func describeTypes(types uint32) string {
	var names []string
	if types&screencast.SourceTypeMonitor != 0 {
		names = append(names, "screen")
	}
	if types&screencast.SourceTypeWindow != 0 {
		names = append(names, "window")
	}
	if types&screencast.SourceTypeVirtual != 0 {
		names = append(names, "virtual")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
