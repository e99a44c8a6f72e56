package encoder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go2tv.app/screenrec/internal/processutil"
)

const encoderProbeTimeout = 5 * time.Second

// Plan is one way of encoding VP9 with the local ffmpeg.
type Plan struct {
	Label       string
	Codec       string
	Hardware    bool
	GlobalArgs  []string
	VideoFilter string
	CodecArgs   []string
}

func (p Plan) Mode() string {
	if p.Hardware {
		return "hardware"
	}
	return "software"
}

// SelectPlan returns the first hardware VP9 plan that ffmpeg lists and can
// test-encode with, falling back to libvpx-vp9.
func SelectPlan(ctx context.Context, ffmpegPath, baseFilter, gop string, log *slog.Logger) Plan {
	software := softwarePlan(baseFilter, gop)

	candidates := hardwareCandidates(baseFilter, gop)
	if len(candidates) == 0 {
		reportSelection(log, software, "no_hardware_candidates")
		return software
	}

	if _, err := exec.LookPath(ffmpegPath); err != nil {
		log.Debug("encoder probe: ffmpeg lookup failed", "path", ffmpegPath, "error", err)
		reportSelection(log, software, "ffmpeg_not_found")
		return software
	}

	available, err := EncoderSet(ctx, ffmpegPath)
	if err != nil {
		log.Debug("encoder probe: ffmpeg -encoders failed", "error", err)
	}

	for _, candidate := range candidates {
		if len(available) > 0 {
			if _, ok := available[candidate.Codec]; !ok {
				log.Debug("encoder probe: skip", "encoder", candidate.Label, "reason", "not_in_ffmpeg_encoder_list")
				continue
			}
		}
		if err := probe(ctx, ffmpegPath, candidate); err != nil {
			log.Debug("encoder probe: failed", "encoder", candidate.Label, "error", err)
			continue
		}
		reportSelection(log, candidate, "")
		return candidate
	}

	reportSelection(log, software, "all_hardware_probes_failed")
	return software
}

// EncoderSet lists the video encoders compiled into ffmpeg.
func EncoderSet(ctx context.Context, ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	processutil.HideConsoleWindow(cmd)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}
	return parseEncoders(string(out)), nil
}

func parseEncoders(out string) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		// " V....D libvpx-vp9  libvpx VP9": flags first, then the name.
		if strings.HasPrefix(fields[0], "V") && len(fields[0]) == 6 {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

func reportSelection(log *slog.Logger, plan Plan, reason string) {
	if reason == "" {
		log.Info("video encoder selected", "encoder", plan.Label, "mode", plan.Mode())
		return
	}
	log.Info("video encoder selected", "encoder", plan.Label, "mode", plan.Mode(), "reason", reason)
}

func probe(ctx context.Context, ffmpegPath string, plan Plan) error {
	ctx, cancel := context.WithTimeout(ctx, encoderProbeTimeout)
	defer cancel()

	args := []string{"-v", "error", "-nostdin"}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:r=30:d=0.5",
		"-an",
		"-frames:v", "8",
		"-r", "30",
	)
	if strings.TrimSpace(plan.VideoFilter) != "" {
		args = append(args, "-vf", plan.VideoFilter)
	}
	args = append(args, plan.CodecArgs...)
	args = append(args, "-f", "null", "-")

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	processutil.HideConsoleWindow(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("probe timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return fmt.Errorf("probe failed: %w: %s", err, processutil.Tail(strings.TrimSpace(stderr.String()), 240))
	}
	return nil
}

func hardwareCandidates(baseFilter, gop string) []Plan {
	switch runtime.GOOS {
	case "linux":
		var candidates []Plan
		devices, err := filepath.Glob("/dev/dri/renderD*")
		if err == nil {
			for _, dev := range devices {
				label := fmt.Sprintf("vp9_vaapi (%s)", dev)
				candidates = append(candidates, hardwarePlan("vp9_vaapi", label, []string{"-vaapi_device", dev}, baseFilter+",format=nv12,hwupload", gop))
			}
		}
		return append(candidates, hardwarePlan("vp9_qsv", "vp9_qsv", nil, baseFilter+",format=nv12", gop))
	case "windows":
		return []Plan{hardwarePlan("vp9_qsv", "vp9_qsv", nil, baseFilter+",format=nv12", gop)}
	default:
		return nil
	}
}

func hardwarePlan(codec, label string, globalArgs []string, filter, gop string) Plan {
	return Plan{
		Label:       label,
		Codec:       codec,
		Hardware:    true,
		GlobalArgs:  append([]string(nil), globalArgs...),
		VideoFilter: filter,
		CodecArgs: []string{
			"-c:v", codec,
			"-b:v", "4000k",
			"-maxrate", "5000k",
			"-bufsize", "10000k",
			"-g", gop,
		},
	}
}

func softwarePlan(baseFilter, gop string) Plan {
	return Plan{
		Label:       "libvpx-vp9",
		Codec:       "libvpx-vp9",
		VideoFilter: baseFilter,
		CodecArgs: []string{
			"-c:v", "libvpx-vp9",
			"-deadline", "realtime",
			"-cpu-used", "8",
			"-row-mt", "1",
			"-b:v", "4000k",
			"-maxrate", "5000k",
			"-bufsize", "10000k",
			"-pix_fmt", "yuv420p",
			"-g", gop,
			"-keyint_min", gop,
		},
	}
}
