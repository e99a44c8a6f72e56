// Package config loads screenrec options with the precedence
// CLI flags > SCREENREC_* environment > TOML file > defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"go2tv.app/screenrec/internal/logging"
)

const EnvPrefix = "SCREENREC_"

// Options holds every setting. Fields tagged with flag are skipped by the
// file and environment layers when that flag was set on the command line.
type Options struct {
	Config string `flag:"config"`

	Backend       string   `toml:"capture.backend" env:"BACKEND" flag:"backend"`
	FrameRate     int      `toml:"capture.frame_rate" env:"FRAME_RATE" flag:"frame-rate"`
	Audio         bool     `toml:"capture.audio" env:"AUDIO" flag:"audio"`
	HideCursor    bool     `toml:"capture.hide_cursor" env:"HIDE_CURSOR" flag:"hide-cursor"`
	Kinds         []string `toml:"sources.kinds" env:"KINDS" flag:"kinds"`
	ThumbnailSize int      `toml:"sources.thumbnail_size" env:"THUMBNAIL_SIZE" flag:"thumbnail-size"`

	FFmpegPath    string `toml:"encoder.ffmpeg" env:"FFMPEG" flag:"ffmpeg"`
	HardwareProbe bool   `toml:"encoder.hardware_probe" env:"HARDWARE_PROBE" flag:"hardware-probe"`
	TimesliceMS   int    `toml:"encoder.timeslice_ms" env:"TIMESLICE_MS" flag:"timeslice-ms"`
	StopGraceMS   int    `toml:"encoder.stop_grace_ms" env:"STOP_GRACE_MS"`
	MaxFrameRate  int    `toml:"encoder.max_frame_rate" env:"MAX_FRAME_RATE"`

	Save      string `toml:"output.save" env:"SAVE" flag:"save"`
	OutputDir string `toml:"output.dir" env:"OUTPUT_DIR" flag:"output-dir"`

	PreviewAddr string `toml:"preview.addr" env:"PREVIEW_ADDR" flag:"preview-addr"`

	LoggingLevel  string `toml:"logging.level" env:"LOGGING_LEVEL" flag:"log-level"`
	LoggingFormat string `toml:"logging.format" env:"LOGGING_FORMAT" flag:"log-format"`
	LoggingFile   string `toml:"logging.file" env:"LOGGING_FILE"`
}

// Save modes.
const (
	SaveDialog = "dialog"
	SavePrompt = "prompt"
	SaveDir    = "dir"
)

// Capture backends.
const (
	BackendPortal = "portal"
	BackendTest   = "test"
)

// Defaults returns the built-in settings.
func Defaults() Options {
	return Options{
		Config:        DefaultPath(),
		Backend:       BackendPortal,
		FrameRate:     30,
		ThumbnailSize: 150,
		FFmpegPath:    "ffmpeg",
		HardwareProbe: true,
		TimesliceMS:   100,
		StopGraceMS:   5000,
		MaxFrameRate:  60,
		Save:          SaveDialog,
		OutputDir:     defaultOutputDir(),
		LoggingLevel:  "info",
		LoggingFormat: "text",
	}
}

// DefaultPath is $XDG_CONFIG_HOME/screenrec/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "screenrec", "config.toml")
}

func defaultOutputDir() string {
	if dir := os.Getenv("XDG_VIDEOS_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	videos := filepath.Join(home, "Videos")
	if info, err := os.Stat(videos); err == nil && info.IsDir() {
		return videos
	}
	return home
}

// Load applies the config file and environment on top of opts, leaving
// alone any field whose flag is in flags and was changed. A missing config
// file is not an error.
func Load(opts *Options, flags *pflag.FlagSet) error {
	changed := make(map[string]bool)
	if flags != nil {
		flags.Visit(func(f *pflag.Flag) {
			changed[f.Name] = true
		})
	}

	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	if opts.Config != "" {
		data, err := os.ReadFile(opts.Config)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read config: %w", err)
		default:
			var tree map[string]any
			if err := toml.Unmarshal(data, &tree); err != nil {
				return fmt.Errorf("failed to parse TOML config %s: %w", opts.Config, err)
			}
			for i := 0; i < v.NumField(); i++ {
				field := t.Field(i)
				if changed[field.Tag.Get("flag")] {
					continue
				}
				if path := field.Tag.Get("toml"); path != "" {
					if value := nestedValue(tree, path); value != nil {
						setFieldValue(v.Field(i), value)
					}
				}
			}
		}
	}

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if changed[field.Tag.Get("flag")] {
			continue
		}
		if key := field.Tag.Get("env"); key != "" {
			if value := strings.TrimSpace(os.Getenv(EnvPrefix + key)); value != "" {
				setFieldFromString(v.Field(i), value)
			}
		}
	}

	opts.normalize()
	return opts.Validate()
}

func (o *Options) normalize() {
	def := Defaults()
	o.FrameRate = clamp(o.FrameRate, def.FrameRate, 1, 120)
	o.ThumbnailSize = clamp(o.ThumbnailSize, def.ThumbnailSize, 16, 1024)
	o.TimesliceMS = clamp(o.TimesliceMS, def.TimesliceMS, 10, 10000)
	o.StopGraceMS = clamp(o.StopGraceMS, def.StopGraceMS, 100, 60000)
	o.MaxFrameRate = clamp(o.MaxFrameRate, def.MaxFrameRate, 1, 120)
	o.Save = strings.ToLower(strings.TrimSpace(o.Save))
	o.Backend = strings.ToLower(strings.TrimSpace(o.Backend))
}

// Validate reports settings that cannot be used.
func (o *Options) Validate() error {
	switch o.Save {
	case SaveDialog, SavePrompt, SaveDir:
	default:
		return fmt.Errorf("invalid save mode %q (want dialog, prompt or dir)", o.Save)
	}
	switch o.Backend {
	case BackendPortal, BackendTest:
	default:
		return fmt.Errorf("invalid capture backend %q (want portal or test)", o.Backend)
	}
	if _, ok := logging.ParseLevel(o.LoggingLevel); !ok {
		return fmt.Errorf("invalid log level %q", o.LoggingLevel)
	}
	return nil
}

func (o *Options) Timeslice() time.Duration {
	return time.Duration(o.TimesliceMS) * time.Millisecond
}

func (o *Options) StopGrace() time.Duration {
	return time.Duration(o.StopGraceMS) * time.Millisecond
}

// Logging returns the logging configuration, including per-module levels
// from the [logging.modules] table of the config file.
func (o *Options) Logging() logging.Config {
	cfg := logging.Config{
		Level:   o.LoggingLevel,
		Format:  o.LoggingFormat,
		File:    o.LoggingFile,
		Modules: make(map[string]string),
	}
	if o.Config == "" {
		return cfg
	}
	data, err := os.ReadFile(o.Config)
	if err != nil {
		return cfg
	}
	var raw struct {
		Logging struct {
			Modules map[string]string `toml:"modules"`
		} `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err == nil {
		for k, v := range raw.Logging.Modules {
			cfg.Modules[k] = v
		}
	}
	return cfg
}

func clamp(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

func nestedValue(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := data
	for i, part := range parts {
		if i == len(parts)-1 {
			return current[part]
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

func setFieldValue(field reflect.Value, value any) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		if arr, ok := value.([]any); ok {
			out := make([]string, 0, len(arr))
			for _, item := range arr {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}
}

func setFieldFromString(field reflect.Value, value string) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		if b, ok := parseBool(value); ok {
			field.SetBool(b)
		}
	case reflect.Int:
		if n, err := strconv.Atoi(value); err == nil {
			field.SetInt(int64(n))
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		field.Set(reflect.ValueOf(out))
	}
}

func parseBool(v string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no":
		return false, true
	default:
		return false, false
	}
}
