package output

import (
	"fmt"
	"io"
	"time"

	"go2tv.app/screenrec/source"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) SourceListHeader() {
	fmt.Fprintf(f.w, "🖥️  Sources:\n\n")
}

func (f *Formatter) SourceListItem(index int, d source.Descriptor) {
	thumb := ""
	if len(d.Thumbnail) > 0 {
		thumb = " 🖼️"
	}
	fmt.Fprintf(f.w, "  %2d. [%-6s] %s  (%s)%s\n", index, d.Kind, d.Name, d.ID, thumb)
}

func (f *Formatter) SourceSelected(d source.Descriptor, audio bool) {
	fmt.Fprintf(f.w, "🎯 Selected %s %q (audio %s)\n", d.Kind, d.Name, onOff(audio))
}

func (f *Formatter) AudioChanged(audio bool) {
	fmt.Fprintf(f.w, "🔊 Audio %s\n", onOff(audio))
}

func (f *Formatter) RecordingStarted() {
	fmt.Fprintf(f.w, "🔴 Recording started\n")
}

// Clock redraws the live timer on the current line.
func (f *Formatter) Clock(elapsed time.Duration) {
	fmt.Fprintf(f.w, "\r🔴 %s ", FormatClock(elapsed))
}

func (f *Formatter) RecordingStopped(elapsed time.Duration) {
	fmt.Fprintf(f.w, "\r⏹️  Recording stopped (%s)\n", FormatClock(elapsed))
}

func (f *Formatter) Finalizing() {
	fmt.Fprintf(f.w, "⏳ Finalizing recording...\n")
}

func (f *Formatter) RecordingSaved(path string, bytes int, duration time.Duration) {
	fmt.Fprintf(f.w, "✅ Recording saved: %s (%s, %s)\n", path, FormatBytes(bytes), FormatClock(duration))
}

func (f *Formatter) SaveCancelled(bytes int) {
	fmt.Fprintf(f.w, "🗑️  Recording discarded (%s)\n", FormatBytes(bytes))
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

// FormatClock renders whole elapsed seconds as mm:ss. Minutes keep counting
// past 59.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func FormatBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
