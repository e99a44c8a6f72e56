// Package processutil holds helpers for running ffmpeg child processes.
package processutil

import (
	"errors"
	"os"
	"time"
)

// Terminate waits up to grace for the process to exit on its own, then
// interrupts it, then kills it after a second grace period. done must be
// closed once the process has been waited for.
func Terminate(p *os.Process, done <-chan struct{}, grace time.Duration) error {
	if p == nil {
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	if err := interrupt(p); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	timer.Reset(grace)
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Tail returns at most max trailing bytes of s, or a placeholder when s is
// empty.
func Tail(s string, max int) string {
	if s == "" {
		return "no ffmpeg stderr output"
	}
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
