package processutil

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTail(t *testing.T) {
	require.Equal(t, "no ffmpeg stderr output", Tail("", 10))
	require.Equal(t, "abc", Tail("abc", 10))
	require.Equal(t, "def", Tail("abcdef", 3))
}

func TestTerminateReturnsWhenAlreadyDone(t *testing.T) {
	done := make(chan struct{})
	close(done)
	require.NoError(t, Terminate(nil, done, time.Millisecond))
}

func TestTerminateInterruptsLingeringProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep(1)")
	}
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	cmd := exec.Command(path, "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	start := time.Now()
	require.NoError(t, Terminate(cmd.Process, done, 50*time.Millisecond))
	<-done
	require.Less(t, time.Since(start), 5*time.Second)
}
