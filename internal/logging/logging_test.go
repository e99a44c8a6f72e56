package logging

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitializeUpdatesExistingLoggers(t *testing.T) {
	t.Setenv("SCREENREC_DEBUG", "")
	t.Setenv("SCREENREC_DEBUG_FILE", "")
	log := GetLogger("logtest")

	Initialize(Config{Level: "warn", Modules: map[string]string{"logtest": "debug"}})
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { Initialize(Config{Level: "info"}) })

	log.With("stream", "a").Debug("frame dropped")
	require.Contains(t, buf.String(), "module=logtest")
	require.Contains(t, buf.String(), "stream=a")

	buf.Reset()
	GetLogger("logtest-other").Info("hidden")
	require.Empty(t, buf.String())
}

func TestJSONFormat(t *testing.T) {
	t.Setenv("SCREENREC_DEBUG", "")
	t.Setenv("SCREENREC_DEBUG_FILE", "")
	Initialize(Config{Level: "info", Format: "json"})
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { Initialize(Config{Level: "info"}) })

	GetLogger("jsontest").Info("hello", "n", 1)
	require.Contains(t, buf.String(), `"module":"jsontest"`)
	require.Contains(t, buf.String(), `"n":1`)
}

func TestParseLevel(t *testing.T) {
	for in, ok := range map[string]bool{"debug": true, "WARNING": true, " error ": true, "trace": false} {
		_, got := ParseLevel(in)
		require.Equal(t, ok, got, in)
	}
}

func TestEvery(t *testing.T) {
	var last atomic.Int64
	require.True(t, Every(&last, time.Hour))
	require.False(t, Every(&last, time.Hour))
	require.True(t, Every(nil, time.Hour))
}
