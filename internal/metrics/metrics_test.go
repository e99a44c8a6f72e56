package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestChunkReceivedSplitsEmptyFlushes(t *testing.T) {
	chunksBefore := testutil.ToFloat64(chunks)
	emptyBefore := testutil.ToFloat64(emptyChunks)
	bytesBefore := testutil.ToFloat64(recordedBytes)

	ChunkReceived(1024)
	ChunkReceived(0)
	ChunkReceived(2048)

	require.Equal(t, chunksBefore+2, testutil.ToFloat64(chunks))
	require.Equal(t, emptyBefore+1, testutil.ToFloat64(emptyChunks))
	require.Equal(t, bytesBefore+3072, testutil.ToFloat64(recordedBytes))
}

func TestRecordingFinishedByOutcome(t *testing.T) {
	before := testutil.ToFloat64(recordingsFinished.WithLabelValues(OutcomeCancelled))
	RecordingFinished(OutcomeCancelled)
	require.Equal(t, before+1, testutil.ToFloat64(recordingsFinished.WithLabelValues(OutcomeCancelled)))
}

func TestOpenStreamsGauge(t *testing.T) {
	before := testutil.ToFloat64(openStreams)
	StreamOpened()
	require.Equal(t, before+1, testutil.ToFloat64(openStreams))
	StreamClosed()
	require.Equal(t, before, testutil.ToFloat64(openStreams))
}
