package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsExist(t *testing.T) {
	for name, metric := range map[string]any{
		"InputPacketsRead":      InputPacketsRead,
		"InputBytesRead":        InputBytesRead,
		"OutputPacketsWritten":  OutputPacketsWritten,
		"OutputBytesWritten":    OutputBytesWritten,
		"OutputHeadersWritten":  OutputHeadersWritten,
		"OutputTrailersWritten": OutputTrailersWritten,
		"CodecSends":            CodecSends,
		"CodecReceives":         CodecReceives,
		"RelayFilled":           RelayFilled,
		"RelayFree":             RelayFree,
		"HardwareHandles":       HardwareHandles,
	} {
		require.NotNil(t, metric, name)
	}
}

func TestCodecCounters(t *testing.T) {
	c := CodecReceives.WithLabelValues("test-codec", KindDecoder, ResultNoData)
	before := testutil.ToFloat64(c)
	c.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(c))
}
