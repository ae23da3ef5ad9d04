package urltools

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) *url.URL {
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestFormatNameFromScheme(t *testing.T) {
	for s, expected := range map[string]string{
		"rtmp://example.com/live":   "flv",
		"rtmps://example.com/live":  "flv",
		"srt://example.com:9000":    "mpegts",
		"udp://239.0.0.1:1234":      "mpegts",
		"rtsp://example.com/stream": "rtsp",
		"/tmp/out.mkv":              "",
		"file:///tmp/out.mp4":       "",
	} {
		require.Equal(t, expected, FormatNameFromScheme(mustParse(t, s)), s)
	}
}

func TestWithDefaultPort(t *testing.T) {
	u := mustParse(t, "rtmp://example.com/live")
	WithDefaultPort(u)
	require.Equal(t, "rtmp://example.com:1935/live", u.String())

	u = mustParse(t, "rtmps://example.com:8443/live")
	WithDefaultPort(u)
	require.Equal(t, "rtmps://example.com:8443/live", u.String())

	u = mustParse(t, "srt://example.com")
	WithDefaultPort(u)
	require.Equal(t, "srt://example.com", u.String())
}

func TestWithStreamKey(t *testing.T) {
	u := mustParse(t, "rtmp://example.com:1935/live")
	WithStreamKey(u, "key")
	require.Equal(t, "/live/key", u.Path)

	u = mustParse(t, "rtmp://example.com:1935/live/")
	WithStreamKey(u, "key")
	require.Equal(t, "/live/key", u.Path)

	u = mustParse(t, "rtmp://example.com:1935")
	WithStreamKey(u, "key")
	require.Equal(t, "//key", u.Path)

	u = mustParse(t, "rtmp://example.com:1935/live")
	WithStreamKey(u, "")
	require.Equal(t, "/live", u.Path)
}
