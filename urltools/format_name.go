// format_name.go derives the muxer format name and default port from a URL.

// Package urltools contains helpers to derive muxing parameters from URLs.
package urltools

import (
	"net/url"
	"strings"
)

// FormatNameFromScheme returns the container format implied by a network
// URL scheme, or "" if libav should guess it from the file name.
func FormatNameFromScheme(u *url.URL) string {
	switch u.Scheme {
	case "rtmp", "rtmps":
		return "flv"
	case "srt", "udp":
		return "mpegts"
	case "rtsp":
		return "rtsp"
	default:
		return ""
	}
}

// DefaultPort returns the port to be used for the scheme when the URL has
// none; "" means libav's default is fine.
func DefaultPort(scheme string) string {
	switch scheme {
	case "rtmp":
		return "1935"
	case "rtmps":
		return "443"
	default:
		return ""
	}
}

// WithDefaultPort sets the default port (see DefaultPort) if u has no port.
func WithDefaultPort(u *url.URL) {
	if u.Port() != "" {
		return
	}
	if port := DefaultPort(u.Scheme); port != "" {
		u.Host += ":" + port
	}
}

// WithStreamKey appends the stream key as the last path element. An empty
// path becomes "//" first, since RTMP servers expect the key after the
// application name.
func WithStreamKey(u *url.URL, streamKey string) {
	if streamKey == "" {
		return
	}
	switch {
	case u.Path == "" || u.Path == "/":
		u.Path = "//"
	case !strings.HasSuffix(u.Path, "/"):
		u.Path += "/"
	}
	u.Path += streamKey
}
