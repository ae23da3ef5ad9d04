// Package avtransmux transcodes and transmuxes audio/video streams.
//
// The building blocks live in the subpackages (format for demuxing and
// muxing, codec for decoding and encoding, hwaccel for hardware contexts,
// relay for moving packets between goroutines); this package combines
// them into the common pipelines.
package avtransmux
