// Package metrics provides Prometheus instrumentation of avtransmux pipelines.
//
// All metrics are registered in the default registry and are prefixed
// with "avtransmux_".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultOK     = "ok"
	ResultNoData = "no_data"
	ResultFull   = "full"
	ResultEOF    = "eof"
	ResultError  = "error"

	KindDecoder = "decoder"
	KindEncoder = "encoder"
)

// Demuxer/muxer metrics
var (
	InputPacketsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_input_packets_read_total",
			Help: "Total number of packets read from inputs",
		},
		[]string{"format"},
	)

	InputBytesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_input_bytes_read_total",
			Help: "Total payload bytes read from inputs",
		},
		[]string{"format"},
	)

	OutputPacketsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_output_packets_written_total",
			Help: "Total number of packets written to outputs",
		},
		[]string{"format"},
	)

	OutputBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_output_bytes_written_total",
			Help: "Total payload bytes written to outputs",
		},
		[]string{"format"},
	)

	OutputHeadersWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_output_headers_written_total",
			Help: "Total number of container headers written",
		},
		[]string{"format"},
	)

	OutputTrailersWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_output_trailers_written_total",
			Help: "Total number of container trailers written",
		},
		[]string{"format"},
	)
)

// Codec metrics
var (
	CodecSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_codec_sends_total",
			Help: "Total number of send attempts by codec, kind and result",
		},
		[]string{"codec", "kind", "result"},
	)

	CodecReceives = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avtransmux_codec_receives_total",
			Help: "Total number of receive attempts by codec, kind and result",
		},
		[]string{"codec", "kind", "result"},
	)
)

// Relay queue metrics
var (
	RelayFilled = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avtransmux_relay_filled_buffers",
			Help: "Number of buffers waiting in relay queues",
		},
		[]string{"queue"},
	)

	RelayFree = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avtransmux_relay_free_buffers",
			Help: "Number of recycled buffers held by relay queues",
		},
		[]string{"queue"},
	)
)

// Hardware acceleration metrics
var (
	HardwareHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avtransmux_hwaccel_handles",
			Help: "Number of live handles on hardware devices and frame pools",
		},
		[]string{"device_type", "resource"},
	)
)
