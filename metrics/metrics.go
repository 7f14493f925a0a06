// Package metrics exposes process-wide relay and intercom counters through
// a private Prometheus registry. Counters are plain atomics bumped on the
// hot path; Prometheus collectors read them lazily at scrape time.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all relay and intercom counters.
type Metrics struct {
	// Video/audio relay
	AccessUnitsRelayed atomic.Uint64
	RTPPacketsSent     atomic.Uint64
	RTPPacketsDropped  atomic.Uint64
	AudioFramesRelayed atomic.Uint64
	ExtractAmbiguous   atomic.Uint64

	// Clients and sessions
	ActiveClients  atomic.Int64
	ActiveSessions atomic.Int64

	// Intercom
	ADPCMBlocksSent atomic.Uint64
	PCMBytesDropped atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its collectors registered on a
// private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide Metrics instance.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultM = New() })
	return defaultM
}

func (m *Metrics) register() {
	gauge := func(name, help string, fn func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help}, fn,
		))
	}

	gauge("camrelay_access_units_relayed_total",
		"Total video access units packetized and relayed",
		func() float64 { return float64(m.AccessUnitsRelayed.Load()) })
	gauge("camrelay_rtp_packets_sent_total",
		"Total RTP packets delivered to clients",
		func() float64 { return float64(m.RTPPacketsSent.Load()) })
	gauge("camrelay_rtp_packets_dropped_total",
		"Total RTP packets dropped on slow clients",
		func() float64 { return float64(m.RTPPacketsDropped.Load()) })
	gauge("camrelay_audio_frames_relayed_total",
		"Total audio frames delivered to clients",
		func() float64 { return float64(m.AudioFramesRelayed.Load()) })
	gauge("camrelay_nal_extract_ambiguous_total",
		"Access units where no container candidate parsed cleanly",
		func() float64 { return float64(m.ExtractAmbiguous.Load()) })
	gauge("camrelay_active_clients",
		"Currently connected relay clients",
		func() float64 { return float64(m.ActiveClients.Load()) })
	gauge("camrelay_active_sessions",
		"Currently cached relay sessions",
		func() float64 { return float64(m.ActiveSessions.Load()) })
	gauge("camrelay_adpcm_blocks_sent_total",
		"Total ADPCM blocks sent to talk sessions",
		func() float64 { return float64(m.ADPCMBlocksSent.Load()) })
	gauge("camrelay_pcm_bytes_dropped_total",
		"Total PCM bytes dropped by backlog bounding",
		func() float64 { return float64(m.PCMBytesDropped.Load()) })
}

// Handler returns an HTTP handler serving the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
