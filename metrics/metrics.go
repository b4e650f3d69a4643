// Package metrics wires the runtime's counters into Prometheus. Every
// collaborator (memsys.MMSA, transport.Reader/Writer, mux.Connection)
// accepts a *Set that may be nil; all methods below are nil-receiver
// safe so instrumentation stays entirely optional at the API boundary,
// the same way the teacher's transport.Extra makes its MMSA/Callback
// collaborators optional.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set groups the collectors one connection's worth of components share.
// Construct one per process (or per listener) and pass it down; do not
// construct one per connection, or per-connection label cardinality will
// blow up the default registry.
type Set struct {
	FramesEncoded *prometheus.CounterVec
	FramesDecoded *prometheus.CounterVec
	BytesWritten  prometheus.Counter
	BytesRead     prometheus.Counter
	ActiveStreams prometheus.Gauge
	BufLeased     prometheus.Counter
	BufReleased   prometheus.Counter
}

// NewSet registers a fresh collector family under namespace (e.g.
// "duskwire") on reg. Pass prometheus.DefaultRegisterer for the global
// registry, or a fresh prometheus.NewRegistry() in tests.
func NewSet(namespace string, reg prometheus.Registerer) *Set {
	s := &Set{
		FramesEncoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wireframe",
			Name:      "frames_encoded_total",
			Help:      "Frames encoded onto the wire, by kind.",
		}, []string{"kind"}),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wireframe",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded off the wire, by kind.",
		}, []string{"kind"}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_written_total",
			Help:      "Bytes written to the underlying transport.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_read_total",
			Help:      "Bytes read from the underlying transport.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "active_streams",
			Help:      "Number of live logical streams across all connections.",
		}),
		BufLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memsys",
			Name:      "buffers_leased_total",
			Help:      "Buffer leases handed out by the pool.",
		}),
		BufReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memsys",
			Name:      "buffers_released_total",
			Help:      "Buffer leases returned to the pool.",
		}),
	}
	reg.MustRegister(
		s.FramesEncoded, s.FramesDecoded,
		s.BytesWritten, s.BytesRead,
		s.ActiveStreams,
		s.BufLeased, s.BufReleased,
	)
	return s
}

func (s *Set) encoded(kind string) {
	if s == nil {
		return
	}
	s.FramesEncoded.WithLabelValues(kind).Inc()
}

func (s *Set) decoded(kind string) {
	if s == nil {
		return
	}
	s.FramesDecoded.WithLabelValues(kind).Inc()
}

// ObserveEncoded records one frame of the given kind name encoded.
func (s *Set) ObserveEncoded(kind string) { s.encoded(kind) }

// ObserveDecoded records one frame of the given kind name decoded.
func (s *Set) ObserveDecoded(kind string) { s.decoded(kind) }

func (s *Set) AddBytesWritten(n int) {
	if s == nil {
		return
	}
	s.BytesWritten.Add(float64(n))
}

func (s *Set) AddBytesRead(n int) {
	if s == nil {
		return
	}
	s.BytesRead.Add(float64(n))
}

func (s *Set) StreamOpened() {
	if s == nil {
		return
	}
	s.ActiveStreams.Inc()
}

func (s *Set) StreamClosed() {
	if s == nil {
		return
	}
	s.ActiveStreams.Dec()
}
