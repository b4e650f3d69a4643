/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/duskrpc/duskwire/metrics"
)

// A nil *Set is the documented "instrumentation off" state; every
// method must tolerate it.
func Test_NilSetIsSafeForEveryMethod(t *testing.T) {
	var s *metrics.Set
	s.ObserveEncoded("Payload")
	s.ObserveDecoded("Payload")
	s.AddBytesWritten(128)
	s.AddBytesRead(128)
	s.StreamOpened()
	s.StreamClosed()
}

func Test_FrameCountersAreMonotonicPerKind(t *testing.T) {
	s := metrics.NewSet("duskwire_test_frames", prometheus.NewRegistry())

	s.ObserveEncoded("Payload")
	after1 := testutil.ToFloat64(s.FramesEncoded.WithLabelValues("Payload"))
	if after1 != 1 {
		t.Fatalf("FramesEncoded[Payload] = %v, want 1", after1)
	}

	s.ObserveEncoded("Payload")
	s.ObserveEncoded("StreamCancel") // a different label must not affect Payload's count
	after2 := testutil.ToFloat64(s.FramesEncoded.WithLabelValues("Payload"))
	if after2 != 2 {
		t.Fatalf("FramesEncoded[Payload] = %v, want 2 after a second observation", after2)
	}
	if after2 < after1 {
		t.Fatalf("FramesEncoded[Payload] decreased from %v to %v", after1, after2)
	}

	s.ObserveDecoded("Payload")
	s.ObserveDecoded("Payload")
	s.ObserveDecoded("Payload")
	if got := testutil.ToFloat64(s.FramesDecoded.WithLabelValues("Payload")); got != 3 {
		t.Fatalf("FramesDecoded[Payload] = %v, want 3", got)
	}
}

func Test_ByteCountersAreMonotonic(t *testing.T) {
	s := metrics.NewSet("duskwire_test_bytes", prometheus.NewRegistry())

	s.AddBytesWritten(10)
	if got := testutil.ToFloat64(s.BytesWritten); got != 10 {
		t.Fatalf("BytesWritten = %v, want 10", got)
	}
	s.AddBytesWritten(32)
	if got := testutil.ToFloat64(s.BytesWritten); got != 42 {
		t.Fatalf("BytesWritten = %v, want 42 after a second add", got)
	}

	s.AddBytesRead(7)
	s.AddBytesRead(7)
	if got := testutil.ToFloat64(s.BytesRead); got != 14 {
		t.Fatalf("BytesRead = %v, want 14", got)
	}
}

func Test_ActiveStreamsTracksOpenAndClose(t *testing.T) {
	s := metrics.NewSet("duskwire_test_streams", prometheus.NewRegistry())

	s.StreamOpened()
	s.StreamOpened()
	if got := testutil.ToFloat64(s.ActiveStreams); got != 2 {
		t.Fatalf("ActiveStreams = %v, want 2 after two opens", got)
	}

	s.StreamClosed()
	if got := testutil.ToFloat64(s.ActiveStreams); got != 1 {
		t.Fatalf("ActiveStreams = %v, want 1 after one close", got)
	}
}
