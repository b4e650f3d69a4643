/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream_test

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/rpcstream"
	"github.com/duskrpc/duskwire/transport"
	"github.com/duskrpc/duskwire/wireframe"
)

// loopback wires one Stream's outbound frames directly into a peer
// Stream's TryAcceptFrame, bypassing mux/transport entirely so these
// tests exercise rpcstream in isolation.
type loopback struct{ peer *rpcstream.Stream }

func (l *loopback) Enqueue(f *wireframe.Frame, _ transport.WriteFlags) error {
	if l.peer == nil {
		f.Release()
		return nil
	}
	adopted, err := l.peer.TryAcceptFrame(f)
	if !adopted {
		f.Release()
	}
	return err
}

// tb is satisfied by both *testing.T and Ginkgo's GinkgoT(), so these
// helpers are shared between the plain-testing and Ginkgo suites in
// this package.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newMM(t tb) *memsys.MMSA {
	t.Helper()
	mm := &memsys.MMSA{Name: "test"}
	mm.Init(0)
	return mm
}

var stringMarshal = rpcstream.Marshaller{
	Serialize: func(v any, w io.Writer) error {
		_, err := w.Write([]byte(v.(string)))
		return err
	},
	Deserialize: func(r io.Reader) (any, error) {
		b, err := io.ReadAll(r)
		return string(b), err
	},
}

var int32Marshal = rpcstream.Marshaller{
	Serialize: func(v any, w io.Writer) error {
		return binary.Write(w, binary.LittleEndian, int32(v.(int)))
	},
	Deserialize: func(r io.Reader) (any, error) {
		var n int32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		return int(n), nil
	},
}

func pair(t tb, shape rpcstream.CallShape, marshal rpcstream.Marshaller) (client, server *rpcstream.Stream) {
	t.Helper()
	mm := newMM(t)
	method := rpcstream.Method{FullName: "/svc/m", Shape: shape, Marshal: marshal}

	clientOut := &loopback{}
	serverOut := &loopback{}

	client = rpcstream.New(1, method, rpcstream.RoleClient, clientOut, mm, nil, context.Background())
	server = rpcstream.New(1, method, rpcstream.RoleServer, serverOut, mm, nil, context.Background())
	clientOut.peer = server
	serverOut.peer = client
	client.Open()
	server.Open()
	return client, server
}

// Test_UnaryEcho exercises spec.md §8 seed scenario 1's semantics (not
// its exact bytes, which wireframe.Test_SeedScenario1 covers): one
// client message with EndAllItems, one server reply with
// EndAllItems, then a trailer.
func Test_UnaryEcho(t *testing.T) {
	client, server := pair(t, rpcstream.Unary, stringMarshal)

	if err := client.SendMessage("hello, world!", true); err != nil {
		t.Fatalf("client send: %v", err)
	}

	msg, err := server.NextMessage(context.Background())
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if msg.(string) != "hello, world!" {
		t.Fatalf("got %q", msg)
	}

	if err := server.SendMessage(msg, true); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if err := server.WriteTrailer(rpcstream.Status{Code: rpcstream.OK}); err != nil {
		t.Fatalf("write trailer: %v", err)
	}

	reply, err := client.NextMessage(context.Background())
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if reply.(string) != "hello, world!" {
		t.Fatalf("got %q", reply)
	}

	if _, err := client.NextMessage(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF after trailer, got %v", err)
	}
}

// Test_ClientStreamingSum reproduces spec.md §8 seed scenario 2.
func Test_ClientStreamingSum(t *testing.T) {
	client, server := pair(t, rpcstream.ClientStreaming, int32Marshal)

	const n = 10000
	want := 0
	for i := 0; i < n; i++ {
		want += i
		last := i == n-1
		if err := client.SendMessage(i, last); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	sum := 0
	for {
		msg, err := server.NextMessage(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("server recv: %v", err)
		}
		sum += msg.(int)
	}
	if sum != want {
		t.Fatalf("got sum=%d, want %d", sum, want)
	}

	if err := server.SendMessage(sum, true); err != nil {
		t.Fatalf("server send: %v", err)
	}
	reply, err := client.NextMessage(context.Background())
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if reply.(int) != want {
		t.Fatalf("got %d, want %d", reply, want)
	}
}

// Test_ServerStreamingCountdown reproduces spec.md §8 seed scenario 3.
func Test_ServerStreamingCountdown(t *testing.T) {
	client, server := pair(t, rpcstream.ServerStreaming, int32Marshal)
	const c = 50

	if err := client.SendMessage(c, true); err != nil {
		t.Fatalf("client send request: %v", err)
	}
	req, err := server.NextMessage(context.Background())
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if req.(int) != c {
		t.Fatalf("got request %d, want %d", req, c)
	}

	for i := 0; i < c; i++ {
		if err := server.SendMessage(i, i == c-1); err != nil {
			t.Fatalf("server send %d: %v", i, err)
		}
	}

	for i := 0; i < c; i++ {
		msg, err := client.NextMessage(context.Background())
		if err != nil {
			t.Fatalf("client recv %d: %v", i, err)
		}
		if msg.(int) != i {
			t.Fatalf("message %d: got %d, want %d", i, msg, i)
		}
	}
	if _, err := client.NextMessage(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

// Test_DuplexEcho reproduces spec.md §8 seed scenario 4: M interleaved
// writes/reads, server echoes each; after client EndAllItems the stream
// closes cleanly.
func Test_DuplexEcho(t *testing.T) {
	client, server := pair(t, rpcstream.Duplex, int32Marshal)
	const m = 10

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < m; i++ {
			msg, err := server.NextMessage(context.Background())
			if err != nil {
				t.Errorf("server recv %d: %v", i, err)
				return
			}
			if err := server.SendMessage(msg, false); err != nil {
				t.Errorf("server send %d: %v", i, err)
				return
			}
		}
		if _, err := server.NextMessage(context.Background()); err != io.EOF {
			t.Errorf("server: expected io.EOF, got %v", err)
		}
		if err := server.CloseSend(); err != nil {
			t.Errorf("server close send: %v", err)
		}
	}()

	for i := 0; i < m; i++ {
		last := i == m-1
		if err := client.SendMessage(i, last); err != nil {
			t.Fatalf("client send %d: %v", i, err)
		}
		echoed, err := client.NextMessage(context.Background())
		if err != nil {
			t.Fatalf("client recv %d: %v", i, err)
		}
		if echoed.(int) != i {
			t.Fatalf("echo %d: got %d", i, echoed)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine did not finish")
	}

	if _, err := client.NextMessage(context.Background()); err != io.EOF {
		t.Fatalf("client: expected io.EOF after close, got %v", err)
	}
}

// Test_SequenceMismatchRejected checks the §3 invariant that an
// out-of-order sequence id is a protocol violation for that stream.
func Test_SequenceMismatchRejected(t *testing.T) {
	mm := newMM(t)
	method := rpcstream.Method{FullName: "/svc/m", Shape: rpcstream.Unary, Marshal: stringMarshal}
	out := &loopback{}
	s := rpcstream.New(1, method, rpcstream.RoleServer, out, mm, nil, context.Background())
	s.Open()

	h := wireframe.Header{Kind: wireframe.KindPayload, KindFlags: wireframe.EndItem | wireframe.EndAllItems, StreamID: 1, SequenceID: 5}
	f := wireframe.NewFrame(h, []byte("x"), nil)
	if _, err := s.TryAcceptFrame(f); err == nil {
		t.Fatal("expected sequence mismatch error")
	}
}

// Test_Cancel checks spec.md §8 seed scenario 5's client-side surface:
// NextMessage unblocks with a Canceled status and a Cancel frame is
// enqueued.
func Test_Cancel(t *testing.T) {
	client, server := pair(t, rpcstream.Unary, stringMarshal)
	client.Cancel(rpcstream.Status{Code: rpcstream.Canceled, Message: "user canceled"})

	if _, err := server.NextMessage(context.Background()); err == nil {
		t.Fatal("expected server to observe cancellation")
	}
	select {
	case <-server.Context().Done():
	default:
		t.Fatal("server context should be cancelled")
	}
}
