/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"context"
	"sync"

	"github.com/duskrpc/duskwire/cmn/nlog"
	"github.com/duskrpc/duskwire/mux"
	"github.com/duskrpc/duskwire/rpcstream"
)

// Handler implements one bound method's server-side logic. ctx is the
// stream's context (cancelled on client cancel, connection teardown, or
// a terminal status); s is the opened server-side Stream, already
// admitted into the connection's table. A Handler that returns a
// non-nil error without itself having called s.WriteTrailer gets a
// Status{Unknown} trailer written on its behalf (spec.md §7 "a method
// raising... converted to Status{Unknown} unless the method raised a
// typed RPC error carrying its own Status").
type Handler func(ctx context.Context, s *rpcstream.Stream) error

type binding struct {
	method  rpcstream.Method
	handler Handler
}

// Server is a name -> (Method, Handler) map populated by explicit
// registration calls (spec.md §9: "no runtime reflection"). One Server
// fields every connection accepted by a listener.
type Server struct {
	mu       sync.RWMutex
	bindings map[string]binding
}

func NewServer() *Server {
	return &Server{bindings: make(map[string]binding)}
}

// Register binds fullName (format "/{package.Service}/{Method}",
// spec.md §4.6) to method's shape/marshaller and handler. Registering
// the same name twice replaces the prior binding.
func (srv *Server) Register(fullName string, shape rpcstream.CallShape, marshal rpcstream.Marshaller, h Handler) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.bindings[fullName] = binding{
		method:  rpcstream.Method{FullName: fullName, Shape: shape, Marshal: marshal},
		handler: h,
	}
}

// Lookup implements mux.MethodLookup.
func (srv *Server) Lookup(fullName string) (rpcstream.Method, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	b, ok := srv.bindings[fullName]
	return b.method, ok
}

// Accept implements mux.Accepted: it launches the bound handler on its
// own goroutine for every admitted stream, converting an unhandled
// error into Status{Unknown} per spec.md §7 and writing Status{OK} when
// the handler returns nil without having written a trailer.
func (srv *Server) Accept(s *rpcstream.Stream, fullName string) {
	srv.mu.RLock()
	b, ok := srv.bindings[fullName]
	srv.mu.RUnlock()
	if !ok {
		// admit() in mux already resolves the lookup before calling
		// Accept; this branch only guards a registration race with a
		// concurrent Register call between lookup and accept.
		_ = s.WriteTrailer(rpcstream.Status{Code: rpcstream.Unimplemented, Message: "method not found"})
		return
	}

	go func() {
		err := b.handler(s.Context(), s)
		if _, final := s.FinalStatus(); final {
			// handler already called WriteTrailer, or the stream was
			// cancelled out from under it; nothing more to send.
			return
		}
		if err != nil {
			status := rpcstream.Status{Code: rpcstream.Unknown, Message: err.Error(), Cause: err}
			if asStatus, ok := err.(rpcstream.Status); ok {
				status = asStatus
				if status.Code == rpcstream.OK {
					status.Code = rpcstream.Unknown
				}
			}
			if werr := s.WriteTrailer(status); werr != nil {
				nlog.Warningf("rpc: write trailer for %q: %v", fullName, werr)
			}
			return
		}
		if werr := s.WriteTrailer(rpcstream.Status{Code: rpcstream.OK}); werr != nil {
			nlog.Warningf("rpc: write trailer for %q: %v", fullName, werr)
		}
	}()
}

var _ mux.MethodLookup = (*Server)(nil).Lookup
var _ mux.Accepted = (*Server)(nil).Accept
