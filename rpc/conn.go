/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/duskrpc/duskwire/config"
	"github.com/duskrpc/duskwire/hk"
	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/metrics"
	"github.com/duskrpc/duskwire/mux"
	"github.com/duskrpc/duskwire/transport"
)

// Open wires an already-obtained duplex byte transport (spec.md §1:
// transport acquisition itself is out of scope, the core only consumes
// the result) into a running mux.Connection: one reader task, one
// writer task, and (when opts.KeepaliveInterval is positive) one
// housekeeper tick task, their lifetimes tied together by an errgroup
// so a failure in any tears down the rest (SPEC_FULL.md §5, §4.8).
// Callers get back the live Connection and the errgroup; Wait() on the
// group blocks until the connection terminates.
func Open(ctx context.Context, isClient bool, rw io.ReadWriter, mm *memsys.MMSA, ms *metrics.Set,
	opts *config.Options, lookup mux.MethodLookup, accepted mux.Accepted,
) (*mux.Connection, *errgroup.Group) {
	if opts == nil {
		opts = config.Default()
	}

	reader := transport.NewReader(rw, mm, ms)
	writer := transport.NewWriter(rw, transport.WriterOptions{
		OutputBufferSize: opts.OutputBufferSize,
		MergeWrites:      opts.MergeWrites,
	}, ms)

	var housekeeper *hk.Housekeeper
	if opts.KeepaliveInterval > 0 {
		housekeeper = hk.New()
	}

	conn := mux.New(ctx, isClient, reader, writer, mm, ms, opts, lookup, accepted, housekeeper)

	g, gctx := errgroup.WithContext(ctx)
	if housekeeper != nil {
		g.Go(func() error {
			housekeeper.Run()
			return nil
		})
	}
	g.Go(func() error {
		return writer.Run(gctx)
	})
	g.Go(func() error {
		err := conn.Run(gctx)
		conn.Close(err)
		if housekeeper != nil {
			housekeeper.Stop()
		}
		return err
	})
	return conn, g
}
