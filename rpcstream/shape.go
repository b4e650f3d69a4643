/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream

import "io"

// Role distinguishes which end of a logical call this Stream represents
// (spec.md §3).
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// CallShape is one of the four gRPC call shapes this runtime preserves
// (spec.md §1, §4.4).
type CallShape uint8

const (
	Unary CallShape = iota
	ClientStreaming
	ServerStreaming
	Duplex
)

func (s CallShape) String() string {
	switch s {
	case Unary:
		return "Unary"
	case ClientStreaming:
		return "ClientStreaming"
	case ServerStreaming:
		return "ServerStreaming"
	case Duplex:
		return "Duplex"
	default:
		return "CallShape(?)"
	}
}

// State is the per-stream FSM state (spec.md §3).
type State int32

const (
	Idle State = iota
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Open:
		return "Open"
	case HalfClosedLocal:
		return "HalfClosedLocal"
	case HalfClosedRemote:
		return "HalfClosedRemote"
	case Closed:
		return "Closed"
	default:
		return "State(?)"
	}
}

// Serialize writes v's wire representation to w. Deserialize reads one
// message back from r. Both are supplied by the caller per method
// (spec.md §1: "the core consumes (serialize, deserialize) function
// pairs"); this runtime is otherwise agnostic to the message type and
// encoding (protobuf, JSON, anything with an io.Writer/io.Reader shape).
type (
	Serialize   func(v any, w io.Writer) error
	Deserialize func(r io.Reader) (any, error)
)

// Marshaller bundles the (serialize, deserialize) pair for one method.
type Marshaller struct {
	Serialize   Serialize
	Deserialize Deserialize
}

// Method describes one bindable RPC method: its wire name, call shape,
// and marshaller. The full-name format is "/{package.Service}/{Method}"
// (spec.md §4.6).
type Method struct {
	FullName string
	Shape    CallShape
	Marshal  Marshaller
}
