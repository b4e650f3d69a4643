/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream

import "fmt"

// Code is the terminal disposition of a stream (spec.md glossary: Status).
type Code uint32

const (
	OK Code = iota
	Unknown
	Unimplemented
	Canceled
	DeadlineExceeded
	Unavailable
	InvalidArgument
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Unknown:
		return "Unknown"
	case Unimplemented:
		return "Unimplemented"
	case Canceled:
		return "Canceled"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case Unavailable:
		return "Unavailable"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Code(?)"
	}
}

// Status is the terminal disposition of a stream: {code, detail, cause?}
// (spec.md glossary). Metadata is the optional string map resolving
// Open Question 2 of spec.md §9 (SPEC_FULL.md §3).
type Status struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error `json:"-"`
}

func (s Status) Error() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

func (s Status) OK() bool { return s.Code == OK }

// wireStatus is the json-iterator-encoded form carried in a
// StreamTrailer frame's payload (spec.md §6, SPEC_FULL.md §3). Cause is
// deliberately excluded: it never crosses the wire.
type wireStatus struct {
	Code     uint32            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
