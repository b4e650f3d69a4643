/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream

import (
	"fmt"

	"github.com/duskrpc/duskwire/wireframe"
)

func errUnexpectedKind(k wireframe.Kind) error {
	return fmt.Errorf("rpcstream: unexpected frame kind %s for this stream's role", k)
}

func errSequenceMismatch(streamID, want, got uint16) error {
	return fmt.Errorf("rpcstream: stream %d: sequence mismatch, want %d got %d", streamID, want, got)
}
