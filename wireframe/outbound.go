/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wireframe

import (
	"github.com/duskrpc/duskwire/memsys"
)

// NewOutboundFrame leases a buffer sized for sizeHint (capped at
// MaxPayload) with the 8 header bytes reserved at its front, and
// returns the payload region ready to be filled and then finalized by
// FinalizeOutbound. Splitting this into two steps lets a streaming
// serializer (rpcstream) write directly into the leased memory rather
// than building a []byte and copying it in (spec.md §4.2 new_frame/
// advance contract); reserving the header room lets the writer later
// emit header+payload as one contiguous slice with no extra copy (see
// Frame.Contiguous).
func NewOutboundFrame(mm *memsys.MMSA, h Header, sizeHint int) (*memsys.Buffer, []byte) {
	if sizeHint > MaxPayload {
		sizeHint = MaxPayload
	}
	lease := mm.AllocSize(HeaderSize + sizeHint)
	mem := lease.Memory()
	return lease, mem[HeaderSize:HeaderSize]
}

// FinalizeOutbound packages a filled payload slice (sliced from the
// buffer returned by NewOutboundFrame, length set to however much was
// actually written) into a Frame carrying h. Takes ownership of lease's
// current reference. The resulting Frame's header is reserved
// immediately before payload in the same backing buffer (see
// Frame.Contiguous).
func FinalizeOutbound(h Header, lease *memsys.Buffer, payload []byte) *Frame {
	h.PayloadLength = uint16(len(payload))
	f := NewFrame(h, payload, lease)
	f.headerReserved = true
	return f
}
