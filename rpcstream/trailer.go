/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream

import jsoniter "github.com/json-iterator/go"

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeStatus serializes a Status into a StreamTrailer frame payload.
func EncodeStatus(s Status) ([]byte, error) {
	return jsonc.Marshal(wireStatus{Code: uint32(s.Code), Message: s.Message, Metadata: s.Metadata})
}

// DecodeStatus parses a StreamTrailer frame payload into a Status.
func DecodeStatus(b []byte) (Status, error) {
	var w wireStatus
	if len(b) == 0 {
		return Status{Code: OK}, nil
	}
	if err := jsonc.Unmarshal(b, &w); err != nil {
		return Status{}, err
	}
	return Status{Code: Code(w.Code), Message: w.Message, Metadata: w.Metadata}, nil
}
