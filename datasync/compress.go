// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Payload encoding marker carried in envelope metadata.
const (
	encodingKey   = "encoding"
	encodingS2B64 = "s2+base64"
)

// encodePayload returns the wire form of a payload. Payloads at or above
// the threshold are s2-compressed and base64-encoded; the returned
// metadata marks the encoding so the receiver can reverse it. A zero or
// negative threshold disables compression.
func encodePayload(data []byte, threshold int) (string, map[string]string) {
	if threshold <= 0 || len(data) < threshold {
		return string(data), nil
	}
	compressed := s2.Encode(nil, data)
	return base64.StdEncoding.EncodeToString(compressed),
		map[string]string{encodingKey: encodingS2B64}
}

// decodePayload reverses encodePayload based on the envelope metadata.
func decodePayload(data string, metadata map[string]string) ([]byte, error) {
	if metadata[encodingKey] != encodingS2B64 {
		return []byte(data), nil
	}
	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	out, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
