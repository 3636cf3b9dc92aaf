// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayloadBelowThreshold(t *testing.T) {
	payload, metadata := encodePayload([]byte("small"), 1024)
	assert.Equal(t, "small", payload)
	assert.Nil(t, metadata, "small payloads travel unencoded")
}

func TestEncodePayloadCompressed(t *testing.T) {
	original := bytes.Repeat([]byte("relay sync payload "), 200)

	payload, metadata := encodePayload(original, 1024)
	require.Equal(t, "s2+base64", metadata["encoding"])
	assert.Less(t, len(payload), len(original), "repetitive payloads shrink")

	decoded, err := decodePayload(payload, metadata)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestEncodePayloadDisabled(t *testing.T) {
	original := bytes.Repeat([]byte("x"), 4096)

	payload, metadata := encodePayload(original, 0)
	assert.Nil(t, metadata)
	assert.Equal(t, string(original), payload)
}

func TestDecodePayloadErrors(t *testing.T) {
	meta := map[string]string{"encoding": "s2+base64"}

	_, err := decodePayload("not base64 at all!!!", meta)
	assert.Error(t, err)
}
