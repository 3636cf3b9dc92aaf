// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(TypeDataUpdate, `{"key":"k1"}`, map[string]string{"origin": "test"})

	assert.Equal(t, TypeDataUpdate, env.Type)
	assert.Equal(t, `{"key":"k1"}`, env.Data)
	assert.NotEmpty(t, env.ID)
	assert.NotZero(t, env.Timestamp)
	assert.Equal(t, "test", env.Metadata["origin"])
}

func TestEnvelopeEncode(t *testing.T) {
	env := &Envelope{
		Type:      TypeText,
		Data:      "hello",
		Timestamp: 1700000000000,
		ID:        "msg-1",
	}

	data, err := env.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "text", raw["type"])
	assert.Equal(t, "hello", raw["data"])
	assert.Equal(t, float64(1700000000000), raw["timestamp"])
	assert.Equal(t, "msg-1", raw["id"])
	assert.NotContains(t, raw, "metadata")
}

func TestDecodeEnvelope(t *testing.T) {
	data := []byte(`{"type":"sync_request","data":"{}","timestamp":1700000000000,"id":"req-1"}`)

	env := DecodeEnvelope(data)
	assert.Equal(t, TypeSyncRequest, env.Type)
	assert.Equal(t, "{}", env.Data)
	assert.Equal(t, int64(1700000000000), env.Timestamp)
	assert.Equal(t, "req-1", env.ID)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "plain text frame"},
		{"json without type", `{"data":"x"}`},
		{"truncated json", `{"type":"text","da`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := DecodeEnvelope([]byte(tt.in))
			assert.Equal(t, TypeText, env.Type, "malformed frames degrade to TEXT")
			assert.Equal(t, tt.in, env.Data, "raw frame preserved as data")
			assert.NotEmpty(t, env.ID)
		})
	}
}

func TestEnvelopeIsPing(t *testing.T) {
	assert.True(t, NewEnvelope(TypeHeartbeat, "ping", nil).isPing())
	assert.False(t, NewEnvelope(TypeHeartbeat, "pong", nil).isPing())
	assert.False(t, NewEnvelope(TypeText, "ping", nil).isPing())
}
