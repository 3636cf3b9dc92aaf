// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload an envelope carries.
type MessageType string

// Envelope message types.
const (
	TypeText         MessageType = "text"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeError        MessageType = "error"
	TypeDataUpdate   MessageType = "data_update"
	TypeBatchUpdate  MessageType = "batch_update"
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
	TypeClientCount  MessageType = "client_count"
	TypeConflict     MessageType = "conflict"
)

// Heartbeat payloads.
const (
	heartbeatPing = "ping"
	heartbeatPong = "pong"
)

// Envelope is the structured wire message exchanged over a connection.
type Envelope struct {
	Type      MessageType       `json:"type"`
	Data      string            `json:"data"`
	Timestamp int64             `json:"timestamp"`
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEnvelope creates an envelope with a fresh ID and current timestamp.
func NewEnvelope(t MessageType, data string, metadata map[string]string) *Envelope {
	return &Envelope{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.NewString(),
		Metadata:  metadata,
	}
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an inbound frame. Malformed payloads are not
// dropped; they are wrapped as a raw TEXT envelope instead.
func DecodeEnvelope(data []byte) *Envelope {
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" {
		return &env
	}
	return NewEnvelope(TypeText, string(data), nil)
}

// isPing reports whether the envelope is a heartbeat ping.
func (e *Envelope) isPing() bool {
	return e.Type == TypeHeartbeat && e.Data == heartbeatPing
}
