// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import "errors"

// Connection manager errors.
var (
	ErrNotConnected     = errors.New("connection not established")
	ErrAlreadyConnected = errors.New("connection already established")
	ErrConnectFailed    = errors.New("connection failed")
	ErrManagerClosed    = errors.New("connection manager closed")
	ErrEmptyURL         = errors.New("url cannot be empty")
)
