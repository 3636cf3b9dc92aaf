// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

// Strategy selects which connected member receives a balanced send.
type Strategy string

// Load-balancing strategies.
const (
	RoundRobin     Strategy = "round_robin"
	Random         Strategy = "random"
	FirstAvailable Strategy = "first_available"
)

// Valid reports whether the strategy is a known one.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, Random, FirstAvailable:
		return true
	default:
		return false
	}
}

// PoolState is the aggregate state of all members.
type PoolState string

// Pool states.
const (
	PoolIdle               PoolState = "idle"
	PoolDisconnected       PoolState = "disconnected"
	PoolFullyConnected     PoolState = "fully_connected"
	PoolPartiallyConnected PoolState = "partially_connected"
	PoolError              PoolState = "error"
)
