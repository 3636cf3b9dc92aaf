// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "time"

// Statistics are running counters over the queue's lifetime.
type Statistics struct {
	TotalEnqueued  int64
	TotalSent      int64
	TotalFailed    int64
	TotalExpired   int64
	TotalDropped   int64
	AverageLatency time.Duration
	Throughput     float64 // sent messages per second since the queue started
}

// QueueStatus is a point-in-time snapshot of the queue's lists.
type QueueStatus struct {
	Pending     int
	Failed      int
	SentHistory int
	Capacity    int
	Paused      bool
	Processing  bool // true while the driving connection keeps the loops running
}

// recordSend folds one successful send into the running average latency.
func (s *Statistics) recordSend(latency time.Duration, since time.Duration) {
	s.TotalSent++
	if s.TotalSent == 1 {
		s.AverageLatency = latency
	} else {
		// Incremental mean keeps the update O(1).
		s.AverageLatency += (latency - s.AverageLatency) / time.Duration(s.TotalSent)
	}
	if since > 0 {
		s.Throughput = float64(s.TotalSent) / since.Seconds()
	}
}
