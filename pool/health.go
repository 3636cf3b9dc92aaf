// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/relaykit/connection"
)

// MemberHealth describes one member's health check outcome.
type MemberHealth struct {
	ID      string
	State   connection.State
	Healthy bool
	Reason  string
}

// HealthReport aggregates member health. Healthy is true iff no member is
// unhealthy.
type HealthReport struct {
	Healthy   bool
	CheckedAt time.Time
	Members   []MemberHealth
}

// HealthCheck sends a heartbeat to every connected member. Members whose
// heartbeat fails, or whose state is not connected, are reported unhealthy.
func (p *Pool) HealthCheck(ctx context.Context) *HealthReport {
	report := &HealthReport{Healthy: true, CheckedAt: time.Now()}

	for _, m := range p.snapshot() {
		select {
		case <-ctx.Done():
			return report
		default:
		}

		mh := MemberHealth{ID: m.id, State: m.manager.State(), Healthy: true}

		if mh.State != connection.StateConnected {
			mh.Healthy = false
			mh.Reason = fmt.Sprintf("not connected (state %s)", mh.State)
		} else if err := m.manager.SendHeartbeat(); err != nil {
			mh.Healthy = false
			mh.Reason = fmt.Sprintf("heartbeat failed: %v", err)
		}

		if !mh.Healthy {
			report.Healthy = false
		}
		report.Members = append(report.Members, mh)
	}

	return report
}

// StartHealthChecks runs HealthCheck on the configured interval until the
// pool is closed. No-op when the interval is zero.
func (p *Pool) StartHealthChecks() {
	if p.opts.HealthCheckInterval <= 0 {
		return
	}

	p.mu.Lock()
	if p.closed || p.hcStop != nil {
		p.mu.Unlock()
		return
	}
	p.hcStop = make(chan struct{})
	stop := p.hcStop
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				report := p.HealthCheck(context.Background())
				if !report.Healthy {
					for _, mh := range report.Members {
						if mh.Healthy {
							continue
						}
						p.logger.Warn("member_unhealthy",
							slog.String("id", mh.ID),
							slog.String("reason", mh.Reason))
					}
				}
			}
		}
	}()
}
