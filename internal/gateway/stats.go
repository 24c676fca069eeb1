package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/soyeahso/livechat/internal/logging"
	"github.com/soyeahso/livechat/internal/resilience"
)

// Stats are per-process connection counters. They are advisory and never
// shared between nodes.
type Stats struct {
	total      atomic.Int64
	active     atomic.Int64
	rejected   atomic.Int64
	reconnects atomic.Int64
	expired    atomic.Int64
	errors     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Total      int64 `json:"total"`
	Active     int64 `json:"active"`
	Rejected   int64 `json:"rejected"`
	Reconnects int64 `json:"reconnects"`
	Expired    int64 `json:"expired"`
	Errors     int64 `json:"errors"`
}

func (s *Stats) connected(reconnect bool) {
	s.total.Add(1)
	s.active.Add(1)
	if reconnect {
		s.reconnects.Add(1)
	}
}

func (s *Stats) disconnected() { s.active.Add(-1) }

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Total:      s.total.Load(),
		Active:     s.active.Load(),
		Rejected:   s.rejected.Load(),
		Reconnects: s.reconnects.Load(),
		Expired:    s.expired.Load(),
		Errors:     s.errors.Load(),
	}
}

// RunHealth logs connection statistics and breaker metrics every interval
// until ctx is done.
func RunHealth(ctx context.Context, interval time.Duration, stats *Stats, breaker *resilience.Breaker, log *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.Snapshot()
			ev := log.Info().
				Int64("connections", snap.Active).
				Int64("total", snap.Total).
				Int64("reconnects", snap.Reconnects).
				Int64("expired", snap.Expired).
				Int64("rejected", snap.Rejected).
				Int64("errors", snap.Errors)
			if breaker != nil {
				m := breaker.Metrics()
				ev = ev.Str("breaker", m.State).
					Int("breakerFailures", m.ConsecutiveFailures).
					Int64("breakerRejected", m.Rejected)
			}
			ev.Msg("gateway health")
		}
	}
}
