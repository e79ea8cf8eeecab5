package registry

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nkkko/alarmd/pkg/proto"
)

// heartbeatConcurrency bounds parallel keep-alive writes
const heartbeatConcurrency = 64

// runSweeper periodically closes idle connections and trims replay caches
func (r *Registry) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(r.now())
		case <-ctx.Done():
			return
		}
	}
}

// sweep closes connections idle since before now-IdleTimeout, purges
// expired replay entries and drops recipient entries with nothing left
func (r *Registry) sweep(now time.Time) {
	var idle []*Conn
	deadline := now.Add(-r.config.IdleTimeout)

	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.recipients {
			e.mu.Lock()
			for _, c := range e.conns {
				if c.LastActivity().Before(deadline) {
					idle = append(idle, c)
				}
			}
			e.mu.Unlock()
			e.replay.purgeExpired(now)
		}
		s.mu.RUnlock()
	}

	// Close outside the locks: the close hook takes them again
	for _, c := range idle {
		r.logger.Debug().
			Str("connection_id", c.ID()).
			Time("last_activity", c.LastActivity()).
			Msg("Closing idle connection")
		c.Close(StateTimedOut)
	}

	dropped := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.recipients {
			e.mu.Lock()
			if len(e.conns) == 0 && e.replay.len() == 0 {
				if h := e.replay.watermark(); h > s.purged {
					s.purged = h
				}
				delete(s.recipients, id)
				dropped++
			}
			e.mu.Unlock()
		}
		s.mu.Unlock()
	}

	if len(idle) > 0 || dropped > 0 {
		r.logger.Debug().
			Int("timed_out", len(idle)).
			Int("recipients_dropped", dropped).
			Msg("Sweep completed")
	}
}

// runHeartbeats periodically writes a keep-alive event to every connection
func (r *Registry) runHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat writes one keep-alive to every open connection. Heartbeats carry
// no event id so they never move a client's replay cursor, and they do not
// count as activity for the idle timeout. A failed write closes the
// connection as errored.
func (r *Registry) heartbeat(ctx context.Context) {
	conns := r.allConnections()
	if len(conns) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(heartbeatConcurrency)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
			defer cancel()

			ev := proto.Event{Type: proto.EventKeepAlive}
			if err := c.write(wctx, ev, false); err != nil {
				r.logger.Debug().Err(err).Str("connection_id", c.ID()).Msg("Heartbeat failed")
				return nil
			}
			r.metrics.HeartbeatsSent.Inc()
			return nil
		})
	}
	_ = g.Wait()
}
