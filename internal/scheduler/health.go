package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prdhub/model-gateway/internal/pool"
)

// HealthCheck probes every entry that is not Healthy and restores the ones
// whose probe succeeds. It never touches Healthy entries; request traffic
// already exercises those.
func (s *Scheduler) HealthCheck(ctx context.Context) {
	for _, e := range s.reg.AllEntries() {
		if e.Health == pool.Healthy {
			continue
		}
		platform, ok := s.reg.Platform(e.PlatformID)
		if !ok {
			continue
		}
		client, err := s.buildClient(e.ModelID, platform)
		if err != nil {
			log.Debug().Err(err).Int64("entry_id", e.ID).Msg("health probe: cannot build client")
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = client.Probe(probeCtx)
		cancel()

		if err != nil {
			log.Debug().
				Err(err).
				Int64("entry_id", e.ID).
				Str("model", e.ModelID).
				Str("health", string(e.Health)).
				Msg("health probe failed")
			continue
		}
		s.reg.MarkProbeSuccess(e.ID)
	}
}

// RunHealthChecks drives HealthCheck on its own ticker, decoupled from
// request handling, until ctx is cancelled.
func (s *Scheduler) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("health checker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health checker stopped")
			return
		case <-ticker.C:
			s.HealthCheck(ctx)
		}
	}
}
