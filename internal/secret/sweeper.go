package secret

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunSweeper calls Cleanup every interval until ctx is cancelled. It is an
// operational convenience; expiry is enforced on every read regardless.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("cleanup sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cleanup sweeper stopped")
			return
		case <-ticker.C:
			n, err := e.Cleanup(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("cleanup sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("cleanup sweep")
			}
		}
	}
}
