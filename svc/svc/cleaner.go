package svc

import (
	"context"
	"time"

	"kopy/metrics"
	"kopy/svc/util"

	"github.com/pkg/errors"
)

// PurgeExpired runs one sweep against the service clock.
func (p *Paste) PurgeExpired(ctx context.Context) (int, error) {
	deleted, err := p.store.Purge(ctx, p.Now())
	metrics.PurgeCycles.Inc()
	if deleted > 0 {
		metrics.PurgedPastes.Add(float64(deleted))
	}
	return deleted, err
}

// StartCleaner sweeps expired pastes every interval until ctx is done. Reads
// purge lazily as well, so the sweep only bounds how long dead rows linger.
func (p *Paste) StartCleaner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	if !p.cleanerRunning.CompareAndSwap(false, true) {
		return errors.New("cleaner already running")
	}
	go p.runCleaner(ctx, interval)
	return nil
}

func (p *Paste) runCleaner(ctx context.Context, interval time.Duration) {
	defer p.cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := p.PurgeExpired(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
