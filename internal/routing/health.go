package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckHealth pings every replica once. A replica that fails its ping is
// skipped by selection until a later ping succeeds.
func (r *Router) CheckHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rep := range r.replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckInterval)
			defer cancel()

			err := rep.Pool.Ping(pingCtx)
			if !rep.setHealth(err == nil, err) {
				return
			}
			if err != nil {
				r.logger.WarnContext(ctx, "replica marked unhealthy",
					slog.String("replica", rep.Name),
					slog.String("error.message", err.Error()),
				)
				return
			}
			r.logger.InfoContext(ctx, "replica healthy again", slog.String("replica", rep.Name))
		}()
	}
	wg.Wait()
}

// StartHealthChecks runs CheckHealth every interval until ctx is done.
func (r *Router) StartHealthChecks(ctx context.Context) {
	if len(r.replicas) == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckHealth(ctx)
			}
		}
	}()
}
