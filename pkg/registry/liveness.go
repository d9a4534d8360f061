package registry

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// sweepConcurrency bounds how many nodes the liveness sweep evicts in
// parallel, so eviction itself cannot become a bottleneck on a large
// fleet.
const sweepConcurrency = 8

// RunLivenessSweeper blocks, evicting any node whose lifecycle is not
// Inactive and whose last heartbeat is older than the registry's
// livenessTimeout, every interval, until ctx is cancelled.
func (r *Registry) RunLivenessSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweepOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("liveness sweep failed")
			}
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(-r.livenessTimeout)
	var stale []uint64
	for _, n := range nodes {
		if n.Lifecycle == LifecycleInactive {
			continue
		}
		if n.LastHeartbeat == nil || n.LastHeartbeat.Before(deadline) {
			stale = append(stale, n.NodeID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, nodeID := range stale {
		nodeID := nodeID
		g.Go(func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if err := r.deactivateLocked(gctx, nodeID); err != nil && !isNotFound(err) {
				r.log.Error().Err(err).Uint64("node_id", nodeID).Msg("liveness eviction failed")
				return nil // don't abort the sweep over one node's failure
			}
			r.log.Warn().Uint64("node_id", nodeID).Msg("evicted node for missed heartbeat deadline")
			if r.metrics != nil {
				r.metrics.LivenessEvictions.Inc()
			}
			return nil
		})
	}
	return g.Wait()
}
