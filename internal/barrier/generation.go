package barrier

import (
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/node"
	"go.uber.org/zap"
)

// generationState accumulates arrivals for one open generation until it
// triggers.
type generationState struct {
	// unguardedDelta is the running sum of applied adjustments; the
	// generation is ready when baseArrivalCount+unguardedDelta == 0.
	unguardedDelta int64
	localWaiters   []handle.Waiter
	pernode        map[node.ID]*perNodeUpdates
}

// perNodeUpdates orders one node's timestamped adjustments: a negative
// delta citing timestamp T is held until the positive adjustment that
// produced T has been applied.
type perNodeUpdates struct {
	lastTS  handle.Timestamp
	pending map[handle.Timestamp]int64
}

func newGenerationState() *generationState {
	return &generationState{pernode: make(map[node.ID]*perNodeUpdates)}
}

func (g *generationState) handleAdjustment(log *zap.Logger, ts handle.Timestamp, delta int64) {
	if ts == 0 {
		// No ordering constraint; apply directly.
		g.unguardedDelta += delta
		return
	}

	n := node.ID(ts.Node())
	pn, ok := g.pernode[n]
	if !ok {
		pn = &perNodeUpdates{pending: make(map[handle.Timestamp]int64)}
		g.pernode[n] = pn
	}
	if delta > 0 {
		g.unguardedDelta += delta
		pn.lastTS = ts
		// Flush every held negative whose timestamp is now covered, in
		// ascending order.
		for {
			var best handle.Timestamp
			found := false
			for t := range pn.pending {
				if t <= pn.lastTS && (!found || t < best) {
					best = t
					found = true
				}
			}
			if !found {
				break
			}
			log.Info("applying pending barrier delta",
				zap.Uint64("ts", uint64(best)), zap.Int64("delta", pn.pending[best]))
			g.unguardedDelta += pn.pending[best]
			delete(pn.pending, best)
		}
		return
	}
	if ts <= pn.lastTS {
		log.Debug("barrier adjustment applied immediately",
			zap.Uint64("ts", uint64(ts)), zap.Int64("delta", delta))
		g.unguardedDelta += delta
	} else {
		log.Info("barrier adjustment deferred",
			zap.Uint64("ts", uint64(ts)), zap.Int64("delta", delta),
			zap.Uint64("lastTS", uint64(pn.lastTS)))
		pn.pending[ts] += delta
	}
}
