package impact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
)

// Housekeeper maintains the derived relationship counters on CIs.
type Housekeeper struct {
	store  graph.Store
	logger *slog.Logger
}

func NewHousekeeper(store graph.Store, logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{store: store, logger: logger}
}

// RefreshCounters recomputes InboundCount and OutboundCount from live edges
// and writes back only the CIs whose counters changed.
func (h *Housekeeper) RefreshCounters(ctx context.Context) (int, error) {
	snap, err := h.store.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot for counters: %w", err)
	}

	updated := 0
	for _, ci := range snap.CIs() {
		in, out := len(snap.Inbound(ci.Key())), len(snap.Outbound(ci.Key()))
		if ci.InboundCount == in && ci.OutboundCount == out {
			continue
		}
		_, wrote, err := graph.MutateIfNeeded(ctx, h.store, ci.Key(), func(c *cmdb.CI) error {
			if c.InboundCount == in && c.OutboundCount == out {
				return graph.ErrSkip
			}
			c.InboundCount, c.OutboundCount = in, out
			return nil
		})
		if err != nil {
			return updated, fmt.Errorf("refresh counters of %s: %w", ci.Key(), err)
		}
		if wrote {
			updated++
		}
	}
	h.logger.Debug("Relationship counters refreshed", "updated", updated, "cis", len(snap.Keys()))
	return updated, nil
}
