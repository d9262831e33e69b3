// Package federation mirrors the graph into external systems.
package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/metrics"
)

// Sync statuses written back to the CI.
const (
	StatusSynced = "synced"
	StatusFailed = "failed"
)

// Mirror is an external graph a Syncer pushes to.
type Mirror interface {
	System() string
	PushCI(ctx context.Context, ci *cmdb.CI) (externalID string, err error)
	PushRelationship(ctx context.Context, rel *cmdb.Relationship) error
}

// Report summarizes one sync pass.
type Report struct {
	CIs           int `json:"cis"`
	Relationships int `json:"relationships"`
	Failed        int `json:"failed"`
}

// Syncer pushes changed CIs and edges to a Mirror. Mirror failures are
// recorded on the CI and never returned.
type Syncer struct {
	store  graph.Store
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	// version of each CI as last written back; avoids re-pushing our own write.
	ciVersions map[string]int64
	relUpdated map[string]time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(store graph.Store, mirror Mirror, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:      store,
		mirror:     mirror,
		logger:     logger.With("system", mirror.System()),
		now:        time.Now,
		ciVersions: make(map[string]int64),
		relUpdated: make(map[string]time.Time),
	}
}

// SyncOnce pushes everything changed since the previous pass.
func (s *Syncer) SyncOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to snapshot graph: %w", err)
	}
	system := s.mirror.System()

	for _, ci := range snap.CIs() {
		if s.ciVersions[ci.Key()] == ci.ResourceVersion {
			continue
		}
		id, pushErr := s.mirror.PushCI(ctx, ci)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		ref := cmdb.FederationRef{System: system, ExternalID: id, SyncStatus: StatusSynced, LastSync: s.now()}
		if pushErr != nil {
			rep.Failed++
			ref.ExternalID = existingID(ci, system)
			ref.SyncStatus = StatusFailed
			s.logger.Warn("Federation push failed", "key", ci.Key(), "error", pushErr)
			metrics.FederationSyncTotal.WithLabelValues(system, StatusFailed).Inc()
		} else {
			rep.CIs++
			metrics.FederationSyncTotal.WithLabelValues(system, StatusSynced).Inc()
		}
		updated, err := graph.Mutate(ctx, s.store, ci.Key(), func(c *cmdb.CI) error {
			c.SetFederationRef(ref)
			return nil
		})
		if err != nil {
			s.logger.Warn("Failed to record federation reference", "key", ci.Key(), "error", err)
			continue
		}
		if pushErr == nil {
			s.ciVersions[ci.Key()] = updated.ResourceVersion
		}
	}

	for _, rel := range snap.Relationships() {
		if last, ok := s.relUpdated[rel.ID]; ok && !rel.UpdatedAt.After(last) {
			continue
		}
		if err := s.mirror.PushRelationship(ctx, rel); err != nil {
			rep.Failed++
			s.logger.Warn("Federation push failed", "relationship", rel.ID, "error", err)
			metrics.FederationSyncTotal.WithLabelValues(system, StatusFailed).Inc()
			continue
		}
		rep.Relationships++
		s.relUpdated[rel.ID] = rel.UpdatedAt
	}

	s.logger.Info("Federation sync complete", "cis", rep.CIs, "relationships", rep.Relationships, "failed", rep.Failed)
	return rep, nil
}

// Run syncs every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Federation sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func existingID(ci *cmdb.CI, system string) string {
	for _, ref := range ci.Federation {
		if ref.System == system {
			return ref.ExternalID
		}
	}
	return ""
}
