package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// MemoryStore is an in-memory graph storage. Records are copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	cis          map[string]*cmdb.CI
	rels         map[string]*cmdb.Relationship
	edges        map[string]map[string]struct{} // source key -> relationship IDs
	reverseEdges map[string]map[string]struct{} // target key -> relationship IDs
	now          Clock
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(c Clock) MemoryOption {
	return func(s *MemoryStore) { s.now = c }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		cis:          make(map[string]*cmdb.CI, 1000),
		rels:         make(map[string]*cmdb.Relationship, 1000),
		edges:        make(map[string]map[string]struct{}),
		reverseEdges: make(map[string]map[string]struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) UpsertCI(ctx context.Context, ci *cmdb.CI) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := ci.Clone()
	stored := s.cis[next.Key()]
	if err := PrepareCIWrite(stored, next, s.now()); err != nil {
		return err
	}
	if Archiving(stored, next) {
		s.dropEdgesLocked(next.Key())
	}
	s.cis[next.Key()] = next

	ci.ResourceVersion = next.ResourceVersion
	ci.CreatedAt = next.CreatedAt
	ci.UpdatedAt = next.UpdatedAt
	ci.Compliance.State = next.Compliance.State
	ci.Source = next.Source
	return nil
}

func (s *MemoryStore) GetCI(ctx context.Context, key string) (*cmdb.CI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ci, ok := s.cis[key]
	if !ok {
		return nil, fmt.Errorf("ci %s: %w", key, cmdb.ErrNotFound)
	}
	return ci.Clone(), nil
}

func (s *MemoryStore) ListCIs(ctx context.Context) ([]*cmdb.CI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*cmdb.CI, 0, len(s.cis))
	for _, ci := range s.cis {
		out = append(out, ci.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) UpsertRelationship(ctx context.Context, rel *cmdb.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := rel.Clone()
	next.Normalize()
	lookup := func(key string) *cmdb.CI { return s.cis[key] }
	if err := PrepareRelationshipWrite(next, s.rels[next.ID], lookup, s.now()); err != nil {
		return err
	}
	s.rels[next.ID] = next
	link(s.edges, next.Source, next.ID)
	link(s.reverseEdges, next.Target, next.ID)
	*rel = *next.Clone()
	return nil
}

func (s *MemoryStore) GetRelationship(ctx context.Context, id string) (*cmdb.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.rels[id]
	if !ok {
		return nil, fmt.Errorf("relationship %s: %w", id, cmdb.ErrNotFound)
	}
	return rel.Clone(), nil
}

func (s *MemoryStore) DeleteRelationship(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rels[id]; !ok {
		return fmt.Errorf("relationship %s: %w", id, cmdb.ErrNotFound)
	}
	s.deleteLocked(id)
	return nil
}

func (s *MemoryStore) ListRelationshipsFor(ctx context.Context, key string, dir Direction) ([]*cmdb.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cis[key]; !ok {
		return nil, fmt.Errorf("ci %s: %w", key, cmdb.ErrNotFound)
	}

	now := s.now()
	ids := make(map[string]struct{})
	if dir != Inbound {
		for id := range s.edges[key] {
			ids[id] = struct{}{}
		}
	}
	if dir != Outbound {
		for id := range s.reverseEdges[key] {
			ids[id] = struct{}{}
		}
	}
	out := make([]*cmdb.Relationship, 0, len(ids))
	for id := range ids {
		rel := s.rels[id]
		if rel.Live(now) {
			out = append(out, rel.Clone())
		}
	}
	sortRelationships(out)
	return out, nil
}

func (s *MemoryStore) ExpireRelationships(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rel := range s.rels {
		if Lapsed(rel, now) {
			rel.Active = false
			rel.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cis := make([]*cmdb.CI, 0, len(s.cis))
	for _, ci := range s.cis {
		cis = append(cis, ci.Clone())
	}
	rels := make([]*cmdb.Relationship, 0, len(s.rels))
	for _, rel := range s.rels {
		rels = append(rels, rel.Clone())
	}
	return NewSnapshot(s.now(), cis, rels), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) dropEdgesLocked(key string) {
	for id := range s.edges[key] {
		s.deleteLocked(id)
	}
	for id := range s.reverseEdges[key] {
		s.deleteLocked(id)
	}
}

func (s *MemoryStore) deleteLocked(id string) {
	rel, ok := s.rels[id]
	if !ok {
		return
	}
	delete(s.rels, id)
	unlink(s.edges, rel.Source, id)
	unlink(s.reverseEdges, rel.Target, id)
}

func link(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func unlink(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func sortRelationships(rels []*cmdb.Relationship) {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Source != rels[j].Source {
			return rels[i].Source < rels[j].Source
		}
		if rels[i].Target != rels[j].Target {
			return rels[i].Target < rels[j].Target
		}
		return rels[i].Type < rels[j].Type
	})
}
