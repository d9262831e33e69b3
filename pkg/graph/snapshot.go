package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// Snapshot is an immutable point-in-time view. It holds every CI and only the
// relationships that were live at At.
type Snapshot struct {
	At            time.Time
	cis           map[string]*cmdb.CI
	keys          []string
	relationships []*cmdb.Relationship
	outbound      map[string][]*cmdb.Relationship
	inbound       map[string][]*cmdb.Relationship
}

// NewSnapshot indexes cis and the live subset of rels.
func NewSnapshot(at time.Time, cis []*cmdb.CI, rels []*cmdb.Relationship) *Snapshot {
	s := &Snapshot{
		At:       at,
		cis:      make(map[string]*cmdb.CI, len(cis)),
		outbound: make(map[string][]*cmdb.Relationship),
		inbound:  make(map[string][]*cmdb.Relationship),
	}
	for _, ci := range cis {
		s.cis[ci.Key()] = ci
		s.keys = append(s.keys, ci.Key())
	}
	sort.Strings(s.keys)
	for _, rel := range rels {
		if !rel.Live(at) {
			continue
		}
		s.relationships = append(s.relationships, rel)
		s.outbound[rel.Source] = append(s.outbound[rel.Source], rel)
		s.inbound[rel.Target] = append(s.inbound[rel.Target], rel)
	}
	sortRelationships(s.relationships)
	return s
}

// Keys returns CI keys in sorted order.
func (s *Snapshot) Keys() []string { return s.keys }

// CI returns the CI for key.
func (s *Snapshot) CI(key string) (*cmdb.CI, bool) {
	ci, ok := s.cis[key]
	return ci, ok
}

// CIs returns every CI in key order.
func (s *Snapshot) CIs() []*cmdb.CI {
	out := make([]*cmdb.CI, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.cis[k])
	}
	return out
}

// Relationships returns the live relationships.
func (s *Snapshot) Relationships() []*cmdb.Relationship { return s.relationships }

// Inbound returns live edges targeting key.
func (s *Snapshot) Inbound(key string) []*cmdb.Relationship { return s.inbound[key] }

// Outbound returns live edges leaving key.
func (s *Snapshot) Outbound(key string) []*cmdb.Relationship { return s.outbound[key] }

// Degree counts live edges touching key.
func (s *Snapshot) Degree(key string) int { return len(s.inbound[key]) + len(s.outbound[key]) }

// GetCI implements Reader.
func (s *Snapshot) GetCI(_ context.Context, key string) (*cmdb.CI, error) {
	ci, ok := s.cis[key]
	if !ok {
		return nil, fmt.Errorf("ci %s: %w", key, cmdb.ErrNotFound)
	}
	return ci, nil
}

// ListRelationshipsFor implements Reader.
func (s *Snapshot) ListRelationshipsFor(_ context.Context, key string, dir Direction) ([]*cmdb.Relationship, error) {
	if _, ok := s.cis[key]; !ok {
		return nil, fmt.Errorf("ci %s: %w", key, cmdb.ErrNotFound)
	}
	var out []*cmdb.Relationship
	if dir != Inbound {
		out = append(out, s.outbound[key]...)
	}
	if dir != Outbound {
		out = append(out, s.inbound[key]...)
	}
	return out, nil
}

// CheckIntegrity verifies that every live relationship references existing,
// non-archived CIs.
func CheckIntegrity(s *Snapshot) error {
	var errs []error
	for _, rel := range s.relationships {
		for _, key := range []string{rel.Source, rel.Target} {
			ci, ok := s.cis[key]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("%w: relationship %s references missing %s", cmdb.ErrDanglingReference, rel.ID, key))
			case ci.Lifecycle == cmdb.LifecycleArchived:
				errs = append(errs, fmt.Errorf("%w: relationship %s references archived %s", cmdb.ErrDanglingReference, rel.ID, key))
			}
		}
	}
	return errors.Join(errs...)
}
