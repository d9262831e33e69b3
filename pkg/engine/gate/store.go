package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []cmdb.ChangeStatus
	// Approver keeps only pending requests this approver could still approve.
	Approver string
}

func (f Filter) match(cr *cmdb.ChangeRequest) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if cr.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Approver != "" && !cr.AwaitingApprover(f.Approver) {
		return false
	}
	return true
}

// ChangeStore persists ChangeRequests. Save uses ResourceVersion as a CAS
// token: 0 creates, anything else must match the stored version.
type ChangeStore interface {
	Save(ctx context.Context, cr *cmdb.ChangeRequest) error
	Get(ctx context.Context, id string) (*cmdb.ChangeRequest, error)
	List(ctx context.Context, f Filter) ([]*cmdb.ChangeRequest, error)
}

// MemoryStore is an in-process ChangeStore.
type MemoryStore struct {
	mu      sync.RWMutex
	changes map[string]*cmdb.ChangeRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{changes: make(map[string]*cmdb.ChangeRequest)}
}

func (s *MemoryStore) Save(ctx context.Context, cr *cmdb.ChangeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.changes[cr.ID]
	if err := checkVersion(stored, cr); err != nil {
		return err
	}
	cr.ResourceVersion++
	s.changes[cr.ID] = cr.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*cmdb.ChangeRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cr, ok := s.changes[id]
	if !ok {
		return nil, fmt.Errorf("%w: change request %s", cmdb.ErrNotFound, id)
	}
	return cr.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*cmdb.ChangeRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*cmdb.ChangeRequest
	for _, cr := range s.changes {
		if f.match(cr) {
			out = append(out, cr.Clone())
		}
	}
	sortChanges(out)
	return out, nil
}

func checkVersion(stored, next *cmdb.ChangeRequest) error {
	if stored == nil {
		if next.ResourceVersion != 0 {
			return fmt.Errorf("%w: change request %s does not exist at version %d", cmdb.ErrConflict, next.ID, next.ResourceVersion)
		}
		return nil
	}
	if stored.ResourceVersion != next.ResourceVersion {
		return fmt.Errorf("%w: change request %s at version %d, write based on %d",
			cmdb.ErrConflict, next.ID, stored.ResourceVersion, next.ResourceVersion)
	}
	return nil
}

// sortChanges orders by creation time, then ID.
func sortChanges(crs []*cmdb.ChangeRequest) {
	sort.Slice(crs, func(i, j int) bool {
		if !crs[i].CreatedAt.Equal(crs[j].CreatedAt) {
			return crs[i].CreatedAt.Before(crs[j].CreatedAt)
		}
		return crs[i].ID < crs[j].ID
	})
}
