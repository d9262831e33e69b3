package graph

import (
	"fmt"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// PrepareCIWrite validates next against the stored record (nil on create) and
// stamps versions and timestamps. Store implementations call it under their
// write lock or transaction.
func PrepareCIWrite(stored, next *cmdb.CI, now time.Time) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if stored == nil {
		if next.ResourceVersion != 0 {
			return fmt.Errorf("%w: %s does not exist at version %d", cmdb.ErrConflict, next.Key(), next.ResourceVersion)
		}
		if next.Lifecycle == cmdb.LifecycleArchived {
			return fmt.Errorf("%w: cannot create %s as archived", cmdb.ErrInvalidTransition, next.Key())
		}
		if next.Compliance.State == "" {
			next.Compliance.State = cmdb.ComplianceUnknown
		}
		if next.Source == "" {
			next.Source = cmdb.SourceManual
		}
		next.CreatedAt = now
		next.UpdatedAt = now
		next.ResourceVersion = 1
		return nil
	}

	if next.ResourceVersion != stored.ResourceVersion {
		return fmt.Errorf("%w: %s at version %d, write based on %d", cmdb.ErrConflict, next.Key(), stored.ResourceVersion, next.ResourceVersion)
	}
	if err := cmdb.CheckTransition(stored.Lifecycle, next.Lifecycle); err != nil {
		return fmt.Errorf("%s: %w", next.Key(), err)
	}
	if stored.PendingChange != "" && next.PendingChange != "" && stored.PendingChange != next.PendingChange {
		return fmt.Errorf("%w: %s held by %s", cmdb.ErrPendingChange, next.Key(), stored.PendingChange)
	}
	if next.Compliance.State == "" {
		next.Compliance.State = stored.Compliance.State
	}
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = now
	next.ResourceVersion = stored.ResourceVersion + 1
	return nil
}

// Archiving reports whether the write moves a CI into archived.
func Archiving(stored, next *cmdb.CI) bool {
	return stored != nil && stored.Lifecycle != cmdb.LifecycleArchived && next.Lifecycle == cmdb.LifecycleArchived
}

// PrepareRelationshipWrite validates rel and its endpoints. lookup returns nil
// for missing CIs.
func PrepareRelationshipWrite(rel *cmdb.Relationship, stored *cmdb.Relationship, lookup func(string) *cmdb.CI, now time.Time) error {
	rel.Normalize()
	if err := rel.Validate(); err != nil {
		return err
	}
	for _, key := range []string{rel.Source, rel.Target} {
		ci := lookup(key)
		if ci == nil {
			return fmt.Errorf("%w: %s", cmdb.ErrDanglingReference, key)
		}
		if ci.Lifecycle == cmdb.LifecycleArchived {
			return fmt.Errorf("%w: %s is archived", cmdb.ErrDanglingReference, key)
		}
	}
	rel.Active = true
	if rel.ValidFrom.IsZero() {
		rel.ValidFrom = now
	}
	if stored != nil {
		rel.CreatedAt = stored.CreatedAt
	} else {
		rel.CreatedAt = now
	}
	rel.UpdatedAt = now
	return nil
}

// Lapsed reports whether the expiry sweep should deactivate rel.
func Lapsed(rel *cmdb.Relationship, now time.Time) bool {
	return rel.Active && rel.AutoDiscovered && !rel.ValidUntil.IsZero() && !now.Before(rel.ValidUntil)
}

// Matches reports whether rel touches key in dir.
func Matches(rel *cmdb.Relationship, key string, dir Direction) bool {
	switch dir {
	case Inbound:
		return rel.Target == key
	case Outbound:
		return rel.Source == key
	default:
		return rel.Source == key || rel.Target == key
	}
}
