package graph

import (
	"context"
	"time"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// Direction selects which edges of a CI a read returns.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
	Both     Direction = "both"
)

// Reader is the read side shared by stores and snapshots.
type Reader interface {
	GetCI(ctx context.Context, key string) (*cmdb.CI, error)
	ListRelationshipsFor(ctx context.Context, key string, dir Direction) ([]*cmdb.Relationship, error)
}

// Store defines CI and relationship storage.
type Store interface {
	Reader

	// CI operations. ResourceVersion 0 creates.
	UpsertCI(ctx context.Context, ci *cmdb.CI) error
	ListCIs(ctx context.Context) ([]*cmdb.CI, error)

	// Relationship operations.
	UpsertRelationship(ctx context.Context, rel *cmdb.Relationship) error
	GetRelationship(ctx context.Context, id string) (*cmdb.Relationship, error)
	DeleteRelationship(ctx context.Context, id string) error
	ExpireRelationships(ctx context.Context, now time.Time) (int, error)

	// Snapshot returns a point-in-time read view of live data.
	Snapshot(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Clock returns the current time.
type Clock func() time.Time
