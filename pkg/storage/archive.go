package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// DefaultArchivePrefix is where closed change requests are written.
const DefaultArchivePrefix = "change-requests"

// Archive writes closed ChangeRequests as JSON documents keyed by close
// month and ID: change-requests/2026-03/<id>.json.
type Archive struct {
	store  BlobStore
	prefix string
	logger *slog.Logger
}

// NewArchive creates an archive over store.
func NewArchive(store BlobStore, prefix string, logger *slog.Logger) *Archive {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Archive stores cr. Only terminal requests are archived.
func (a *Archive) Archive(ctx context.Context, cr *cmdb.ChangeRequest) error {
	if !cr.Status.Terminal() {
		return fmt.Errorf("%w: change request %s is %s, not closed", cmdb.ErrValidation, cr.ID, cr.Status)
	}
	data, err := json.MarshalIndent(cr, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode change request: %w", err)
	}
	closed := cr.ClosedAt
	if closed.IsZero() {
		closed = cr.UpdatedAt
	}
	key := path.Join(a.prefix, closed.UTC().Format("2006-01"), cr.ID+".json")
	if err := a.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to archive change request %s: %w", cr.ID, err)
	}
	a.logger.Debug("Change request archived", "change_id", cr.ID, "key", key)
	return nil
}

// Get loads an archived request by ID.
func (a *Archive) Get(ctx context.Context, id string) (*cmdb.ChangeRequest, error) {
	keys, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if path.Base(k) == id+".json" {
			return a.load(ctx, k)
		}
	}
	return nil, fmt.Errorf("%w: archived change request %s", cmdb.ErrNotFound, id)
}

// List returns every archived request, oldest close month first.
func (a *Archive) List(ctx context.Context) ([]*cmdb.ChangeRequest, error) {
	keys, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]*cmdb.ChangeRequest, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, ".json") {
			continue
		}
		cr, err := a.load(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}

func (a *Archive) load(ctx context.Context, key string) (*cmdb.ChangeRequest, error) {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var cr cmdb.ChangeRequest
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &cr, nil
}
