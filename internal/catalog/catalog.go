// Package catalog tracks the parts the auto-check scheduler rotates
// through, backed by the shared record store.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
)

// KeyPrefix namespaces catalog records in the store.
const KeyPrefix = "part:"

// Key returns the record-store key for a catalog item ID.
func Key(id string) string {
	return KeyPrefix + id
}

// Store implements eol.Catalog over a RecordStore.
type Store struct {
	store  eol.RecordStore
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(store eol.RecordStore, logger *zap.Logger) *Store {
	return &Store{store: store, logger: logger.Named("catalog")}
}

// NextItem returns the part that should be checked next: never-checked
// parts first (lowest ID for a stable rotation), then the least recently
// checked. Returns eol.ErrCatalogEmpty when nothing is registered.
func (s *Store) NextItem(ctx context.Context) (eol.CatalogItem, error) {
	keys, err := s.store.List(ctx, KeyPrefix)
	if err != nil {
		return eol.CatalogItem{}, fmt.Errorf("list catalog: %w", err)
	}
	if len(keys) == 0 {
		return eol.CatalogItem{}, eol.ErrCatalogEmpty
	}

	items := make([]eol.CatalogItem, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			// Deleted between List and Get; skip it.
			if errors.Is(err, eol.ErrNotFound) {
				continue
			}
			return eol.CatalogItem{}, fmt.Errorf("get catalog item %s: %w", key, err)
		}
		var item eol.CatalogItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return eol.CatalogItem{}, fmt.Errorf("decode catalog item %s: %w", key, err)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return eol.CatalogItem{}, eol.ErrCatalogEmpty
	}

	sort.Slice(items, func(a, b int) bool {
		ia, ib := items[a], items[b]
		switch {
		case ia.LastCheckedAt == nil && ib.LastCheckedAt == nil:
			return ia.ID < ib.ID
		case ia.LastCheckedAt == nil:
			return true
		case ib.LastCheckedAt == nil:
			return false
		case !ia.LastCheckedAt.Equal(*ib.LastCheckedAt):
			return ia.LastCheckedAt.Before(*ib.LastCheckedAt)
		default:
			return ia.ID < ib.ID
		}
	})
	return items[0], nil
}

// MarkChecked records the outcome of a check against the item.
func (s *Store) MarkChecked(ctx context.Context, id string, at time.Time, verdict eol.Verdict) error {
	raw, err := s.store.Get(ctx, Key(id))
	if err != nil {
		return fmt.Errorf("get catalog item %s: %w", id, err)
	}
	var item eol.CatalogItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return fmt.Errorf("decode catalog item %s: %w", id, err)
	}
	item.LastCheckedAt = &at
	item.LastVerdict = verdict
	if err := s.put(ctx, item); err != nil {
		return err
	}
	s.logger.Info("catalog item checked",
		zap.String("part_id", id),
		zap.String("verdict", string(verdict)),
	)
	return nil
}

// Upsert registers or replaces a catalog item.
func (s *Store) Upsert(ctx context.Context, item eol.CatalogItem) error {
	if item.ID == "" {
		return &eol.ValidationError{Reason: "catalog item id is required"}
	}
	return s.put(ctx, item)
}

func (s *Store) put(ctx context.Context, item eol.CatalogItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode catalog item %s: %w", item.ID, err)
	}
	if err := s.store.Set(ctx, Key(item.ID), raw); err != nil {
		return fmt.Errorf("store catalog item %s: %w", item.ID, err)
	}
	return nil
}
