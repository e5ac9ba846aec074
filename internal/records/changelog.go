package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 200
	maxPageSize     = 1000
)

var errMissingTenant = errors.New("tenant handle is required")

// ChangeEntry is one accepted mutation in the tenant change log.
type ChangeEntry struct {
	Seq             int64          `gorm:"column:seq;primaryKey;autoIncrement" json:"seq"`
	EntryID         string         `gorm:"column:entry_id;size:64;not null;uniqueIndex" json:"entryId"`
	Kind            Kind           `gorm:"column:kind;size:32;not null;index:idx_change_log_entity,priority:1" json:"kind"`
	EntityID        string         `gorm:"column:entity_id;size:190;not null;index:idx_change_log_entity,priority:2" json:"entityId"`
	ArrivalAtServer int64          `gorm:"column:arrival_at_server;not null;uniqueIndex" json:"arrivalAtServer"`
	Deleted         bool           `gorm:"column:deleted;not null" json:"deleted"`
	Snapshot        datatypes.JSON `gorm:"column:snapshot;not null" json:"snapshot"`
	MutationID      string         `gorm:"column:mutation_id;size:190;not null;default:''" json:"mutationId,omitempty"`
	OriginSession   string         `gorm:"column:origin_session;size:64;not null;default:''" json:"-"`
	AuthorID        string         `gorm:"column:author_id;size:190;not null;default:''" json:"authorId"`
}

func (ChangeEntry) TableName() string {
	return "change_log"
}

// Entity decodes the row snapshot carried by the entry.
func (e ChangeEntry) Entity() (Entity, error) {
	entity, err := e.Kind.New()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(e.Snapshot, entity); err != nil {
		return nil, fmt.Errorf("decode %s snapshot %s: %w", e.Kind, e.EntityID, err)
	}
	normalize(entity)
	return entity, nil
}

// ChangePage is one window of the change log.
type ChangePage struct {
	Entries    []ChangeEntry `json:"entries"`
	NextCursor int64         `json:"nextCursor"`
	Until      int64         `json:"until"`
	HasMore    bool          `json:"hasMore"`
}

// ChangeLog reads and appends the ordered record of accepted mutations of one tenant.
type ChangeLog struct {
	tenant     *database.Tenant
	idProvider IDProvider
}

// NewChangeLog binds a change log to a tenant store.
func NewChangeLog(tenant *database.Tenant, idProvider IDProvider) (*ChangeLog, error) {
	if tenant == nil {
		return nil, errMissingTenant
	}
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &ChangeLog{tenant: tenant, idProvider: idProvider}, nil
}

// Watermark returns the newest committed arrival timestamp of the tenant.
func (l *ChangeLog) Watermark() int64 {
	return l.tenant.Watermark()
}

// Page returns entries with after < arrival <= until in ascending order.
// A non-positive until means no upper bound.
func (l *ChangeLog) Page(ctx context.Context, after, until int64, limit int) (ChangePage, error) {
	limit = clampPageSize(limit)
	var entries []ChangeEntry
	err := l.tenant.Read(ctx, func(tx *gorm.DB) error {
		query := tx.Where("arrival_at_server > ?", after)
		if until > 0 {
			query = query.Where("arrival_at_server <= ?", until)
		}
		return query.Order("arrival_at_server ASC").Limit(limit + 1).Find(&entries).Error
	})
	if err != nil {
		return ChangePage{}, err
	}

	page := ChangePage{NextCursor: after, Until: until}
	if len(entries) > limit {
		page.HasMore = true
		entries = entries[:limit]
	}
	page.Entries = entries
	if len(entries) > 0 {
		page.NextCursor = entries[len(entries)-1].ArrivalAtServer
	}
	return page, nil
}

// ReadSince lazily yields every entry after cursor that was committed before
// the call, one page at a time. Iteration stops at the first error.
func (l *ChangeLog) ReadSince(ctx context.Context, cursor int64, pageSize int) iter.Seq2[ChangeEntry, error] {
	return l.ReadRange(ctx, cursor, l.Watermark(), pageSize)
}

// ReadRange lazily yields entries with cursor < arrival <= until in ascending order.
func (l *ChangeLog) ReadRange(ctx context.Context, cursor, until int64, pageSize int) iter.Seq2[ChangeEntry, error] {
	return func(yield func(ChangeEntry, error) bool) {
		if until <= cursor {
			return
		}
		after := cursor
		for {
			page, err := l.Page(ctx, after, until, pageSize)
			if err != nil {
				yield(ChangeEntry{}, err)
				return
			}
			for _, entry := range page.Entries {
				if !yield(entry, nil) {
					return
				}
			}
			if !page.HasMore {
				return
			}
			after = page.NextCursor
		}
	}
}

func (l *ChangeLog) append(tx *gorm.DB, entity Entity, mutation Mutation) (*ChangeEntry, error) {
	entryID, err := l.idProvider.NewID()
	if err != nil {
		return nil, err
	}
	entry, err := newChangeEntry(entryID, entity)
	if err != nil {
		return nil, err
	}
	entry.MutationID = mutation.ID
	entry.OriginSession = mutation.SessionID
	entry.AuthorID = mutation.Author.UserID
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func newChangeEntry(entryID string, entity Entity) (*ChangeEntry, error) {
	snapshot, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	meta := entity.Meta()
	return &ChangeEntry{
		EntryID:         entryID,
		Kind:            entity.Kind(),
		EntityID:        meta.ID,
		ArrivalAtServer: meta.ArrivalAtServer,
		Deleted:         bool(meta.Deleted),
		Snapshot:        datatypes.JSON(snapshot),
		AuthorID:        meta.LastEditorID,
	}, nil
}

func clampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}
