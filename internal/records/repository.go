package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrEntityNotFound indicates that no row exists for the id.
	ErrEntityNotFound = errors.New("records: entity not found")
	// ErrForbidden indicates the author may not write the row.
	ErrForbidden = errors.New("records: forbidden")

	errMissingEntity = errors.New("mutation entity is required")
	noOpLogger       = zap.NewNop()
)

// ServiceError tags a failure with an "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRepositoryNew = "records.repository.new"
	opUpsert        = "records.upsert"
	opGet           = "records.get"
	opListSince     = "records.list_since"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Author identifies the authenticated user behind a mutation.
type Author struct {
	UserID string
	Role   Role
}

// Mutation is one client edit submitted for a tenant.
type Mutation struct {
	// ID is the client idempotency key; empty disables duplicate detection.
	ID        string
	SessionID string
	Author    Author
	Entity    Entity
	// Delete stores Entity as a tombstone. Its fields are kept as sent.
	Delete bool
}

// Outcome reports what Upsert did with a mutation.
type Outcome struct {
	Verdict   Verdict
	Row       Entity
	Entry     *ChangeEntry
	Duplicate bool
}

// Committed reports whether this call wrote a new row version.
func (o Outcome) Committed() bool {
	return o.Entry != nil && !o.Duplicate
}

// RepositoryConfig describes the dependencies of a Repository.
type RepositoryConfig struct {
	Tenant     *database.Tenant
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Repository applies mutations to the entity tables of one tenant.
type Repository struct {
	tenant *database.Tenant
	log    *ChangeLog
	clock  func() time.Time
	logger *zap.Logger
}

// NewRepository validates dependencies and binds a repository to a tenant.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Tenant == nil {
		return nil, newServiceError(opRepositoryNew, "missing_tenant", errMissingTenant)
	}
	changeLog, err := NewChangeLog(cfg.Tenant, cfg.IDProvider)
	if err != nil {
		return nil, newServiceError(opRepositoryNew, "change_log", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{
		tenant: cfg.Tenant,
		log:    changeLog,
		clock:  clock,
		logger: logger,
	}, nil
}

// ChangeLog returns the change log of the bound tenant.
func (r *Repository) ChangeLog() *ChangeLog {
	return r.log
}

// Upsert resolves the mutation against the stored row and commits the winner
// together with its change log entry.
func (r *Repository) Upsert(ctx context.Context, mutation Mutation) (Outcome, error) {
	if mutation.Entity == nil {
		return Outcome{}, newServiceError(opUpsert, "missing_entity", fmt.Errorf("%w: %v", ErrInvalidEntity, errMissingEntity))
	}
	incoming, err := Clone(mutation.Entity)
	if err != nil {
		return Outcome{}, newServiceError(opUpsert, "clone_failed", fmt.Errorf("%w: %v", ErrInvalidEntity, err))
	}
	if err := validate(incoming); err != nil {
		return Outcome{}, newServiceError(opUpsert, "invalid_entity", err)
	}
	kind := incoming.Kind()
	entityID := incoming.Meta().ID
	fields := []zap.Field{
		zap.String("tenant_id", r.tenant.ID()),
		zap.String("kind", string(kind)),
		zap.String("entity_id", entityID),
		zap.String("mutation_id", mutation.ID),
	}

	var outcome Outcome
	err = r.tenant.Write(ctx, func(tx *gorm.DB, stamp database.StampFunc) error {
		if mutation.ID != "" {
			processed, found, err := findProcessed(tx, mutation.Author.UserID, mutation.ID)
			if err != nil {
				return newServiceError(opUpsert, "processed_select_failed", err)
			}
			if found {
				row, err := loadEntity(tx, processed.Kind, processed.EntityID)
				if err != nil {
					return newServiceError(opUpsert, "row_select_failed", err)
				}
				outcome = Outcome{
					Verdict:   Verdict{Decision: processed.Decision, Reason: processed.Reason},
					Row:       row,
					Duplicate: true,
				}
				return nil
			}
		}

		stored, err := loadEntity(tx, kind, entityID)
		if err != nil {
			return newServiceError(opUpsert, "row_select_failed", err)
		}

		// The tombstone carries the payload fields, never the stored ones.
		if mutation.Delete {
			if stored == nil {
				return newServiceError(opUpsert, "unknown_entity",
					fmt.Errorf("%w: %s %s does not exist", database.ErrConstraintViolation, kind, entityID))
			}
			incoming.Meta().Deleted = true
		}

		if err := authorize(mutation.Author, stored, incoming); err != nil {
			return newServiceError(opUpsert, "forbidden", err)
		}
		incoming.Meta().LastEditorID = mutation.Author.UserID

		verdict := Decide(stored, incoming)
		if !verdict.Applied() {
			outcome = Outcome{Verdict: verdict, Row: stored}
			return recordProcessed(tx, mutation, kind, entityID, verdict, r.clock())
		}

		if err := checkReferences(tx, stored, incoming); err != nil {
			return newServiceError(opUpsert, "reference_check_failed", err)
		}

		incoming.Meta().ArrivalAtServer = stamp()
		if err := saveEntity(tx, incoming); err != nil {
			return newServiceError(opUpsert, "row_save_failed", err)
		}
		entry, err := r.log.append(tx, incoming, mutation)
		if err != nil {
			return newServiceError(opUpsert, "change_log_append_failed", err)
		}
		outcome = Outcome{Verdict: verdict, Row: incoming, Entry: entry}
		return recordProcessed(tx, mutation, kind, entityID, verdict, r.clock())
	})
	if err != nil {
		r.logError(opUpsert, "write_failed", err, fields...)
		return Outcome{}, err
	}

	r.logger.Debug("mutation resolved",
		append(fields,
			zap.String("decision", string(outcome.Verdict.Decision)),
			zap.String("reason", outcome.Verdict.Reason),
			zap.Bool("duplicate", outcome.Duplicate))...)
	return outcome, nil
}

// Get returns the stored row, tombstones included.
func (r *Repository) Get(ctx context.Context, kind Kind, id string) (Entity, error) {
	if _, err := kind.New(); err != nil {
		return nil, newServiceError(opGet, "unknown_kind", err)
	}
	var entity Entity
	err := r.tenant.Read(ctx, func(tx *gorm.DB) error {
		loaded, err := loadEntity(tx, kind, id)
		entity = loaded
		return err
	})
	if err != nil {
		r.logError(opGet, "query_failed", err, zap.String("kind", string(kind)), zap.String("entity_id", id))
		return nil, newServiceError(opGet, "query_failed", err)
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrEntityNotFound, kind, id)
	}
	return entity, nil
}

// ListSince returns rows of the kind whose arrival is after cursor, ascending.
// Rows and their location junctions come from one read snapshot.
func (r *Repository) ListSince(ctx context.Context, kind Kind, cursor int64, limit int) ([]Entity, error) {
	limit = clampPageSize(limit)
	var list func(tx *gorm.DB) ([]Entity, error)
	switch kind {
	case KindUser:
		list = listKind[User](cursor, limit)
	case KindContract:
		list = listKind[Contract](cursor, limit)
	case KindSawmill:
		list = listKind[Sawmill](cursor, limit)
	case KindLocation:
		list = listKind[Location](cursor, limit)
	case KindNote:
		list = listKind[Note](cursor, limit)
	case KindPhoto:
		list = listKind[Photo](cursor, limit)
	case KindShipment:
		list = listKind[Shipment](cursor, limit)
	default:
		return nil, newServiceError(opListSince, "unknown_kind", fmt.Errorf("%w: %q", ErrUnknownKind, string(kind)))
	}

	var rows []Entity
	err := r.tenant.Read(ctx, func(tx *gorm.DB) error {
		var err error
		if rows, err = list(tx); err != nil {
			return err
		}
		if kind == KindLocation {
			return hydrateLocations(tx, rows)
		}
		return nil
	})
	if err != nil {
		r.logError(opListSince, "query_failed", err, zap.String("kind", string(kind)))
		return nil, newServiceError(opListSince, "query_failed", err)
	}
	return rows, nil
}

func listKind[T any, P interface {
	*T
	Entity
}](cursor int64, limit int) func(tx *gorm.DB) ([]Entity, error) {
	return func(tx *gorm.DB) ([]Entity, error) {
		rows, err := database.QueryTx[T](tx, cursor, limit)
		if err != nil {
			return nil, err
		}
		entities := make([]Entity, 0, len(rows))
		for index := range rows {
			entity := P(&rows[index])
			normalize(entity)
			entities = append(entities, entity)
		}
		return entities, nil
	}
}

func loadEntity(tx *gorm.DB, kind Kind, id string) (Entity, error) {
	entity, err := kind.New()
	if err != nil {
		return nil, err
	}
	err = tx.Where("id = ?", id).Take(entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if kind == KindLocation {
		if err := hydrateLocations(tx, []Entity{entity}); err != nil {
			return nil, err
		}
	}
	normalize(entity)
	return entity, nil
}

func hydrateLocations(tx *gorm.DB, rows []Entity) error {
	if len(rows) == 0 {
		return nil
	}
	byID := make(map[string]*Location, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		location, ok := row.(*Location)
		if !ok {
			continue
		}
		location.SawmillIDs = []string{}
		location.OversizeSawmillIDs = []string{}
		byID[location.ID] = location
		ids = append(ids, location.ID)
	}
	var links []LocationSawmill
	if err := tx.Where("location_id IN ?", ids).Find(&links).Error; err != nil {
		return err
	}
	for _, link := range links {
		location := byID[link.LocationID]
		if location == nil {
			continue
		}
		if link.IsOversize {
			location.OversizeSawmillIDs = append(location.OversizeSawmillIDs, link.SawmillID)
		} else {
			location.SawmillIDs = append(location.SawmillIDs, link.SawmillID)
		}
	}
	for _, location := range byID {
		sort.Strings(location.SawmillIDs)
		sort.Strings(location.OversizeSawmillIDs)
	}
	return nil
}

func saveEntity(tx *gorm.DB, entity Entity) error {
	if err := tx.Save(entity).Error; err != nil {
		return err
	}
	location, ok := entity.(*Location)
	if !ok {
		return nil
	}
	if err := tx.Where("location_id = ?", location.ID).Delete(&LocationSawmill{}).Error; err != nil {
		return err
	}
	links := make([]LocationSawmill, 0, len(location.SawmillIDs)+len(location.OversizeSawmillIDs))
	for _, sawmillID := range location.SawmillIDs {
		links = append(links, LocationSawmill{LocationID: location.ID, SawmillID: sawmillID})
	}
	for _, sawmillID := range location.OversizeSawmillIDs {
		links = append(links, LocationSawmill{LocationID: location.ID, SawmillID: sawmillID, IsOversize: true})
	}
	if len(links) == 0 {
		return nil
	}
	return tx.Create(&links).Error
}

// checkReferences requires every new or changed reference of a live row to
// point at an existing, live parent.
func checkReferences(tx *gorm.DB, stored Entity, incoming Entity) error {
	if incoming.Meta().Deleted {
		return nil
	}
	existing := make(map[string]struct{})
	if stored != nil {
		for _, ref := range stored.references() {
			existing[ref.field+"\x00"+ref.id] = struct{}{}
		}
	}
	for _, ref := range incoming.references() {
		if ref.id == "" {
			return fmt.Errorf("%w: %s %s: %s is required",
				database.ErrConstraintViolation, incoming.Kind(), incoming.Meta().ID, ref.field)
		}
		if _, unchanged := existing[ref.field+"\x00"+ref.id]; unchanged {
			continue
		}
		parent, err := ref.kind.New()
		if err != nil {
			return err
		}
		var flags []Flag
		if err := tx.Model(parent).Where("id = ?", ref.id).Pluck("deleted", &flags).Error; err != nil {
			return err
		}
		if len(flags) == 0 {
			return fmt.Errorf("%w: %s %s: %s references missing %s %s",
				database.ErrConstraintViolation, incoming.Kind(), incoming.Meta().ID, ref.field, ref.kind, ref.id)
		}
		if flags[0] {
			return fmt.Errorf("%w: %s %s: %s references deleted %s %s",
				database.ErrConstraintViolation, incoming.Kind(), incoming.Meta().ID, ref.field, ref.kind, ref.id)
		}
	}
	return nil
}

// authorize lets admins write any user row; everyone else may only edit their
// own user row without raising its role. Other kinds are open to every role.
func authorize(author Author, stored Entity, incoming Entity) error {
	user, ok := incoming.(*User)
	if !ok || author.Role == RoleAdmin {
		return nil
	}
	if user.ID != author.UserID {
		return fmt.Errorf("%w: %s may not edit user %s", ErrForbidden, author.Role, user.ID)
	}
	storedRole := author.Role
	if current, ok := stored.(*User); ok && current != nil {
		storedRole = current.Role
	}
	if user.Role > storedRole {
		return fmt.Errorf("%w: %s may not raise role to %s", ErrForbidden, author.Role, user.Role)
	}
	return nil
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	if errors.Is(err, database.ErrConstraintViolation) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidEntity) {
		r.logger.Warn("records repository rejected mutation", attrs...)
		return
	}
	r.logger.Error("records repository error", attrs...)
}
