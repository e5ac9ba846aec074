package records

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"gorm.io/gorm"
)

const migrationBackfillChangeLog = "2026-10-05_backfill_change_log"

// Models lists every table of a tenant store.
func Models() []any {
	return []any{
		&User{},
		&Contract{},
		&Sawmill{},
		&Location{},
		&LocationSawmill{},
		&Note{},
		&Photo{},
		&Shipment{},
		&ChangeEntry{},
		&ProcessedMutation{},
	}
}

// Migrations lists the named data migrations of a tenant store.
func Migrations() []database.Migration {
	return []database.Migration{
		{Name: migrationBackfillChangeLog, Apply: backfillChangeLog},
	}
}

type unloggedRow struct {
	kind    Kind
	id      string
	arrival int64
	order   int
}

// backfillChangeLog gives rows that predate the change log an entry so that
// catch-up delivers them. Their arrival timestamps are re-issued above the
// current maximum to keep arrivals unique.
func backfillChangeLog(tx *gorm.DB) error {
	var highest int64
	var pending []unloggedRow
	for order, kind := range Kinds() {
		model, err := kind.New()
		if err != nil {
			return err
		}
		var tableMax int64
		if err := tx.Model(model).Select("COALESCE(MAX(arrival_at_server), 0)").Row().Scan(&tableMax); err != nil {
			return fmt.Errorf("backfill %s: %w", kind, err)
		}
		if tableMax > highest {
			highest = tableMax
		}

		table := tableName(tx, model)
		var rows []struct {
			ID              string
			ArrivalAtServer int64
		}
		err = tx.Model(model).
			Select("id, arrival_at_server").
			Where("NOT EXISTS (SELECT 1 FROM change_log WHERE change_log.kind = ? AND change_log.entity_id = "+table+".id)", string(kind)).
			Scan(&rows).Error
		if err != nil {
			return fmt.Errorf("backfill %s: %w", kind, err)
		}
		for _, row := range rows {
			pending = append(pending, unloggedRow{kind: kind, id: row.ID, arrival: row.ArrivalAtServer, order: order})
		}
	}

	var logMax int64
	if err := tx.Model(&ChangeEntry{}).Select("COALESCE(MAX(arrival_at_server), 0)").Row().Scan(&logMax); err != nil {
		return err
	}
	if logMax > highest {
		highest = logMax
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].arrival != pending[j].arrival {
			return pending[i].arrival < pending[j].arrival
		}
		if pending[i].order != pending[j].order {
			return pending[i].order < pending[j].order
		}
		return pending[i].id < pending[j].id
	})

	ids := NewUUIDProvider()
	for _, row := range pending {
		entity, err := loadEntity(tx, row.kind, row.id)
		if err != nil || entity == nil {
			return fmt.Errorf("backfill %s %s: %v", row.kind, row.id, err)
		}
		highest++
		entity.Meta().ArrivalAtServer = highest
		if err := tx.Model(entity).Update("arrival_at_server", highest).Error; err != nil {
			return err
		}
		entryID, err := ids.NewID()
		if err != nil {
			return err
		}
		entry, err := newChangeEntry(entryID, entity)
		if err != nil {
			return err
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
	}
	return nil
}

func tableName(tx *gorm.DB, model any) string {
	statement := &gorm.Statement{DB: tx}
	if err := statement.Parse(model); err != nil || statement.Schema == nil {
		return ""
	}
	return statement.Schema.Table
}
