package records

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessedMutation remembers the decision taken for a client idempotency key.
type ProcessedMutation struct {
	AuthorID    string   `gorm:"column:author_id;primaryKey;size:190;not null"`
	MutationID  string   `gorm:"column:mutation_id;primaryKey;size:190;not null"`
	Kind        Kind     `gorm:"column:kind;size:32;not null"`
	EntityID    string   `gorm:"column:entity_id;size:190;not null"`
	Decision    Decision `gorm:"column:decision;size:16;not null"`
	Reason      string   `gorm:"column:reason;size:64;not null;default:''"`
	ProcessedAt int64    `gorm:"column:processed_at_ms;not null"`
}

func (ProcessedMutation) TableName() string {
	return "processed_mutations"
}

func findProcessed(tx *gorm.DB, authorID, mutationID string) (ProcessedMutation, bool, error) {
	var processed ProcessedMutation
	err := tx.Where("author_id = ? AND mutation_id = ?", authorID, mutationID).Take(&processed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProcessedMutation{}, false, nil
	}
	if err != nil {
		return ProcessedMutation{}, false, err
	}
	return processed, true, nil
}

func recordProcessed(tx *gorm.DB, mutation Mutation, kind Kind, entityID string, verdict Verdict, processedAt time.Time) error {
	if mutation.ID == "" {
		return nil
	}
	record := ProcessedMutation{
		AuthorID:    mutation.Author.UserID,
		MutationID:  mutation.ID,
		Kind:        kind,
		EntityID:    entityID,
		Decision:    verdict.Decision,
		Reason:      verdict.Reason,
		ProcessedAt: processedAt.UnixMilli(),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}
