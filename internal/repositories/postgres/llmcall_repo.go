package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
)

// LLMCallRepo is the audit sink for model calls. Insert-only; nothing in
// the pipeline reads these rows back.
type LLMCallRepo interface {
	Insert(ctx context.Context, call *models.LLMCall) error
}

type llmCallRepo struct {
	db *gorm.DB
}

func NewLLMCallRepo(db *gorm.DB) LLMCallRepo {
	return &llmCallRepo{db: db}
}

func (r *llmCallRepo) Insert(ctx context.Context, call *models.LLMCall) error {
	const op = "LLMCallRepo.Insert"

	if err := r.db.WithContext(ctx).Create(call).Error; err != nil {
		return faults.E(faults.KindPersistence, op, "failed to insert llm call", err)
	}
	return nil
}
