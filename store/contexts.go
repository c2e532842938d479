package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

type contextRepo struct{ db *gorm.DB }

func (r *contextRepo) Create(ctx context.Context, sc *workflow.SharedContext) error {
	return r.db.WithContext(ctx).Create(contextRow(sc)).Error
}

func (r *contextRepo) Get(ctx context.Context, workflowID string) (*workflow.SharedContext, error) {
	var m contextModel
	if err := r.db.WithContext(ctx).First(&m, "workflow_id = ?", workflowID).Error; err != nil {
		return nil, notFound(err, "context for %q not found", workflowID)
	}
	return m.toDomain(), nil
}

// Save writes the context only if the presented version is still the
// stored one. The conditional UPDATE is the optimistic guard; zero rows
// affected means another writer got there first.
func (r *contextRepo) Save(ctx context.Context, sc *workflow.SharedContext) error {
	row := contextRow(sc)
	row.Version = sc.Version + 1
	res := r.db.WithContext(ctx).
		Model(&contextModel{}).
		Where("workflow_id = ? AND version = ?", sc.WorkflowID, sc.Version).
		Select("*").
		Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).
			Model(&contextModel{}).
			Where("workflow_id = ?", sc.WorkflowID).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return types.NewErrorf(types.ErrNotFound, "context for %q not found", sc.WorkflowID)
		}
		return types.NewErrorf(types.ErrVersionConflict, "context version %d is stale", sc.Version)
	}
	sc.Version++
	return nil
}
