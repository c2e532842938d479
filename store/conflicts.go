package store

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/collabflow/internal/database"
	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

type inputRepo struct{ db *gorm.DB }

func (r *inputRepo) Save(ctx context.Context, in *workflow.BufferedInput) error {
	return r.db.WithContext(ctx).Create(inputRow(in)).Error
}

func (r *inputRepo) Get(ctx context.Context, id string) (*workflow.BufferedInput, error) {
	var m inputModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "input %q not found", id)
	}
	return m.toDomain(), nil
}

func (r *inputRepo) Update(ctx context.Context, in *workflow.BufferedInput) error {
	res := r.db.WithContext(ctx).
		Model(&inputModel{}).
		Where("id = ?", in.ID).
		Select("*").
		Updates(inputRow(in))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "input %q not found", in.ID)
	}
	return nil
}

func (r *inputRepo) ListOpenByField(ctx context.Context, workflowID, field string) ([]*workflow.BufferedInput, error) {
	var rows []inputModel
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND field = ? AND is_applied = ? AND conflict_id = ''", workflowID, field, false).
		Order("submitted_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return inputsToDomain(rows), nil
}

func (r *inputRepo) ListUnapplied(ctx context.Context, workflowID string) ([]*workflow.BufferedInput, error) {
	var rows []inputModel
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND is_applied = ?", workflowID, false).
		Order("submitted_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return inputsToDomain(rows), nil
}

func inputsToDomain(rows []inputModel) []*workflow.BufferedInput {
	out := make([]*workflow.BufferedInput, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}

type conflictRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// CreateWithInputs claims every source input and inserts the conflict in
// one transaction. Claiming is a conditional UPDATE on conflict_id, so a
// racing detector that already took an input rolls the whole write back;
// the claim error is not retried, only transient database failures are.
func (r *conflictRepo) CreateWithInputs(ctx context.Context, c *workflow.Conflict, inputIDs []string) error {
	return database.Transact(ctx, r.db, r.logger, txMaxRetries, func(tx *gorm.DB) error {
		for _, id := range inputIDs {
			res := tx.Model(&inputModel{}).
				Where("id = ? AND conflict_id = ''", id).
				Update("conflict_id", c.ID)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				var n int64
				if err := tx.Model(&inputModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
					return err
				}
				if n == 0 {
					return types.NewErrorf(types.ErrNotFound, "input %q not found", id)
				}
				return types.NewErrorf(types.ErrVersionConflict, "input %q already claimed", id)
			}
		}
		return tx.Create(conflictRow(c)).Error
	})
}

func (r *conflictRepo) Get(ctx context.Context, id string) (*workflow.Conflict, error) {
	var m conflictModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "conflict %q not found", id)
	}
	return m.toDomain(), nil
}

func (r *conflictRepo) Update(ctx context.Context, c *workflow.Conflict) error {
	res := r.db.WithContext(ctx).
		Model(&conflictModel{}).
		Where("id = ?", c.ID).
		Select("*").
		Updates(conflictRow(c))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "conflict %q not found", c.ID)
	}
	return nil
}

func (r *conflictRepo) ListPending(ctx context.Context, workflowID string) ([]*workflow.Conflict, error) {
	var rows []conflictModel
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", workflowID, string(workflow.ConflictStatusPending)).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return conflictsToDomain(rows), nil
}

func (r *conflictRepo) ListExpired(ctx context.Context, cutoff time.Time) ([]*workflow.Conflict, error) {
	var rows []conflictModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", string(workflow.ConflictStatusPending), cutoff).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return conflictsToDomain(rows), nil
}

func (r *conflictRepo) ListEscalatable(ctx context.Context, retryCap int) ([]*workflow.Conflict, error) {
	var rows []conflictModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND escalation_retries < ?", string(workflow.ConflictStatusPending), retryCap).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return conflictsToDomain(rows), nil
}

func conflictsToDomain(rows []conflictModel) []*workflow.Conflict {
	out := make([]*workflow.Conflict, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}
