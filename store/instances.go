package store

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/collabflow/internal/database"
	"github.com/BaSui01/collabflow/workflow"
)

type instanceRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

func (r *instanceRepo) Create(ctx context.Context, inst *workflow.Instance) error {
	return r.db.WithContext(ctx).Create(instanceRow(inst)).Error
}

func (r *instanceRepo) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	var m instanceModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "instance %q not found", id)
	}
	return m.toDomain(), nil
}

func (r *instanceRepo) Update(ctx context.Context, inst *workflow.Instance) error {
	res := r.db.WithContext(ctx).
		Model(&instanceModel{}).
		Where("id = ?", inst.ID).
		Select("*").
		Updates(instanceRow(inst))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "instance %q not found", inst.ID)
	}
	return nil
}

// UpdateWithHistory commits the instance mutation and the history row in
// one transaction, retrying transient database failures.
func (r *instanceRepo) UpdateWithHistory(ctx context.Context, inst *workflow.Instance, rec *workflow.StepHistory) error {
	return database.Transact(ctx, r.db, r.logger, txMaxRetries, func(tx *gorm.DB) error {
		res := tx.Model(&instanceModel{}).
			Where("id = ?", inst.ID).
			Select("*").
			Updates(instanceRow(inst))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(gorm.ErrRecordNotFound, "instance %q not found", inst.ID)
		}
		return tx.Create(historyRow(rec)).Error
	})
}

func (r *instanceRepo) AppendTransition(ctx context.Context, ev *workflow.TransitionEvent) error {
	return r.db.WithContext(ctx).Create(transitionRow(ev)).Error
}

func (r *instanceRepo) ListTransitions(ctx context.Context, workflowID string) ([]*workflow.TransitionEvent, error) {
	var rows []transitionModel
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.TransitionEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

type historyRepo struct{ db *gorm.DB }

func (r *historyRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*workflow.StepHistory, error) {
	var rows []historyModel
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("started_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.StepHistory, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}
