package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

type approvalRepo struct{ db *gorm.DB }

func (r *approvalRepo) Create(ctx context.Context, req *workflow.ApprovalRequest) error {
	return r.db.WithContext(ctx).Create(approvalRow(req)).Error
}

func (r *approvalRepo) Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	var m approvalModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "approval %q not found", id)
	}
	return m.toDomain(), nil
}

// Update writes the request only under its optimistic version guard.
func (r *approvalRepo) Update(ctx context.Context, req *workflow.ApprovalRequest) error {
	row := approvalRow(req)
	row.Version = req.Version + 1
	res := r.db.WithContext(ctx).
		Model(&approvalModel{}).
		Where("id = ? AND version = ?", req.ID, req.Version).
		Select("*").
		Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).
			Model(&approvalModel{}).
			Where("id = ?", req.ID).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return types.NewErrorf(types.ErrNotFound, "approval %q not found", req.ID)
		}
		return types.NewErrorf(types.ErrVersionConflict, "approval version %d is stale", req.Version)
	}
	req.Version++
	return nil
}

func (r *approvalRepo) ListPending(ctx context.Context) ([]*workflow.ApprovalRequest, error) {
	var rows []approvalModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(workflow.ApprovalStatusPending)).
		Order("requested_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return approvalsToDomain(rows), nil
}

func (r *approvalRepo) ListPendingByWorkflow(ctx context.Context, workflowID string) ([]*workflow.ApprovalRequest, error) {
	var rows []approvalModel
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", workflowID, string(workflow.ApprovalStatusPending)).
		Order("requested_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return approvalsToDomain(rows), nil
}

func approvalsToDomain(rows []approvalModel) []*workflow.ApprovalRequest {
	out := make([]*workflow.ApprovalRequest, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}
