package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

type sessionRepo struct{ db *gorm.DB }

func (r *sessionRepo) Create(ctx context.Context, s *workflow.Session) error {
	return r.db.WithContext(ctx).Create(sessionRow(s)).Error
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*workflow.Session, error) {
	var m sessionModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "session %q not found", id)
	}
	return m.toDomain(), nil
}

// Update writes the session only under its optimistic version guard.
func (r *sessionRepo) Update(ctx context.Context, s *workflow.Session) error {
	row := sessionRow(s)
	row.Version = s.Version + 1
	res := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Select("*").
		Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).
			Model(&sessionModel{}).
			Where("id = ?", s.ID).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return types.NewErrorf(types.ErrNotFound, "session %q not found", s.ID)
		}
		return types.NewErrorf(types.ErrVersionConflict, "session version %d is stale", s.Version)
	}
	s.Version++
	return nil
}

func (r *sessionRepo) LatestActiveByUser(ctx context.Context, userID string) (*workflow.Session, error) {
	var m sessionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_activity_at DESC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "no active session for user %q", userID)
	}
	return m.toDomain(), nil
}
