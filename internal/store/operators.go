package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"

	"chatroute/internal/model"
)

func (s *Store) GetOperator(ctx context.Context, id string) (model.Operator, error) {
	var op model.Operator
	err := s.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if err != nil {
		return model.Operator{}, notFoundOr(err, "get operator")
	}
	return op, nil
}

func (s *Store) ListOperators(ctx context.Context) ([]model.Operator, error) {
	var ops []model.Operator
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id asc").Find(&ops).Error
	if err != nil {
		return nil, errors.Wrap(err, "list operators")
	}
	return ops, nil
}

func (s *Store) UpsertOperator(ctx context.Context, op *model.Operator) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(op).Error
	if err != nil {
		return errors.Wrap(err, "upsert operator")
	}
	return nil
}
