package payout

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payments_service/internal/store"
)

var (
	ErrMethodNotFound  = errors.New("payout method not found")
	ErrRequestNotFound = errors.New("payout request not found")

	ErrDuplicateReference = errors.New("payout reference already in use")
)

type Repository interface {
	CreateMethod(ctx context.Context, m *Method) error
	// GetMethodForUpdate locks the method row until the transaction ends.
	GetMethodForUpdate(ctx context.Context, id string) (*Method, error)
	DeleteMethod(ctx context.Context, id string) error
	// CountOpenRequests counts pending or processing requests using the method.
	CountOpenRequests(ctx context.Context, methodID string) (int64, error)
	CreateRequest(ctx context.Context, r *Request) error
	GetRequestForUpdate(ctx context.Context, id string) (*Request, error)
	SaveRequest(ctx context.Context, r *Request) error
	ListRequests(ctx context.Context, userID string, limit, offset int) ([]Request, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreateMethod(ctx context.Context, m *Method) error {
	return store.Conn(ctx, r.db).Create(m).Error
}

func (r *GormRepository) GetMethodForUpdate(ctx context.Context, id string) (*Method, error) {
	var m Method
	err := store.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payout_method_id = ?", id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMethodNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *GormRepository) DeleteMethod(ctx context.Context, id string) error {
	result := store.Conn(ctx, r.db).Where("payout_method_id = ?", id).Delete(&Method{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMethodNotFound
	}
	return nil
}

func (r *GormRepository) CountOpenRequests(ctx context.Context, methodID string) (int64, error) {
	var n int64
	err := store.Conn(ctx, r.db).Model(&Request{}).
		Where("payout_method_id = ? AND status IN ?", methodID, []Status{StatusPending, StatusProcessing}).
		Count(&n).Error
	return n, err
}

func (r *GormRepository) CreateRequest(ctx context.Context, req *Request) error {
	err := store.Conn(ctx, r.db).Create(req).Error
	if store.IsUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func (r *GormRepository) GetRequestForUpdate(ctx context.Context, id string) (*Request, error) {
	var req Request
	err := store.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payout_request_id = ?", id).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (r *GormRepository) SaveRequest(ctx context.Context, req *Request) error {
	return store.Conn(ctx, r.db).Save(req).Error
}

func (r *GormRepository) ListRequests(ctx context.Context, userID string, limit, offset int) ([]Request, error) {
	var rows []Request
	q := store.Conn(ctx, r.db).Order("created_at DESC").Limit(limit).Offset(offset)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
