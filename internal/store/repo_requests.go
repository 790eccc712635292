package store

import (
	"context"

	"gorm.io/gorm"
)

// RequestRepo persists per-dispatch telemetry rows and their optional
// payload archives.
type RequestRepo struct {
	db    *gorm.DB
	retry *retryer
}

// CreateMeta inserts the dispatch-start row, visible to readers before
// any terminal outcome is known.
func (r *RequestRepo) CreateMeta(ctx context.Context, req *Request) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Create(req).Error
	})
}

// Finalize atomically updates the terminal outcome fields.
func (r *RequestRepo) Finalize(ctx context.Context, id string, updates map[string]any) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Request{}).Where("id = ?", id).Updates(updates).Error
	})
}

func (r *RequestRepo) Get(ctx context.Context, id string) (*Request, error) {
	var req Request
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns recent requests, newest first, bounded by limit.
func (r *RequestRepo) List(ctx context.Context, limit int, offset int) ([]Request, error) {
	var reqs []Request
	q := r.db.WithContext(ctx).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

// SavePayload archives the request/response JSON, linked by id with
// cascade delete.
func (r *RequestRepo) SavePayload(ctx context.Context, p *RequestPayload) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Save(p).Error
	})
}

func (r *RequestRepo) GetPayload(ctx context.Context, requestID string) (*RequestPayload, error) {
	var p RequestPayload
	if err := r.db.WithContext(ctx).First(&p, "request_id = ?", requestID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
