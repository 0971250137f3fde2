package identity

import (
	"context"
	"sync"
	"time"

	"github.com/hideaway-io/hideaway/internal/domain"
	"gorm.io/gorm"
)

// SessionRepository handles database operations for enrollment sessions.
type SessionRepository interface {
	// Create inserts a new enrollment session
	Create(ctx context.Context, sess *domain.EnrollSession) error

	// GetPendingByUdid retrieves the newest pending session for a UDID
	GetPendingByUdid(ctx context.Context, udid string) (*domain.EnrollSession, error)

	// UpdateStatus transitions a session's status
	UpdateStatus(ctx context.Context, id int64, status string) error

	// ExpirePending marks every pending session past cutoff as expired
	// and returns how many rows changed
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// GormSessionRepository is the GORM implementation of SessionRepository
type GormSessionRepository struct {
	DB *gorm.DB
}

func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{DB: db}
}

func (r *GormSessionRepository) Create(ctx context.Context, sess *domain.EnrollSession) error {
	return r.DB.WithContext(ctx).Create(sess).Error
}

func (r *GormSessionRepository) GetPendingByUdid(ctx context.Context, udid string) (*domain.EnrollSession, error) {
	var sess domain.EnrollSession
	err := r.DB.WithContext(ctx).
		Where("udid = ? AND status = ?", udid, domain.SessionPending).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *GormSessionRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.DB.WithContext(ctx).
		Model(&domain.EnrollSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormSessionRepository) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).
		Model(&domain.EnrollSession{}).
		Where("status = ? AND expires_at < ?", domain.SessionPending, cutoff).
		Updates(map[string]interface{}{
			"status":     domain.SessionExpired,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// MemorySessionRepository is an in-memory SessionRepository for tests
// and the standalone development mode.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[int64]*domain.EnrollSession
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[int64]*domain.EnrollSession)}
}

func (r *MemorySessionRepository) Create(_ context.Context, sess *domain.EnrollSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sess
	r.sessions[sess.ID] = &cp
	return nil
}

func (r *MemorySessionRepository) GetPendingByUdid(_ context.Context, udid string) (*domain.EnrollSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var newest *domain.EnrollSession
	for _, sess := range r.sessions {
		if sess.Udid != udid || sess.Status != domain.SessionPending {
			continue
		}
		if newest == nil || sess.CreatedAt.After(newest.CreatedAt) {
			newest = sess
		}
	}
	if newest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *MemorySessionRepository) UpdateStatus(_ context.Context, id int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySessionRepository) ExpirePending(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, sess := range r.sessions {
		if sess.Status == domain.SessionPending && sess.ExpiresAt.Before(cutoff) {
			sess.Status = domain.SessionExpired
			n++
		}
	}
	return n, nil
}
