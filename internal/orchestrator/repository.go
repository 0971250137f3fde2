package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hideaway-io/hideaway/internal/domain"
	"gorm.io/gorm"
)

// CommandRepository handles database operations for command records.
type CommandRepository interface {
	// Create inserts a new command
	Create(ctx context.Context, cmd *domain.Command) error

	// GetOutstanding retrieves the device's single queued-or-delivered
	// command, nil when there is none
	GetOutstanding(ctx context.Context, deviceID int64) (*domain.Command, error)

	// GetBySeq retrieves a command by device and sequence
	GetBySeq(ctx context.Context, deviceID, seq int64) (*domain.Command, error)

	// MaxSeq returns the highest sequence issued for a device
	MaxSeq(ctx context.Context, deviceID int64) (int64, error)

	// UpdateStatus transitions a command's status and error detail
	UpdateStatus(ctx context.Context, id int64, status, lastError string) error

	// ListByDevice retrieves a device's commands, newest first
	ListByDevice(ctx context.Context, deviceID int64, limit int) ([]*domain.Command, error)
}

// GormCommandRepository is the GORM implementation of CommandRepository
type GormCommandRepository struct {
	DB *gorm.DB
}

func NewGormCommandRepository(db *gorm.DB) *GormCommandRepository {
	return &GormCommandRepository{DB: db}
}

func (r *GormCommandRepository) Create(ctx context.Context, cmd *domain.Command) error {
	return r.DB.WithContext(ctx).Create(cmd).Error
}

func (r *GormCommandRepository) GetOutstanding(ctx context.Context, deviceID int64) (*domain.Command, error) {
	var cmd domain.Command
	err := r.DB.WithContext(ctx).
		Where("device_id = ? AND status IN ?", deviceID, []string{domain.CommandQueued, domain.CommandDelivered}).
		Order("seq DESC").
		First(&cmd).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (r *GormCommandRepository) GetBySeq(ctx context.Context, deviceID, seq int64) (*domain.Command, error) {
	var cmd domain.Command
	err := r.DB.WithContext(ctx).
		Where("device_id = ? AND seq = ?", deviceID, seq).
		First(&cmd).Error
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (r *GormCommandRepository) MaxSeq(ctx context.Context, deviceID int64) (int64, error) {
	var max int64
	err := r.DB.WithContext(ctx).
		Model(&domain.Command{}).
		Where("device_id = ?", deviceID).
		Select("COALESCE(MAX(seq),0)").
		Scan(&max).Error
	return max, err
}

func (r *GormCommandRepository) UpdateStatus(ctx context.Context, id int64, status, lastError string) error {
	return r.DB.WithContext(ctx).
		Model(&domain.Command{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"last_error":    lastError,
			"transition_at": time.Now(),
		}).Error
}

func (r *GormCommandRepository) ListByDevice(ctx context.Context, deviceID int64, limit int) ([]*domain.Command, error) {
	var cmds []*domain.Command
	err := r.DB.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("seq DESC").
		Limit(limit).
		Find(&cmds).Error
	return cmds, err
}

// MemoryCommandRepository is an in-memory CommandRepository for tests
// and the standalone development mode.
type MemoryCommandRepository struct {
	mu   sync.RWMutex
	cmds map[int64]*domain.Command
}

func NewMemoryCommandRepository() *MemoryCommandRepository {
	return &MemoryCommandRepository{cmds: make(map[int64]*domain.Command)}
}

func (r *MemoryCommandRepository) Create(_ context.Context, cmd *domain.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cmd
	r.cmds[cmd.ID] = &cp
	return nil
}

func (r *MemoryCommandRepository) GetOutstanding(_ context.Context, deviceID int64) (*domain.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out *domain.Command
	for _, cmd := range r.cmds {
		if cmd.DeviceID != deviceID || !cmd.Outstanding() {
			continue
		}
		if out == nil || cmd.Seq > out.Seq {
			out = cmd
		}
	}
	if out == nil {
		return nil, nil
	}
	cp := *out
	return &cp, nil
}

func (r *MemoryCommandRepository) GetBySeq(_ context.Context, deviceID, seq int64) (*domain.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cmd := range r.cmds {
		if cmd.DeviceID == deviceID && cmd.Seq == seq {
			cp := *cmd
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryCommandRepository) MaxSeq(_ context.Context, deviceID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max int64
	for _, cmd := range r.cmds {
		if cmd.DeviceID == deviceID && cmd.Seq > max {
			max = cmd.Seq
		}
	}
	return max, nil
}

func (r *MemoryCommandRepository) UpdateStatus(_ context.Context, id int64, status, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.cmds[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	cmd.Status = status
	cmd.LastError = lastError
	cmd.TransitionAt = time.Now()
	return nil
}

func (r *MemoryCommandRepository) ListByDevice(_ context.Context, deviceID int64, limit int) ([]*domain.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Command
	for _, cmd := range r.cmds {
		if cmd.DeviceID == deviceID {
			cp := *cmd
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
