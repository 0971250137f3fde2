package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hideaway-io/hideaway/internal/domain"
	"gorm.io/gorm"
)

// MemoryDeviceRepository is an in-memory DeviceRepository used by tests
// and by the standalone development mode. It mirrors the gorm
// implementation's not-found semantics.
type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[int64]*domain.Device
}

func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{devices: make(map[int64]*domain.Device)}
}

func (r *MemoryDeviceRepository) Create(_ context.Context, dev *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *dev
	r.devices[dev.ID] = &cp
	return nil
}

func (r *MemoryDeviceRepository) Update(_ context.Context, dev *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *dev
	r.devices[dev.ID] = &cp
	return nil
}

func (r *MemoryDeviceRepository) Updates(_ context.Context, id int64, values map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range values {
		switch k {
		case "last_checkin_at":
			dev.LastCheckinAt = v.(time.Time)
		case "last_ack_state":
			dev.LastAckState = v.(string)
		case "last_ack_seq":
			dev.LastAckSeq = v.(int64)
		case "enroll_status":
			dev.EnrollStatus = v.(string)
		case "updated_at":
			dev.UpdatedAt = v.(time.Time)
		}
	}
	return nil
}

func (r *MemoryDeviceRepository) GetByID(_ context.Context, id int64) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *dev
	return &cp, nil
}

func (r *MemoryDeviceRepository) GetByUdid(_ context.Context, udid string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dev := range r.devices {
		if dev.Udid == udid {
			cp := *dev
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryDeviceRepository) GetByFingerprint(_ context.Context, fp string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dev := range r.devices {
		if dev.CertFingerprint == fp {
			cp := *dev
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryDeviceRepository) List(_ context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Device, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*domain.Device
	for _, dev := range r.devices {
		if status, ok := filter["enroll_status"]; ok && status != "" && dev.EnrollStatus != status {
			continue
		}
		cp := *dev
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// MemoryEventRepository is an in-memory EventRepository.
type MemoryEventRepository struct {
	mu     sync.RWMutex
	events []*domain.DeviceEvent
}

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{}
}

func (r *MemoryEventRepository) Append(_ context.Context, ev *domain.DeviceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *MemoryEventRepository) ListByDevice(_ context.Context, deviceID int64, limit int) ([]*domain.DeviceEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.DeviceEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].DeviceID == deviceID {
			cp := *r.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
