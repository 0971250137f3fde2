package registry

import (
	"context"

	"github.com/hideaway-io/hideaway/internal/domain"
	"gorm.io/gorm"
)

// DeviceRepository handles database operations for device records.
type DeviceRepository interface {
	// Create inserts a new device record
	Create(ctx context.Context, dev *domain.Device) error

	// Update persists the full device record
	Update(ctx context.Context, dev *domain.Device) error

	// Updates applies a partial column update by device ID
	Updates(ctx context.Context, id int64, values map[string]interface{}) error

	// GetByID retrieves a device by primary key
	GetByID(ctx context.Context, id int64) (*domain.Device, error)

	// GetByUdid retrieves a device by its UDID
	GetByUdid(ctx context.Context, udid string) (*domain.Device, error)

	// GetByFingerprint retrieves a device by certificate fingerprint
	GetByFingerprint(ctx context.Context, fp string) (*domain.Device, error)

	// List retrieves devices with pagination
	List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Device, int64, error)
}

// EventRepository handles the append-only device audit trail.
type EventRepository interface {
	// Append inserts an audit event
	Append(ctx context.Context, ev *domain.DeviceEvent) error

	// ListByDevice retrieves recent events for one device
	ListByDevice(ctx context.Context, deviceID int64, limit int) ([]*domain.DeviceEvent, error)
}

// GormDeviceRepository is the GORM implementation of DeviceRepository
type GormDeviceRepository struct {
	DB *gorm.DB
}

func NewGormDeviceRepository(db *gorm.DB) *GormDeviceRepository {
	return &GormDeviceRepository{DB: db}
}

func (r *GormDeviceRepository) Create(ctx context.Context, dev *domain.Device) error {
	return r.DB.WithContext(ctx).Create(dev).Error
}

func (r *GormDeviceRepository) Update(ctx context.Context, dev *domain.Device) error {
	return r.DB.WithContext(ctx).Save(dev).Error
}

func (r *GormDeviceRepository) Updates(ctx context.Context, id int64, values map[string]interface{}) error {
	return r.DB.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Updates(values).Error
}

func (r *GormDeviceRepository) GetByID(ctx context.Context, id int64) (*domain.Device, error) {
	var dev domain.Device
	err := r.DB.WithContext(ctx).First(&dev, id).Error
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (r *GormDeviceRepository) GetByUdid(ctx context.Context, udid string) (*domain.Device, error) {
	var dev domain.Device
	err := r.DB.WithContext(ctx).Where("udid = ?", udid).First(&dev).Error
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (r *GormDeviceRepository) GetByFingerprint(ctx context.Context, fp string) (*domain.Device, error) {
	var dev domain.Device
	err := r.DB.WithContext(ctx).Where("cert_fingerprint = ?", fp).First(&dev).Error
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (r *GormDeviceRepository) List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Device, int64, error) {
	var devices []*domain.Device
	var total int64

	query := r.DB.WithContext(ctx)
	for key, value := range filter {
		if value != nil && value != "" {
			query = query.Where(key+" = ?", value)
		}
	}

	if err := query.Model(&domain.Device{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&devices).Error

	return devices, total, err
}

// GormEventRepository is the GORM implementation of EventRepository
type GormEventRepository struct {
	DB *gorm.DB
}

func NewGormEventRepository(db *gorm.DB) *GormEventRepository {
	return &GormEventRepository{DB: db}
}

func (r *GormEventRepository) Append(ctx context.Context, ev *domain.DeviceEvent) error {
	return r.DB.WithContext(ctx).Create(ev).Error
}

func (r *GormEventRepository) ListByDevice(ctx context.Context, deviceID int64, limit int) ([]*domain.DeviceEvent, error) {
	var events []*domain.DeviceEvent
	err := r.DB.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("event_time DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
