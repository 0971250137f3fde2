// Package registry is the durable record of every enrolled device. It is
// the only writer of device rows; all check-in driven mutation funnels
// through UpsertCheckin.
package registry

import (
	"errors"
	"time"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"context"
)

// Service owns device records and their audit trail.
type Service struct {
	devices DeviceRepository
	events  EventRepository
}

func NewService(devices DeviceRepository, events EventRepository) *Service {
	return &Service{devices: devices, events: events}
}

// Enroll records a successful enrollment handshake. Re-enrollment of a
// known UDID rebinds the identity certificate and reactivates the device;
// this is the only path that creates device rows.
func (s *Service) Enroll(ctx context.Context, udid, serial, name, fingerprint string, notAfter time.Time) (*domain.Device, error) {
	now := time.Now()

	dev, err := s.devices.GetByUdid(ctx, udid)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		dev = &domain.Device{
			ID:              common.UUIDint64(),
			Udid:            udid,
			SerialNumber:    serial,
			Name:            name,
			CertFingerprint: fingerprint,
			CertNotAfter:    notAfter,
			EnrollStatus:    domain.DeviceEnrolled,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.devices.Create(ctx, dev); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		dev.CertFingerprint = fingerprint
		dev.CertNotAfter = notAfter
		dev.EnrollStatus = domain.DeviceEnrolled
		dev.UpdatedAt = now
		if serial != "" {
			dev.SerialNumber = serial
		}
		if name != "" {
			dev.Name = name
		}
		if err := s.devices.Update(ctx, dev); err != nil {
			return nil, err
		}
	}

	s.appendEvent(ctx, dev, "enroll", "identity certificate bound")
	zap.L().Info("device enrolled",
		zap.String("udid", udid),
		zap.String("fingerprint", fingerprint))
	return dev, nil
}

// UpsertCheckin is the single mutation path for check-in driven state.
// Out-of-order delivery is safe: a check-in older than the stored one is
// recorded for audit but does not overwrite the acknowledged state.
func (s *Service) UpsertCheckin(ctx context.Context, udid string, reportedState string, ts time.Time) (*domain.Device, error) {
	dev, err := s.devices.GetByUdid(ctx, udid)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		zap.L().Warn("check-in from unknown device", zap.String("udid", udid))
		return nil, mdm.ErrUnknownDevice
	}
	if err != nil {
		return nil, err
	}

	if !dev.LastCheckinAt.IsZero() && ts.Before(dev.LastCheckinAt) {
		s.appendEvent(ctx, dev, "stale_checkin", "out-of-order check-in ignored for state")
		zap.L().Debug("stale check-in recorded",
			zap.String("udid", udid),
			zap.Time("reported", ts),
			zap.Time("stored", dev.LastCheckinAt))
		return dev, nil
	}

	values := map[string]interface{}{
		"last_checkin_at": ts,
		"updated_at":      time.Now(),
	}
	if reportedState != "" {
		values["last_ack_state"] = reportedState
		dev.LastAckState = reportedState
	}
	if err := s.devices.Updates(ctx, dev.ID, values); err != nil {
		return nil, err
	}
	dev.LastCheckinAt = ts

	s.appendEvent(ctx, dev, "checkin", "")
	return dev, nil
}

// SetAcknowledgedState records a command acknowledgment as the device's
// last applied restriction snapshot.
func (s *Service) SetAcknowledgedState(ctx context.Context, deviceID int64, stateJSON string, seq int64) error {
	return s.devices.Updates(ctx, deviceID, map[string]interface{}{
		"last_ack_state": stateJSON,
		"last_ack_seq":   seq,
		"updated_at":     time.Now(),
	})
}

// Get retrieves one device by ID.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Device, error) {
	dev, err := s.devices.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, mdm.ErrUnknownDevice
	}
	return dev, err
}

// GetByUdid retrieves one device by UDID.
func (s *Service) GetByUdid(ctx context.Context, udid string) (*domain.Device, error) {
	dev, err := s.devices.GetByUdid(ctx, udid)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, mdm.ErrUnknownDevice
	}
	return dev, err
}

// GetByFingerprint retrieves one device by certificate fingerprint.
func (s *Service) GetByFingerprint(ctx context.Context, fp string) (*domain.Device, error) {
	dev, err := s.devices.GetByFingerprint(ctx, fp)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, mdm.ErrUnknownDevice
	}
	return dev, err
}

// List retrieves devices with pagination.
func (s *Service) List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.Device, int64, error) {
	return s.devices.List(ctx, filter, page, pageSize)
}

// Revoke transitions a device to revoked. Idempotent: revoking a revoked
// or unknown device is a no-op, supporting retry-safe operator action.
func (s *Service) Revoke(ctx context.Context, deviceID int64) error {
	dev, err := s.devices.GetByID(ctx, deviceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if dev.EnrollStatus == domain.DeviceRevoked {
		return nil
	}

	if err := s.devices.Updates(ctx, dev.ID, map[string]interface{}{
		"enroll_status": domain.DeviceRevoked,
		"updated_at":    time.Now(),
	}); err != nil {
		return err
	}

	s.appendEvent(ctx, dev, "revoke", "trust withdrawn by operator")
	zap.L().Info("device revoked", zap.String("udid", dev.Udid))
	return nil
}

// Events retrieves the recent audit trail for one device.
func (s *Service) Events(ctx context.Context, deviceID int64, limit int) ([]*domain.DeviceEvent, error) {
	return s.events.ListByDevice(ctx, deviceID, limit)
}

// RecordEvent appends an audit event on behalf of another component.
func (s *Service) RecordEvent(ctx context.Context, dev *domain.Device, eventType, detail string) {
	s.appendEvent(ctx, dev, eventType, detail)
}

func (s *Service) appendEvent(ctx context.Context, dev *domain.Device, eventType, detail string) {
	ev := &domain.DeviceEvent{
		ID:        common.UUIDint64(),
		DeviceID:  dev.ID,
		Udid:      dev.Udid,
		EventType: eventType,
		Detail:    detail,
		EventTime: time.Now(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		zap.L().Warn("failed to append device event",
			zap.String("udid", dev.Udid),
			zap.String("event", eventType),
			zap.Error(err))
	}
}
