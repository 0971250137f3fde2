// Package identity issues and tracks per-device identity certificates.
// It anchors trust for every later command channel: a device that cannot
// present a certificate traceable to the store's root gets nothing.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/registry"
	"github.com/hideaway-io/hideaway/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EnrollmentRequest is a certificate-signing request bound to a
// device-supplied challenge.
type EnrollmentRequest struct {
	Udid         string
	SerialNumber string
	DeviceName   string
	Challenge    string
	CSR          []byte // DER-encoded PKCS#10
}

// Store tracks enrollment sessions and certificate bookkeeping. Issuance
// cryptography is delegated to the Signer.
type Store struct {
	sessions     SessionRepository
	registry     *registry.Service
	signer       Signer
	enrollWindow time.Duration
	certValidity time.Duration
}

func NewStore(sessions SessionRepository, reg *registry.Service, signer Signer, enrollWindow, certValidity time.Duration) *Store {
	if enrollWindow <= 0 {
		enrollWindow = 15 * time.Minute
	}
	if certValidity <= 0 {
		certValidity = 365 * 24 * time.Hour
	}
	return &Store{
		sessions:     sessions,
		registry:     reg,
		signer:       signer,
		enrollWindow: enrollWindow,
		certValidity: certValidity,
	}
}

// BeginSession opens an enrollment window for a UDID and returns the
// one-time challenge the device must echo back in its signing request.
func (s *Store) BeginSession(ctx context.Context, udid string) (*domain.EnrollSession, error) {
	now := time.Now()
	sess := &domain.EnrollSession{
		ID:        common.UUIDint64(),
		Udid:      udid,
		Challenge: common.RandomHex(16),
		Status:    domain.SessionPending,
		ExpiresAt: now.Add(s.enrollWindow),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	zap.L().Info("enrollment session opened",
		zap.String("udid", udid),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Issue validates the challenge against the outstanding enrollment
// session, signs the request, and records the device as enrolled.
func (s *Store) Issue(ctx context.Context, req EnrollmentRequest) ([]byte, *domain.Device, error) {
	sess, err := s.sessions.GetPendingByUdid(ctx, req.Udid)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, mdm.ErrUntrustedRequest
	}
	if err != nil {
		return nil, nil, err
	}

	if time.Now().After(sess.ExpiresAt) {
		_ = s.sessions.UpdateStatus(ctx, sess.ID, domain.SessionExpired)
		return nil, nil, mdm.ErrExpiredSession
	}
	if subtle.ConstantTimeCompare([]byte(sess.Challenge), []byte(req.Challenge)) != 1 {
		zap.L().Warn("enrollment challenge mismatch", zap.String("udid", req.Udid))
		return nil, nil, mdm.ErrUntrustedRequest
	}

	certDER, err := s.signer.SignRequest(req.CSR, s.certValidity)
	if err != nil {
		return nil, nil, err
	}
	cert, err := s.signer.Verify(certDER)
	if err != nil {
		return nil, nil, err
	}

	dev, err := s.registry.Enroll(ctx, req.Udid, req.SerialNumber, req.DeviceName, Fingerprint(certDER), cert.NotAfter)
	if err != nil {
		return nil, nil, err
	}
	if err := s.sessions.UpdateStatus(ctx, sess.ID, domain.SessionCompleted); err != nil {
		zap.L().Warn("failed to close enrollment session", zap.Int64("session_id", sess.ID), zap.Error(err))
	}
	return certDER, dev, nil
}

// Verify authenticates a certificate presented on a protocol interaction.
// Fails closed: anything not traceable to the root, expired, unknown or
// revoked terminates the session.
func (s *Store) Verify(ctx context.Context, certDER []byte) (*domain.Device, error) {
	cert, err := s.signer.Verify(certDER)
	if err != nil {
		zap.L().Warn("certificate rejected", zap.Error(err))
		return nil, mdm.ErrUntrustedClient
	}
	if time.Now().After(cert.NotAfter) {
		return nil, mdm.ErrUntrustedClient
	}

	dev, err := s.registry.GetByFingerprint(ctx, Fingerprint(certDER))
	if errors.Is(err, mdm.ErrUnknownDevice) {
		// Chain verifies but no device carries this fingerprint: a
		// stale certificate from before a re-enrollment. Not trusted.
		return nil, mdm.ErrUntrustedClient
	}
	if err != nil {
		return nil, err
	}
	if dev.EnrollStatus != domain.DeviceEnrolled {
		return nil, mdm.ErrUntrustedClient
	}
	return dev, nil
}

// Revoke withdraws trust from a device. Idempotent.
func (s *Store) Revoke(ctx context.Context, deviceID int64) error {
	return s.registry.Revoke(ctx, deviceID)
}

// ExpireStaleSessions sweeps enrollment sessions past their window.
func (s *Store) ExpireStaleSessions(ctx context.Context) (int64, error) {
	return s.sessions.ExpirePending(ctx, time.Now())
}
