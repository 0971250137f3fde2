// Package mdmserver is the device-facing gateway: enrollment handshake,
// periodic check-in and command result reporting. Every post-enrollment
// route authenticates the client certificate before touching state.
package mdmserver

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hideaway-io/hideaway/config"
	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/identity"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/orchestrator"
	"github.com/hideaway-io/hideaway/internal/profile"
	"github.com/hideaway-io/hideaway/internal/registry"
	"github.com/hideaway-io/hideaway/pkg/metrics"
)

const (
	profileContentType = "application/x-apple-aspen-config"

	headerIdentityCert    = "X-Identity-Cert"
	headerCommandSeq      = "X-Command-Seq"
	headerBundleUUID      = "X-Bundle-UUID"
	headerSignature       = "X-Bundle-Signature"
	headerCheckinInterval = "X-Checkin-Interval"

	defaultCheckinIntervalSecs = 300
)

// SettingsReader exposes runtime tunables stored in sys_config.
type SettingsReader interface {
	GetSettingsInt64Value(category, key string) int64
}

// Server hosts the device protocol endpoints on its own listener,
// separate from the operator API.
type Server struct {
	cfg      *config.AppConfig
	identity *identity.Store
	registry *registry.Service
	orch     *orchestrator.Service
	builder  *profile.Builder
	settings SettingsReader
	root     *echo.Echo
}

func NewServer(cfg *config.AppConfig, ids *identity.Store, reg *registry.Service, orch *orchestrator.Service, builder *profile.Builder, settings SettingsReader) *Server {
	s := &Server{cfg: cfg, identity: ids, registry: reg, orch: orch, builder: builder, settings: settings}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.POST("/mdm/enroll", s.handleEnroll)
	e.POST("/mdm/identity", s.handleIdentity)
	e.PUT("/mdm/checkin", s.handleCheckin)
	e.PUT("/mdm/report", s.handleReport)

	s.root = e
	return s
}

// Start blocks serving the device gateway.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Mdm.Host, s.cfg.Mdm.Port)
	zap.S().Infof("mdm gateway listening on %s", addr)
	return s.root.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

type enrollRequest struct {
	Udid       string `json:"udid"`
	DeviceName string `json:"device_name"`
}

// handleEnroll opens an enrollment session and returns the enrollment
// profile carrying the one-time challenge.
func (s *Server) handleEnroll(c echo.Context) error {
	var req enrollRequest
	if err := c.Bind(&req); err != nil || req.Udid == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	sess, err := s.identity.BeginSession(c.Request().Context(), req.Udid)
	if err != nil {
		zap.L().Error("enrollment session failed", zap.String("udid", req.Udid), zap.Error(err))
		return c.NoContent(http.StatusInternalServerError)
	}

	body, err := s.builder.BuildEnrollmentProfile(profile.EnrollmentParams{
		DeviceName: req.DeviceName,
		ServerURL:  s.cfg.Mdm.ServerURL,
		ScepURL:    s.cfg.Mdm.ServerURL + "/scep",
		Challenge:  sess.Challenge,
		Topic:      s.cfg.Mdm.Topic,
	})
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}

	metrics.IncrCounter("mdm_enroll_started", 1)
	return c.Blob(http.StatusOK, profileContentType, body)
}

type identityRequest struct {
	Udid         string `json:"udid"`
	SerialNumber string `json:"serial_number"`
	DeviceName   string `json:"device_name"`
	Challenge    string `json:"challenge"`
	Csr          string `json:"csr"` // base64 DER PKCS#10
}

// handleIdentity completes the handshake: challenge plus CSR in,
// signed device certificate out.
func (s *Server) handleIdentity(c echo.Context) error {
	var req identityRequest
	if err := c.Bind(&req); err != nil || req.Udid == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	csr, err := base64.StdEncoding.DecodeString(req.Csr)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	certDER, dev, err := s.identity.Issue(c.Request().Context(), identity.EnrollmentRequest{
		Udid:         req.Udid,
		SerialNumber: req.SerialNumber,
		DeviceName:   req.DeviceName,
		Challenge:    req.Challenge,
		CSR:          csr,
	})
	switch {
	case errors.Is(err, mdm.ErrUntrustedRequest):
		return c.NoContent(http.StatusUnauthorized)
	case errors.Is(err, mdm.ErrExpiredSession):
		return c.NoContent(http.StatusGone)
	case err != nil:
		zap.L().Error("certificate issuance failed", zap.String("udid", req.Udid), zap.Error(err))
		return c.NoContent(http.StatusInternalServerError)
	}

	metrics.IncrCounter("mdm_enroll_completed", 1)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"certificate": base64.StdEncoding.EncodeToString(certDER),
		"device_id":   fmt.Sprintf("%d", dev.ID),
	})
}

type checkinRequest struct {
	ReportedState string `json:"reported_state"`
	Timestamp     string `json:"timestamp"`
}

// handleCheckin authenticates the device, records its reported state and
// serves the outstanding command bundle if any. 204 means nothing to do.
func (s *Server) handleCheckin(c echo.Context) error {
	sess := newCheckinSession()
	dev, err := s.authenticate(c, sess)
	if err != nil {
		return c.NoContent(http.StatusUnauthorized)
	}

	var req checkinRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	ts := time.Now()
	if req.Timestamp != "" {
		if parsed, err := dateparse.ParseAny(req.Timestamp); err == nil {
			ts = parsed
		}
	}

	ctx := c.Request().Context()
	if _, err := s.registry.UpsertCheckin(ctx, dev.Udid, req.ReportedState, ts); err != nil {
		if errors.Is(err, mdm.ErrUnknownDevice) {
			return c.NoContent(http.StatusUnauthorized)
		}
		return c.NoContent(http.StatusInternalServerError)
	}
	if err := sess.requestCommand(); err != nil {
		return c.NoContent(http.StatusConflict)
	}

	cmd, err := s.orch.NextCommandFor(ctx, dev.ID)
	if err != nil {
		zap.L().Error("command lookup failed", zap.String("udid", dev.Udid), zap.Error(err))
		return c.NoContent(http.StatusInternalServerError)
	}
	c.Response().Header().Set(headerCheckinInterval, fmt.Sprintf("%d", s.checkinInterval()))
	if cmd == nil {
		_ = sess.idle()
		metrics.IncrCounter("mdm_checkin_idle", 1)
		return c.NoContent(http.StatusNoContent)
	}
	if err := sess.serveCommand(cmd.Seq); err != nil {
		return c.NoContent(http.StatusConflict)
	}

	metrics.IncrCounter("mdm_checkin_served", 1)
	c.Response().Header().Set(headerCommandSeq, fmt.Sprintf("%d", cmd.Seq))
	c.Response().Header().Set(headerBundleUUID, cmd.BundleUUID)
	if len(cmd.Signature) > 0 {
		c.Response().Header().Set(headerSignature, base64.StdEncoding.EncodeToString(cmd.Signature))
	}
	return c.Blob(http.StatusOK, profileContentType, cmd.Payload)
}

type reportRequest struct {
	CommandSeq int64  `json:"command_seq"`
	Success    bool   `json:"success"`
	ErrorChain string `json:"error_chain"`
}

// handleReport records a device's command result.
func (s *Server) handleReport(c echo.Context) error {
	sess := newCheckinSession()
	dev, err := s.authenticate(c, sess)
	if err != nil {
		return c.NoContent(http.StatusUnauthorized)
	}

	var req reportRequest
	if err := c.Bind(&req); err != nil || req.CommandSeq <= 0 {
		return c.NoContent(http.StatusBadRequest)
	}

	err = s.orch.OnAck(c.Request().Context(), dev.ID, req.CommandSeq, orchestrator.AckResult{
		Success:    req.Success,
		ErrorChain: req.ErrorChain,
	})
	var pre *mdm.ProtocolRejectionError
	if errors.As(err, &pre) {
		return c.NoContent(http.StatusConflict)
	}
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}

	eventType := "ack"
	if !req.Success {
		eventType = "nack"
	}
	s.registry.RecordEvent(c.Request().Context(), dev, eventType, req.ErrorChain)
	return c.NoContent(http.StatusOK)
}

// authenticate extracts and verifies the client certificate. Prefers the
// mutual-TLS peer certificate, falls back to the PEM header used behind
// TLS-terminating proxies.
func (s *Server) authenticate(c echo.Context, sess *checkinSession) (*domain.Device, error) {
	certDER, err := certFromRequest(c)
	if err != nil {
		metrics.IncrCounter("mdm_auth_rejected", 1)
		return nil, err
	}
	dev, err := s.identity.Verify(c.Request().Context(), certDER)
	if err != nil {
		metrics.IncrCounter("mdm_auth_rejected", 1)
		return nil, err
	}
	if err := sess.authenticate(dev); err != nil {
		return nil, err
	}
	return sess.device(), nil
}

// checkinInterval is the pacing hint returned with every check-in,
// tunable at runtime through sys_config.
func (s *Server) checkinInterval() int64 {
	if s.settings != nil {
		if v := s.settings.GetSettingsInt64Value("mdm", "CheckinIntervalSecs"); v > 0 {
			return v
		}
	}
	return defaultCheckinIntervalSecs
}

func certFromRequest(c echo.Context) ([]byte, error) {
	if tls := c.Request().TLS; tls != nil && len(tls.PeerCertificates) > 0 {
		return tls.PeerCertificates[0].Raw, nil
	}
	raw := c.Request().Header.Get(headerIdentityCert)
	if raw == "" {
		return nil, mdm.ErrUntrustedClient
	}
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, mdm.ErrUntrustedClient
	}
	return der, nil
}
