package mdmserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hideaway-io/hideaway/config"
	"github.com/hideaway-io/hideaway/internal/identity"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/orchestrator"
	"github.com/hideaway-io/hideaway/internal/profile"
	"github.com/hideaway-io/hideaway/internal/registry"
)

type gatewayFixture struct {
	server *Server
	ids    *identity.Store
	reg    *registry.Service
	orch   *orchestrator.Service
}

func newGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	ca, err := identity.NewLocalCA("Hideaway Test Root", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewLocalCA: %v", err)
	}
	reg := registry.NewService(registry.NewMemoryDeviceRepository(), registry.NewMemoryEventRepository())
	ids := identity.NewStore(identity.NewMemorySessionRepository(), reg, ca, time.Minute, 24*time.Hour)
	builder := profile.NewBuilder(nil, ca)
	orch := orchestrator.NewService(orchestrator.NewMemoryCommandRepository(), reg, builder, nil)
	cfg := config.DefaultAppConfig
	return &gatewayFixture{
		server: NewServer(cfg, ids, reg, orch, builder, nil),
		ids:    ids,
		reg:    reg,
		orch:   orch,
	}
}

func makeCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

// enrollDevice walks the full handshake and returns the issued
// certificate in the header encoding the gateway accepts.
func (f *gatewayFixture) enrollDevice(t *testing.T, udid string) string {
	t.Helper()
	sess, err := f.ids.BeginSession(context.Background(), udid)
	if err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`{"udid":%q,"challenge":%q,"csr":%q}`,
		udid, sess.Challenge, base64.StdEncoding.EncodeToString(makeCSR(t, udid)))
	rec := f.do(http.MethodPost, "/mdm/identity", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("identity handshake returned %d", rec.Code)
	}
	var resp struct {
		Certificate string `json:"certificate"`
	}
	decodeJSON(t, rec.Body.Bytes(), &resp)
	return resp.Certificate
}

func (f *gatewayFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.root.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := jsoniter.Unmarshal(data, v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestEnrollReturnsProfile(t *testing.T) {
	f := newGateway(t)

	rec := f.do(http.MethodPost, "/mdm/enroll", `{"udid":"UDID-1","device_name":"Kid iPhone"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll returned %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, profileContentType) {
		t.Errorf("content type %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("com.apple.mdm")) {
		t.Error("enrollment profile missing management payload")
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("com.apple.security.scep")) {
		t.Error("enrollment profile missing certificate payload")
	}
}

func TestIdentityHandshake(t *testing.T) {
	f := newGateway(t)

	cert := f.enrollDevice(t, "UDID-1")
	if cert == "" {
		t.Fatal("no certificate issued")
	}
	dev, err := f.reg.GetByUdid(context.Background(), "UDID-1")
	if err != nil {
		t.Fatalf("device not registered: %v", err)
	}
	if dev.EnrollStatus != "enrolled" {
		t.Errorf("device status %q", dev.EnrollStatus)
	}
}

func TestIdentityBadChallenge(t *testing.T) {
	f := newGateway(t)

	if _, err := f.ids.BeginSession(context.Background(), "UDID-1"); err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`{"udid":"UDID-1","challenge":"wrong","csr":%q}`,
		base64.StdEncoding.EncodeToString(makeCSR(t, "UDID-1")))
	rec := f.do(http.MethodPost, "/mdm/identity", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCheckinWithoutCertificate(t *testing.T) {
	f := newGateway(t)

	rec := f.do(http.MethodPut, "/mdm/checkin", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = f.do(http.MethodPut, "/mdm/checkin", `{}`, map[string]string{
		headerIdentityCert: "not-a-certificate",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage certificate, got %d", rec.Code)
	}
}

func TestCheckinServesAndRedelivers(t *testing.T) {
	f := newGateway(t)
	cert := f.enrollDevice(t, "UDID-1")
	dev, _ := f.reg.GetByUdid(context.Background(), "UDID-1")

	cmd, err := f.orch.SubmitIntent(context.Background(), dev.ID, mdm.Intent{BlockedApps: []string{"com.instagram.app"}})
	if err != nil {
		t.Fatal(err)
	}

	headers := map[string]string{headerIdentityCert: cert}
	rec := f.do(http.MethodPut, "/mdm/checkin", `{"timestamp":"2026-08-31T10:00:00Z"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkin returned %d", rec.Code)
	}
	if got := rec.Header().Get(headerBundleUUID); got != cmd.BundleUUID {
		t.Errorf("served bundle %q, want %q", got, cmd.BundleUUID)
	}
	firstBody := rec.Body.Bytes()

	// Device retries the same check-in: identical bundle, no regeneration.
	again := f.do(http.MethodPut, "/mdm/checkin", `{"timestamp":"2026-08-31T10:00:05Z"}`, headers)
	if again.Code != http.StatusOK {
		t.Fatalf("repeat checkin returned %d", again.Code)
	}
	if !bytes.Equal(again.Body.Bytes(), firstBody) {
		t.Error("redelivery changed the bundle bytes")
	}

	// Acknowledge, then the queue is empty.
	report := fmt.Sprintf(`{"command_seq":%d,"success":true}`, cmd.Seq)
	if rec := f.do(http.MethodPut, "/mdm/report", report, headers); rec.Code != http.StatusOK {
		t.Fatalf("report returned %d", rec.Code)
	}
	idle := f.do(http.MethodPut, "/mdm/checkin", `{}`, headers)
	if idle.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after ack, got %d", idle.Code)
	}

	fresh, _ := f.reg.Get(context.Background(), dev.ID)
	if fresh.LastAckSeq != cmd.Seq {
		t.Errorf("registry ack seq %d, want %d", fresh.LastAckSeq, cmd.Seq)
	}
}

type staticSettings struct {
	interval int64
}

func (s staticSettings) GetSettingsInt64Value(category, key string) int64 {
	if category == "mdm" && key == "CheckinIntervalSecs" {
		return s.interval
	}
	return 0
}

func TestCheckinIntervalHint(t *testing.T) {
	f := newGateway(t)
	cert := f.enrollDevice(t, "UDID-1")
	headers := map[string]string{headerIdentityCert: cert}

	// No settings source wired, the built-in default applies.
	rec := f.do(http.MethodPut, "/mdm/checkin", `{}`, headers)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("checkin returned %d", rec.Code)
	}
	if got := rec.Header().Get(headerCheckinInterval); got != "300" {
		t.Errorf("interval hint %q, want 300", got)
	}

	// A tuned CheckinIntervalSecs shows up on the next check-in.
	f.server.settings = staticSettings{interval: 120}
	rec = f.do(http.MethodPut, "/mdm/checkin", `{}`, headers)
	if got := rec.Header().Get(headerCheckinInterval); got != "120" {
		t.Errorf("interval hint %q, want 120", got)
	}
}

func TestReportUnknownCommand(t *testing.T) {
	f := newGateway(t)
	cert := f.enrollDevice(t, "UDID-1")

	rec := f.do(http.MethodPut, "/mdm/report", `{"command_seq":42,"success":true}`,
		map[string]string{headerIdentityCert: cert})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCheckinAfterRevocation(t *testing.T) {
	f := newGateway(t)
	cert := f.enrollDevice(t, "UDID-1")
	dev, _ := f.reg.GetByUdid(context.Background(), "UDID-1")

	if err := f.reg.Revoke(context.Background(), dev.ID); err != nil {
		t.Fatal(err)
	}
	rec := f.do(http.MethodPut, "/mdm/checkin", `{}`, map[string]string{headerIdentityCert: cert})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revocation, got %d", rec.Code)
	}
}
