package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"testing"
	"time"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/registry"
)

func newTestStore(t *testing.T, enrollWindow time.Duration) (*Store, *registry.Service) {
	t.Helper()
	ca, err := NewLocalCA("Hideaway Test Root", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewLocalCA: %v", err)
	}
	reg := registry.NewService(registry.NewMemoryDeviceRepository(), registry.NewMemoryEventRepository())
	return NewStore(NewMemorySessionRepository(), reg, ca, enrollWindow, 24*time.Hour), reg
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

func TestIssueAndVerify(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := s.BeginSession(ctx, "UDID-1")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	certDER, dev, err := s.Issue(ctx, EnrollmentRequest{
		Udid:      "UDID-1",
		Challenge: sess.Challenge,
		CSR:       makeCSR(t, "UDID-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if dev.EnrollStatus != domain.DeviceEnrolled {
		t.Errorf("device status %q", dev.EnrollStatus)
	}

	got, err := s.Verify(ctx, certDER)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Udid != "UDID-1" {
		t.Errorf("verified device %q", got.Udid)
	}
}

func TestIssueChallengeMismatch(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	if _, err := s.BeginSession(ctx, "UDID-1"); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.Issue(ctx, EnrollmentRequest{
		Udid:      "UDID-1",
		Challenge: "wrong",
		CSR:       makeCSR(t, "UDID-1"),
	})
	if !errors.Is(err, mdm.ErrUntrustedRequest) {
		t.Fatalf("expected ErrUntrustedRequest, got %v", err)
	}
}

func TestIssueNoSession(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	_, _, err := s.Issue(context.Background(), EnrollmentRequest{
		Udid:      "NOBODY",
		Challenge: "x",
		CSR:       makeCSR(t, "NOBODY"),
	})
	if !errors.Is(err, mdm.ErrUntrustedRequest) {
		t.Fatalf("expected ErrUntrustedRequest, got %v", err)
	}
}

func TestIssueExpiredSession(t *testing.T) {
	s, _ := newTestStore(t, -time.Second) // window already closed
	ctx := context.Background()

	sess, err := s.BeginSession(ctx, "UDID-1")
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.Issue(ctx, EnrollmentRequest{
		Udid:      "UDID-1",
		Challenge: sess.Challenge,
		CSR:       makeCSR(t, "UDID-1"),
	})
	if !errors.Is(err, mdm.ErrExpiredSession) {
		t.Fatalf("expected ErrExpiredSession, got %v", err)
	}
}

func TestVerifyRevokedDevice(t *testing.T) {
	s, reg := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, _ := s.BeginSession(ctx, "UDID-1")
	certDER, dev, err := s.Issue(ctx, EnrollmentRequest{
		Udid:      "UDID-1",
		Challenge: sess.Challenge,
		CSR:       makeCSR(t, "UDID-1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Revoke(ctx, dev.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Verify(ctx, certDER); !errors.Is(err, mdm.ErrUntrustedClient) {
		t.Fatalf("expected ErrUntrustedClient for revoked device, got %v", err)
	}
}

func TestVerifyForeignCertificate(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	// A certificate from a different authority must be rejected.
	foreign, err := NewLocalCA("Other Root", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	certDER, err := foreign.SignRequest(makeCSR(t, "UDID-1"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Verify(context.Background(), certDER); !errors.Is(err, mdm.ErrUntrustedClient) {
		t.Fatalf("expected ErrUntrustedClient, got %v", err)
	}
}

func TestExpireStaleSessions(t *testing.T) {
	s, _ := newTestStore(t, -time.Second)
	ctx := context.Background()

	if _, err := s.BeginSession(ctx, "UDID-1"); err != nil {
		t.Fatal(err)
	}
	n, err := s.ExpireStaleSessions(ctx)
	if err != nil {
		t.Fatalf("ExpireStaleSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d sessions, want 1", n)
	}
}
