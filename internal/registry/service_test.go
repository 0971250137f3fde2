package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
)

func newTestService() (*Service, *MemoryDeviceRepository, *MemoryEventRepository) {
	devices := NewMemoryDeviceRepository()
	events := NewMemoryEventRepository()
	return NewService(devices, events), devices, events
}

func TestEnrollCreatesDevice(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	dev, err := s.Enroll(ctx, "UDID-1", "SER-1", "iPhone", "fp-1", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if dev.EnrollStatus != domain.DeviceEnrolled {
		t.Errorf("status %q, want enrolled", dev.EnrollStatus)
	}

	got, err := s.GetByUdid(ctx, "UDID-1")
	if err != nil {
		t.Fatalf("GetByUdid: %v", err)
	}
	if got.CertFingerprint != "fp-1" {
		t.Errorf("fingerprint %q", got.CertFingerprint)
	}
}

func TestReEnrollRebindsCertificate(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	first, _ := s.Enroll(ctx, "UDID-1", "SER-1", "iPhone", "fp-1", time.Now().Add(time.Hour))
	if err := s.Revoke(ctx, first.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	second, err := s.Enroll(ctx, "UDID-1", "", "", "fp-2", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("re-Enroll: %v", err)
	}
	if second.ID != first.ID {
		t.Error("re-enroll created a second device row")
	}
	if second.EnrollStatus != domain.DeviceEnrolled || second.CertFingerprint != "fp-2" {
		t.Errorf("re-enroll state: %+v", second)
	}
}

func TestUpsertCheckinUnknownDevice(t *testing.T) {
	s, devices, _ := newTestService()

	_, err := s.UpsertCheckin(context.Background(), "GHOST", "", time.Now())
	if !errors.Is(err, mdm.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	// No record may be created for an unknown identity.
	if _, _, err := devices.List(context.Background(), nil, 1, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := devices.GetByUdid(context.Background(), "GHOST"); err == nil {
		t.Fatal("device record was created for unknown identity")
	}
}

func TestUpsertCheckinOutOfOrder(t *testing.T) {
	s, _, events := newTestService()
	ctx := context.Background()

	dev, _ := s.Enroll(ctx, "UDID-1", "", "", "fp-1", time.Now().Add(time.Hour))

	newer := time.Now()
	older := newer.Add(-time.Minute)

	if _, err := s.UpsertCheckin(ctx, "UDID-1", `{"blocked_apps":["com.a.app"]}`, newer); err != nil {
		t.Fatalf("UpsertCheckin: %v", err)
	}
	if _, err := s.UpsertCheckin(ctx, "UDID-1", `{"blocked_apps":["com.stale.app"]}`, older); err != nil {
		t.Fatalf("stale UpsertCheckin: %v", err)
	}

	got, _ := s.Get(ctx, dev.ID)
	if got.LastAckState != `{"blocked_apps":["com.a.app"]}` {
		t.Errorf("stale check-in overwrote acknowledged state: %q", got.LastAckState)
	}
	if !got.LastCheckinAt.Equal(newer) {
		t.Errorf("stale check-in moved last_checkin_at backwards")
	}

	// The stale check-in must still leave an audit record.
	evs, _ := events.ListByDevice(ctx, dev.ID, 10)
	found := false
	for _, ev := range evs {
		if ev.EventType == "stale_checkin" {
			found = true
		}
	}
	if !found {
		t.Error("no stale_checkin audit event recorded")
	}
}

func TestRevokeIdempotent(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	dev, _ := s.Enroll(ctx, "UDID-1", "", "", "fp-1", time.Now().Add(time.Hour))

	if err := s.Revoke(ctx, dev.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := s.Revoke(ctx, dev.ID); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if err := s.Revoke(ctx, 424242); err != nil {
		t.Fatalf("Revoke unknown device: %v", err)
	}

	got, _ := s.Get(ctx, dev.ID)
	if got.EnrollStatus != domain.DeviceRevoked {
		t.Errorf("status %q, want revoked", got.EnrollStatus)
	}
}

func TestSetAcknowledgedState(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	dev, _ := s.Enroll(ctx, "UDID-1", "", "", "fp-1", time.Now().Add(time.Hour))
	if err := s.SetAcknowledgedState(ctx, dev.ID, `{"blocked_apps":["com.example.app"]}`, 7); err != nil {
		t.Fatalf("SetAcknowledgedState: %v", err)
	}

	got, _ := s.Get(ctx, dev.ID)
	if got.LastAckSeq != 7 {
		t.Errorf("last_ack_seq %d", got.LastAckSeq)
	}
	if got.LastAckState == "" {
		t.Error("last_ack_state not stored")
	}
}

func TestListClampsPage(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		udid := "UDID-" + string(rune('A'+i))
		if _, err := s.Enroll(ctx, udid, "", "", "fp-"+udid, time.Now().Add(time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	// A zero or negative page reads as the first page.
	devs, total, err := s.List(ctx, nil, 0, 2)
	if err != nil {
		t.Fatalf("List page 0: %v", err)
	}
	if total != 3 {
		t.Errorf("total %d, want 3", total)
	}
	if len(devs) != 2 {
		t.Errorf("page size %d, want 2", len(devs))
	}

	devs, _, err = s.List(ctx, nil, -1, 2)
	if err != nil {
		t.Fatalf("List page -1: %v", err)
	}
	if len(devs) != 2 {
		t.Errorf("page size %d, want 2", len(devs))
	}

	// Past the last page is empty, not an error.
	devs, _, err = s.List(ctx, nil, 5, 2)
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(devs) != 0 {
		t.Errorf("got %d devices past the end", len(devs))
	}
}
