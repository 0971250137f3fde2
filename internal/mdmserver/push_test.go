package mdmserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"

	"github.com/asaskevich/EventBus"
	"github.com/hideaway-io/hideaway/config"
)

func newPushFixture(t *testing.T, relayURL string, maxAttempts int) (*PushNotifier, *gatewayFixture) {
	t.Helper()
	f := newGateway(t)
	cfg := config.PushConfig{
		ServiceURL:  relayURL,
		Username:    "hideaway",
		Password:    "secret",
		MaxAttempts: maxAttempts,
		Workers:     2,
	}
	p, err := NewPushNotifier(cfg, f.reg, f.orch, EventBus.New())
	if err != nil {
		t.Fatalf("NewPushNotifier: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, f
}

func TestPushNotifySendsToRelay(t *testing.T) {
	var hits int32
	var gotPath, gotAuth string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer relay.Close()

	p, f := newPushFixture(t, relay.URL, 1)
	f.enrollDevice(t, "UDID-1")
	dev, _ := f.reg.GetByUdid(context.Background(), "UDID-1")
	cmd, err := f.orch.SubmitIntent(context.Background(), dev.ID, mdm.Intent{BlockedApps: []string{"com.instagram.app"}})
	if err != nil {
		t.Fatal(err)
	}

	p.notify("UDID-1", cmd.Seq)

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("relay hit %d times, want 1", hits)
	}
	if gotPath != "/v1/push/UDID-1" {
		t.Errorf("relay path %q", gotPath)
	}
	if gotAuth == "" {
		t.Error("relay request missing authorization")
	}

	// Successful push leaves the command queued for the next check-in.
	out, err := f.orch.NextCommandFor(context.Background(), dev.ID)
	if err != nil || out == nil {
		t.Fatalf("command missing after push: %v", err)
	}
}

func TestPushExhaustionFailsCommand(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer relay.Close()

	p, f := newPushFixture(t, relay.URL, 1)
	f.enrollDevice(t, "UDID-1")
	dev, _ := f.reg.GetByUdid(context.Background(), "UDID-1")
	cmd, err := f.orch.SubmitIntent(context.Background(), dev.ID, mdm.Intent{BlockedApps: []string{"com.instagram.app"}})
	if err != nil {
		t.Fatal(err)
	}

	p.notify("UDID-1", cmd.Seq)

	history, err := f.orch.CommandsFor(context.Background(), dev.ID, 1)
	if err != nil || len(history) == 0 {
		t.Fatalf("command history unavailable: %v", err)
	}
	if history[0].Status != domain.CommandFailed {
		t.Errorf("status %q, want failed after exhausted push", history[0].Status)
	}
	if history[0].LastError == "" {
		t.Error("exhaustion detail not recorded")
	}
}
