// Package orchestrator owns the command lifecycle. It is the only writer
// of command status, and it serializes all mutations per device so that
// a device never has two outstanding commands.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/profile"
	"github.com/hideaway-io/hideaway/internal/registry"
	"github.com/hideaway-io/hideaway/pkg/common"
	"github.com/hideaway-io/hideaway/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TopicCommandEnqueued is published with (udid string, seq int64) when a
// new command enters the queue. The push gateway subscribes to it.
const TopicCommandEnqueued = "mdm:command.enqueued"

// AckResult is a device-reported command outcome.
type AckResult struct {
	Success    bool
	ErrorChain string
}

// Service diffs operator intents against last-known device state and
// drives commands through queued/delivered/terminal transitions.
type Service struct {
	commands CommandRepository
	registry *registry.Service
	builder  *profile.Builder
	bus      EventBus.Bus

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewService(commands CommandRepository, reg *registry.Service, builder *profile.Builder, bus EventBus.Bus) *Service {
	return &Service{
		commands: commands,
		registry: reg,
		builder:  builder,
		bus:      bus,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// deviceLock returns the per-device mutex, the unit of mutual exclusion
// for one device's registry and command state.
func (s *Service) deviceLock(deviceID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	return l
}

// SubmitIntent diffs intent against the device's last acknowledged state
// and enqueues the minimal command. A nil command return means the delta
// was empty and nothing was enqueued. A new intent submitted while a
// prior command is outstanding supersedes it entirely.
func (s *Service) SubmitIntent(ctx context.Context, deviceID int64, intent mdm.Intent) (*domain.Command, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	dev, err := s.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.EnrollStatus != domain.DeviceEnrolled {
		return nil, mdm.ErrUntrustedClient
	}

	intent = intent.Normalize()
	acked, ackErr := mdm.ParseIntent(dev.LastAckState)
	if ackErr != nil {
		// Unknown acknowledged state. Enqueue unconditionally so the
		// device converges on something we can reason about.
		zap.L().Warn("unparseable acknowledged state, forcing command",
			zap.String("udid", dev.Udid), zap.Error(ackErr))
	} else if sameEffect(intent, acked) {
		zap.L().Debug("intent matches acknowledged state, no command",
			zap.String("udid", dev.Udid))
		return nil, nil
	}

	outstanding, err := s.commands.GetOutstanding(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	previousBundleID := ""
	if outstanding != nil {
		previousBundleID = outstanding.BundleUUID
	} else if last, err := s.commands.ListByDevice(ctx, deviceID, 1); err == nil && len(last) > 0 {
		previousBundleID = last[0].BundleUUID
	}

	bundle, err := s.builder.Build(intent, previousBundleID)
	if err != nil {
		return nil, err
	}

	// Supersede only after the replacement bundle rendered, so a build
	// failure leaves the outstanding command untouched.
	if outstanding != nil {
		if err := s.commands.UpdateStatus(ctx, outstanding.ID, domain.CommandSuperseded, ""); err != nil {
			return nil, err
		}
		metrics.IncrCounter("mdm_command_superseded", 1)
		zap.L().Info("command superseded",
			zap.String("udid", dev.Udid),
			zap.Int64("seq", outstanding.Seq))
	}

	maxSeq, err := s.commands.MaxSeq(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cmd := &domain.Command{
		ID:           common.UUIDint64(),
		DeviceID:     deviceID,
		Seq:          maxSeq + 1,
		Status:       domain.CommandQueued,
		BundleUUID:   bundle.UUID,
		Payload:      bundle.Body,
		Signature:    bundle.Signature,
		IntentJSON:   intent.Canonical(),
		CreatedAt:    now,
		TransitionAt: now,
	}
	if err := s.commands.Create(ctx, cmd); err != nil {
		return nil, err
	}

	metrics.IncrCounter("mdm_command_enqueued", 1)
	zap.L().Info("command enqueued",
		zap.String("udid", dev.Udid),
		zap.Int64("seq", cmd.Seq),
		zap.String("bundle_uuid", cmd.BundleUUID))

	if s.bus != nil {
		s.bus.Publish(TopicCommandEnqueued, dev.Udid, cmd.Seq)
	}
	return cmd, nil
}

// NextCommandFor serves the device's outstanding command. The first call
// transitions queued to delivered; redelivery returns the same command
// with the same bundle bytes, never a regenerated identifier.
func (s *Service) NextCommandFor(ctx context.Context, deviceID int64) (*domain.Command, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	cmd, err := s.commands.GetOutstanding(ctx, deviceID)
	if err != nil || cmd == nil {
		return nil, err
	}
	if cmd.Status == domain.CommandQueued {
		if err := s.commands.UpdateStatus(ctx, cmd.ID, domain.CommandDelivered, ""); err != nil {
			return nil, err
		}
		cmd.Status = domain.CommandDelivered
		metrics.IncrCounter("mdm_command_delivered", 1)
	}
	return cmd, nil
}

// OnAck records a device-reported result. Success moves the command to
// acknowledged and the registry to the command's target intent. Failure
// moves it to failed without automatic retry: repeated failure usually
// means a structural incompatibility the operator has to resolve.
func (s *Service) OnAck(ctx context.Context, deviceID, commandSeq int64, result AckResult) error {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	cmd, err := s.commands.GetBySeq(ctx, deviceID, commandSeq)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &mdm.ProtocolRejectionError{CommandSeq: commandSeq, Detail: "result for unknown command"}
	}
	if err != nil {
		return err
	}
	if cmd.Terminal() {
		// Late or duplicate report. A superseded command must never
		// reach acknowledged, and terminal transitions stay put.
		zap.L().Debug("result for terminal command ignored",
			zap.Int64("device_id", deviceID),
			zap.Int64("seq", commandSeq),
			zap.String("status", cmd.Status))
		return nil
	}

	if result.Success {
		// Registry snapshot first. If the command write below fails the
		// command stays outstanding and a repeated report converges it;
		// the reverse order could leave a terminal command whose intent
		// never reached the registry.
		if err := s.registry.SetAcknowledgedState(ctx, deviceID, cmd.IntentJSON, cmd.Seq); err != nil {
			return err
		}
		if err := s.commands.UpdateStatus(ctx, cmd.ID, domain.CommandAcknowledged, ""); err != nil {
			return err
		}
		metrics.IncrCounter("mdm_command_acknowledged", 1)
		zap.L().Info("command acknowledged",
			zap.Int64("device_id", deviceID),
			zap.Int64("seq", commandSeq))
		return nil
	}

	if err := s.commands.UpdateStatus(ctx, cmd.ID, domain.CommandFailed, result.ErrorChain); err != nil {
		return err
	}
	metrics.IncrCounter("mdm_command_failed", 1)
	zap.L().Warn("command failed on device",
		zap.Int64("device_id", deviceID),
		zap.Int64("seq", commandSeq),
		zap.String("detail", result.ErrorChain))
	return nil
}

// MarkDeliveryFailed surfaces an exhausted push delivery as a failed
// command. Only an outstanding command transitions; anything terminal
// stays put.
func (s *Service) MarkDeliveryFailed(ctx context.Context, deviceID, commandSeq int64, derr *mdm.DeliveryError) error {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	cmd, err := s.commands.GetBySeq(ctx, deviceID, commandSeq)
	if err != nil {
		return err
	}
	if cmd.Terminal() {
		return nil
	}
	metrics.IncrCounter("mdm_push_exhausted", 1)
	return s.commands.UpdateStatus(ctx, cmd.ID, domain.CommandFailed, derr.Error())
}

// CommandsFor lists a device's command history, newest first.
func (s *Service) CommandsFor(ctx context.Context, deviceID int64, limit int) ([]*domain.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.commands.ListByDevice(ctx, deviceID, limit)
}

// sameEffect compares the restriction effect of two intents. A clear
// intent and an empty acknowledged state restrict nothing either way,
// so template names and the clear flag do not count toward the diff.
func sameEffect(a, b mdm.Intent) bool {
	if a.Empty() && b.Empty() {
		return true
	}
	an, bn := a.Normalize(), b.Normalize()
	return stringsEqual(an.BlockedApps, bn.BlockedApps) &&
		stringsEqual(an.BlockedDomains, bn.BlockedDomains)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
