package mdmserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/guonaihong/gout"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hideaway-io/hideaway/config"
	"github.com/hideaway-io/hideaway/internal/mdm"
	"github.com/hideaway-io/hideaway/internal/orchestrator"
	"github.com/hideaway-io/hideaway/internal/registry"
	"github.com/hideaway-io/hideaway/pkg/metrics"
)

// PushNotifier wakes devices through the external push relay when a
// command enters the queue. Delivery is best-effort with capped backoff;
// exhaustion surfaces on the command, never blocks the enqueue path.
type PushNotifier struct {
	cfg      config.PushConfig
	registry *registry.Service
	orch     *orchestrator.Service
	bus      EventBus.Bus
	pool     *ants.Pool
}

func NewPushNotifier(cfg config.PushConfig, reg *registry.Service, orch *orchestrator.Service, bus EventBus.Bus) (*PushNotifier, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 16
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &PushNotifier{cfg: cfg, registry: reg, orch: orch, bus: bus, pool: pool}, nil
}

// Start subscribes to command enqueue events.
func (p *PushNotifier) Start() error {
	return p.bus.SubscribeAsync(orchestrator.TopicCommandEnqueued, p.onEnqueued, false)
}

// Stop detaches from the bus and drains the worker pool.
func (p *PushNotifier) Stop() {
	_ = p.bus.Unsubscribe(orchestrator.TopicCommandEnqueued, p.onEnqueued)
	p.pool.Release()
}

func (p *PushNotifier) onEnqueued(udid string, seq int64) {
	err := p.pool.Submit(func() {
		p.notify(udid, seq)
	})
	if err != nil {
		zap.L().Warn("push pool rejected task", zap.String("udid", udid), zap.Error(err))
	}
}

// notify retries the relay with exponential backoff capped at one minute.
func (p *PushNotifier) notify(udid string, seq int64) {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	backoff := time.Duration(p.cfg.BackoffSecs) * time.Second
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.send(udid, seq)
		if lastErr == nil {
			metrics.IncrCounter("mdm_push_sent", 1)
			zap.L().Debug("push delivered",
				zap.String("udid", udid),
				zap.Int64("seq", seq),
				zap.Int("attempt", attempt))
			return
		}
		zap.L().Warn("push attempt failed",
			zap.String("udid", udid),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
		}
	}

	derr := &mdm.DeliveryError{Attempts: maxAttempts, Err: lastErr}
	dev, err := p.registry.GetByUdid(context.Background(), udid)
	if err != nil {
		zap.L().Error("push exhausted for unknown device", zap.String("udid", udid), zap.Error(err))
		return
	}
	if err := p.orch.MarkDeliveryFailed(context.Background(), dev.ID, seq, derr); err != nil {
		zap.L().Error("failed to record push exhaustion",
			zap.String("udid", udid),
			zap.Int64("seq", seq),
			zap.Error(err))
	}
}

func (p *PushNotifier) send(udid string, seq int64) error {
	var code int
	err := gout.PUT(fmt.Sprintf("%s/v1/push/%s", p.cfg.ServiceURL, udid)).
		SetHeader(gout.H{"Authorization": "Basic " + basicAuth(p.cfg.Username, p.cfg.Password)}).
		SetJSON(gout.H{"seq": seq}).
		SetTimeout(10 * time.Second).
		Code(&code).
		Do()
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("push relay returned %d", code)
	}
	return nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
