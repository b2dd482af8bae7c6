// Package scheduler runs the two producer loops: admission, which claims due
// tasks and feeds the ready topic, and review, which surfaces tasks stuck
// past the liveness threshold.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xyzplatform/dispatchd/pkg/broker"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

// Publisher publishes task messages onto broker topics.
type Publisher interface {
	Send(ctx context.Context, topic string, msg broker.TaskMessage) (string, error)
}

// Config times the producer loops.
type Config struct {
	AdmissionInterval time.Duration
	ReviewInterval    time.Duration
	ReviewThreshold   time.Duration
}

// DefaultConfig matches the production wiring: admission every minute,
// review sweep every twenty minutes with a twenty minute staleness threshold.
func DefaultConfig() Config {
	return Config{
		AdmissionInterval: 60 * time.Second,
		ReviewInterval:    1200 * time.Second,
		ReviewThreshold:   20 * time.Minute,
	}
}

// Producer owns the admission and review loops.
type Producer struct {
	store  *store.Store
	bus    Publisher
	config Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProducer creates the producer over the store and broker.
func NewProducer(st *store.Store, bus Publisher, cfg Config) *Producer {
	return &Producer{store: st, bus: bus, config: cfg}
}

// Start launches both loops.
func (p *Producer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	slog.Info("Starting scheduler producers",
		"admission_interval", p.config.AdmissionInterval,
		"review_interval", p.config.ReviewInterval)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.loop(runCtx, p.config.AdmissionInterval, p.admissionTick)
	}()
	go func() {
		defer p.wg.Done()
		p.loop(runCtx, p.config.ReviewInterval, p.reviewTick)
	}()
}

// Stop cancels both loops and waits for them.
func (p *Producer) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	slog.Info("Scheduler producers stopped")
}

func (p *Producer) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// admissionTick claims due tasks and publishes them on the ready topic. The
// claim query flips tasks to QUEUING, so a publish failure is self-healing:
// the ready worker's state guard re-arms on the next delivery and the review
// sweep reclaims anything that never gets one.
func (p *Producer) admissionTick(ctx context.Context) {
	ids, err := p.store.DispatchDueTaskIDs(ctx)
	if err != nil {
		slog.Error("Admission scan failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	slog.Info("Admitting due tasks", "count", len(ids))
	for _, id := range ids {
		if _, err := p.bus.Send(ctx, broker.TopicReady, broker.TaskMessage{TaskID: id}); err != nil {
			slog.Error("Failed to publish admitted task",
				"task_id", id,
				"error", err)
		}
	}
}

// reviewTick surfaces stuck tasks on the review topic.
func (p *Producer) reviewTick(ctx context.Context) {
	ids, err := p.store.ReviewTaskIDs(ctx, p.config.ReviewThreshold)
	if err != nil {
		slog.Error("Review scan failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	slog.Warn("Publishing stuck tasks for review", "count", len(ids))
	for _, id := range ids {
		if _, err := p.bus.Send(ctx, broker.TopicReview, broker.TaskMessage{TaskID: id}); err != nil {
			slog.Error("Failed to publish review task",
				"task_id", id,
				"error", err)
		}
	}
}
