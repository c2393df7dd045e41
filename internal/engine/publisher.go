// Package engine drives rollouts: one orchestrator per deployment, an
// asset claim registry shared between them, and the event fan-out.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
	"github.com/vulnzero/vulnzero/rollout-server/internal/metrics"
)

// Publisher fans lifecycle events out to the sink without blocking the
// orchestrators. A single consumer goroutine drains a buffered channel,
// which preserves per-deployment order; events the sink rejects after
// retries go to a backlog that is flushed, still in order, ahead of
// newer events. Delivery is at-least-once.
type Publisher struct {
	sink   domain.EventSink
	events chan domain.Event
	stats  metrics.Metrics

	publishTimeout time.Duration
	flushInterval  time.Duration

	closed atomic.Bool
	close  chan struct{}
	done   chan struct{}
}

func NewPublisher(sink domain.EventSink, buffer int, stats metrics.Metrics) *Publisher {
	if stats == nil {
		stats = metrics.Noop{}
	}
	return &Publisher{
		sink:           sink,
		events:         make(chan domain.Event, buffer),
		stats:          stats,
		publishTimeout: 5 * time.Second,
		flushInterval:  10 * time.Second,
		close:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Publish enqueues an event. It blocks only when the buffer is full and
// never after Close.
func (p *Publisher) Publish(event domain.Event) {
	if p.closed.Load() {
		return
	}
	select {
	case p.events <- event:
	case <-p.close:
	}
}

// Run consumes events until Close or context cancellation.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var backlog []domain.Event
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.close:
			p.flush(ctx, p.drain(backlog))
			return
		case <-ticker.C:
			backlog = p.flush(ctx, backlog)
		case event := <-p.events:
			if len(backlog) > 0 {
				// Older events must reach the sink first.
				backlog = append(backlog, event)
				continue
			}
			if err := p.send(ctx, event); err != nil {
				log.Error().Err(err).
					Str("deployment", string(event.DeploymentID)).
					Str("type", string(event.Type)).
					Msg("failed to publish event, queued for retry")
				backlog = append(backlog, event)
			}
		}
	}
}

// Close stops intake and waits for the consumer to drain. The events
// channel is never closed; a Publish racing Close drops its event
// rather than panicking on a closed channel.
func (p *Publisher) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.close)
	<-p.done
}

// drain moves events still buffered at close time onto the backlog,
// keeping arrival order.
func (p *Publisher) drain(backlog []domain.Event) []domain.Event {
	for {
		select {
		case event := <-p.events:
			backlog = append(backlog, event)
		default:
			return backlog
		}
	}
}

func (p *Publisher) send(ctx context.Context, event domain.Event) error {
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
			defer cancel()
			return p.sink.Publish(callCtx, event)
		},
		retry.Attempts(3),
		retry.Context(ctx),
	)
	if err == nil {
		p.stats.Increment("events.published")
	}
	return err
}

func (p *Publisher) flush(ctx context.Context, backlog []domain.Event) []domain.Event {
	for i, event := range backlog {
		if err := p.send(ctx, event); err != nil {
			return backlog[i:]
		}
	}
	return nil
}
