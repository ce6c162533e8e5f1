package events

import (
	"context"
	"sync"
	"time"

	"tryon/internal/infra"
)

// LocalBus delivers job-created events to an in-process handler. It stands
// in for NATS when NATS_URL is not configured.
type LocalBus struct {
	mu      sync.RWMutex
	handler JobCreatedHandler
	logger  infra.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewLocalBus(logger infra.Logger) *LocalBus {
	return &LocalBus{logger: infra.Component(logger, "events"), timeout: 2 * time.Minute}
}

// Subscribe sets the handler. Events published before a handler is set are
// dropped, as they would be on core NATS.
func (b *LocalBus) Subscribe(handler JobCreatedHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *LocalBus) PublishJobCreated(ctx context.Context, evt JobCreated) error {
	if _, err := Encode(evt); err != nil {
		return err
	}
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		b.logger.Debug().Str("job_id", evt.JobID).Msg("events: no subscriber, event dropped")
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		if err := handler(hctx, evt); err != nil {
			b.logger.Error().Err(err).Str("job_id", evt.JobID).Msg("events: job created handler failed")
		}
	}()
	return nil
}

// Wait blocks until every in-flight delivery returned.
func (b *LocalBus) Wait() {
	b.wg.Wait()
}
