package events

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"tryon/internal/infra"
)

var errNilBus = errors.New("nats bus not initialized")

// NatsBus publishes and consumes job-created events over core NATS. Delivery
// is at most once.
type NatsBus struct {
	nc      *nats.Conn
	logger  infra.Logger
	timeout time.Duration
}

// NewNatsBus dials NATS at url.
func NewNatsBus(url string, logger infra.Logger) (*NatsBus, error) {
	logger = infra.Component(logger, "events")
	opts := []nats.Option{
		nats.Name("tryon-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("events: disconnected from nats")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("events: reconnected to nats")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info().Msg("events: nats connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc, logger: logger, timeout: 2 * time.Minute}, nil
}

func (b *NatsBus) PublishJobCreated(ctx context.Context, evt JobCreated) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(SubjectJobCreated, data)
}

// SubscribeJobCreated joins the dispatcher queue group. Each delivery runs
// handler on its own goroutine under a bounded context.
func (b *NatsBus) SubscribeJobCreated(handler JobCreatedHandler) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	return b.nc.QueueSubscribe(SubjectJobCreated, QueueDispatchers, func(msg *nats.Msg) {
		evt, err := Decode(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("events: dropping malformed message")
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()
			if err := handler(ctx, evt); err != nil {
				b.logger.Error().Err(err).Str("job_id", evt.JobID).Msg("events: job created handler failed")
			}
		}()
	})
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Close drains pending deliveries and closes the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
