package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	StreamOrchestration = "ORCHESTRATION"
	StreamJobs          = "JOBS"
	StreamWebhooks      = "WEBHOOKS"

	SubjectOrchestration = "orchestration.batch"
)

// Broker wraps the NATS connection and its three work-queue streams:
// one orchestration message per queued batch, one job per recipient on the
// tenant's subject, and one raw envelope per provider callback.
type Broker struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

func Connect(natsURL string, logger *zap.Logger) (*Broker, error) {
	opts := []nats.Option{
		nats.Name("sendfabric"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Broker{conn: conn, js: js, logger: logger}, nil
}

// EnsureStreams provisions the three streams. Idempotent; every binary calls
// it at startup so ordering between processes does not matter.
func (b *Broker) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       StreamOrchestration,
			Subjects:   []string{"orchestration.>"},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			MaxAge:     2 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:              StreamJobs,
			Subjects:          []string{"jobs.user.>"},
			Retention:         jetstream.WorkQueuePolicy,
			Storage:           jetstream.FileStorage,
			MaxAge:            2 * time.Hour,
			MaxMsgsPerSubject: 10_000,
			Duplicates:        2 * time.Minute,
		},
		{
			Name:       StreamWebhooks,
			Subjects:   []string{"webhook.>"},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			MaxAge:     24 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Publish sends data on subject with a broker-side deduplication id. Within
// the stream's duplicate window, repeated publishes with the same id are
// dropped by the server.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte, dedupID string) error {
	opts := []jetstream.PublishOpt{}
	if dedupID != "" {
		opts = append(opts, jetstream.WithMsgID(dedupID))
	}
	if _, err := b.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", subject, err)
	}
	return nil
}

// Consumer creates or binds a durable pull consumer on the given stream.
func (b *Broker) Consumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	s, err := b.js.Stream(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", stream, err)
	}
	consumer, err := s.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s on %s: %w", cfg.Durable, stream, err)
	}
	return consumer, nil
}

func (b *Broker) HealthCheck(ctx context.Context) error {
	if b.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", b.conn.Status())
	}
	return nil
}

func (b *Broker) Close() error {
	b.conn.Close()
	return nil
}
