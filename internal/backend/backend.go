// Package backend builds broker sessions, the idempotency ledger and the
// dead-letter store from daemon configuration.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"github.com/UniQw/relq"
	"github.com/UniQw/relq/internal/config"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Backend holds everything a worker or producer needs from the environment.
type Backend struct {
	Sessions    relq.BrokerFactory
	Publisher   relq.Publisher
	Ledger      relq.Ledger
	DeadLetters relq.DeadLetterStore
	// Redis is set when Redis backs the broker or the ledger.
	Redis *redis.Client
	// Broker is set for the Redis broker; it serves queue stats and job listing.
	Broker *relq.RedisBroker

	closers []func() error
}

// PubSubFactory builds a watermill publisher/subscriber pair.
type PubSubFactory func(cfg config.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error)

// PubSubs maps the watermill broker names to their factories.
var PubSubs = map[string]PubSubFactory{
	"channel": func(_ config.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
		ps := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)
		return ps, ps, nil
	},
	"amqp": func(cfg config.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
		amqpCfg := amqp.NewDurableQueueConfig(cfg.AMQPURL)
		pub, err := amqp.NewPublisher(amqpCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		sub, err := amqp.NewSubscriber(amqpCfg, logger)
		if err != nil {
			return nil, nil, errors.Join(err, pub.Close())
		}
		return pub, sub, nil
	},
	"kafka": func(cfg config.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
			Brokers:       cfg.KafkaBrokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger)
		if err != nil {
			return nil, nil, errors.Join(err, pub.Close())
		}
		return pub, sub, nil
	},
}

// Open builds the backend described by cfg. Callers must Close it.
func Open(ctx context.Context, cfg config.Config, log relq.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{}
	if cfg.Broker == "redis" || cfg.Ledger == "redis" {
		b.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		b.closers = append(b.closers, b.Redis.Close)
	}
	if err := b.openBroker(cfg, log); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	if err := b.openLedger(ctx, cfg); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	if b.Redis != nil {
		b.DeadLetters = relq.NewRedisDeadLetterStore(b.Redis)
	} else {
		b.DeadLetters = relq.NewMemoryDeadLetterStore()
	}
	return b, nil
}

func (b *Backend) openBroker(cfg config.Config, log relq.Logger) error {
	if cfg.Broker == "redis" {
		rcfg := relq.RedisConfig{VisibilityTTL: cfg.VisibilityTTL, Logger: log}
		b.Broker = relq.NewRedisBroker(b.Redis, rcfg)
		b.Sessions = relq.RedisSessions(b.Redis, rcfg)
		b.Publisher = b.Broker
		return nil
	}
	factory, ok := PubSubs[cfg.Broker]
	if !ok {
		return fmt.Errorf("backend: unsupported broker %q", cfg.Broker)
	}
	pub, sub, err := factory(cfg, relq.NewWatermillLogger(log))
	if err != nil {
		return fmt.Errorf("backend: %s: %w", cfg.Broker, err)
	}
	tr, err := relq.NewWatermillTransport(relq.WatermillConfig{
		Publisher:        pub,
		Subscriber:       sub,
		DeadLetterTopics: cfg.DeadLetterTopics,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	b.closers = append(b.closers, tr.Close)
	b.Sessions = tr.Sessions()
	b.Publisher = tr
	return nil
}

func (b *Backend) openLedger(ctx context.Context, cfg config.Config) error {
	switch cfg.Ledger {
	case "redis":
		b.Ledger = relq.NewRedisLedger(b.Redis, cfg.Namespace)
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.SQLiteFile+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return err
		}
		b.closers = append(b.closers, db.Close)
		l, err := relq.NewSQLLedger(ctx, db, "")
		if err != nil {
			return err
		}
		b.Ledger = l
	default:
		b.Ledger = relq.NewMemoryLedger()
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
