package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "github.com/lib/pq"
	natsgo "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	eventbus "github.com/camtittle/photosharing-eventbus"
	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/config"
	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/invoke/kafka"
	"github.com/camtittle/photosharing-eventbus/invoke/nats"
	"github.com/camtittle/photosharing-eventbus/metrics"
	"github.com/camtittle/photosharing-eventbus/partition"
	"github.com/camtittle/photosharing-eventbus/ratelimit"
	"github.com/camtittle/photosharing-eventbus/subscription"
)

// container holds every dependency a command needs, built once from
// configuration. Shutdown releases them in reverse order of creation.
type container struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	invoker invoke.Invoker
	// registrar is nil when the invoker cannot serve functions (kafka).
	registrar invoke.Registrar
	local     *invoke.Local

	redis   *redis.Client
	bus     *eventbus.Bus
	metrics *metrics.Provider

	closers []func(context.Context) error
}

// newContainer builds the container. now is the clock of the bus and of
// published events.
func newContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger, now func() time.Time) (*container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &container{cfg: cfg, logger: logger, now: now}
	if err := c.init(ctx); err != nil {
		if shutErr := c.Shutdown(context.Background()); shutErr != nil {
			logger.Error("failed to release partial container", slog.Any("error", shutErr))
		}
		return nil, err
	}
	return c, nil
}

func (c *container) init(ctx context.Context) error {
	cd, err := codec.ByName(c.cfg.Codec)
	if err != nil {
		return err
	}

	registry := subscription.Default()
	if c.cfg.SubscriptionsFile != "" {
		if registry, err = subscription.LoadFile(c.cfg.SubscriptionsFile); err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}
	}

	policy, err := delivery.ParsePolicy(c.cfg.RetentionPolicy)
	if err != nil {
		return err
	}

	deliveryStore, deadLetterStore, err := c.openStores(ctx)
	if err != nil {
		return err
	}
	if err := c.openInvoker(); err != nil {
		return err
	}

	opts := []eventbus.Option{
		eventbus.WithRegistry(registry),
		eventbus.WithTracker(delivery.NewTracker(deliveryStore,
			delivery.WithPolicy(policy),
			delivery.WithAttempts(c.cfg.StoreAttempts),
			delivery.WithClock(c.now))),
		eventbus.WithDeadLetters(dlq.NewManager(deadLetterStore, nil)),
		eventbus.WithCodec(cd),
		eventbus.WithDispatchFunction(c.cfg.DispatchFunction),
		eventbus.WithClock(c.now),
	}
	if limit := c.cfg.DispatchRateLimit; limit > 0 {
		burst := int(math.Ceil(limit))
		if c.redis != nil {
			opts = append(opts, eventbus.WithLimiter(ratelimit.NewRedisLimiter(c.redis, burst, time.Second)))
		} else {
			opts = append(opts, eventbus.WithRateLimit(rate.Limit(limit), burst))
		}
	}

	if c.cfg.MetricsEnabled {
		provider, err := metrics.NewProvider(c.cfg.MetricsNamespace)
		if err != nil {
			return err
		}
		c.metrics = provider
		c.closers = append(c.closers, provider.Shutdown)
		opts = append(opts, eventbus.WithMeterProvider(provider.MeterProvider()))
	}

	if c.bus, err = eventbus.New(c.invoker, opts...); err != nil {
		return fmt.Errorf("create bus: %w", err)
	}

	// One-shot commands publish through the bus in this process, so local
	// entry points must exist before serve registers anything else.
	if c.local != nil {
		c.bus.Register(c.local)
	}
	return nil
}

func (c *container) openStores(ctx context.Context) (delivery.Store, dlq.Store, error) {
	switch c.cfg.StoreDriver {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		c.redis = client
		return delivery.NewRedisStore(client), dlq.NewRedisStore(client), nil

	case config.StoreMongoDB:
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(c.cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		c.closers = append(c.closers, client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}

		db := client.Database(c.cfg.MongoDatabase)
		deliveries := delivery.NewMongoStore(db)
		if err := deliveries.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("create delivery indexes: %w", err)
		}
		deadLetters := dlq.NewMongoStore(db)
		if err := deadLetters.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("create dead-letter indexes: %w", err)
		}
		return deliveries, deadLetters, nil

	case config.StorePostgres:
		db, err := sql.Open("postgres", c.cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return delivery.NewPostgresStore(db), dlq.NewPostgresStore(db), nil

	default:
		return delivery.NewMemoryStore(), dlq.NewMemoryStore(), nil
	}
}

func (c *container) openInvoker() error {
	switch c.cfg.Invoker {
	case config.InvokerNATS:
		conn, err := natsgo.Connect(c.cfg.NATSURL, natsgo.Name("eventbusd"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return conn.Drain() })

		inv, err := nats.New(conn, nats.WithLogger(c.logger.With("component", "invoke.nats")))
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func(context.Context) error { return inv.Close() })
		c.invoker, c.registrar = inv, inv

	case config.InvokerKafka:
		inv, err := kafka.Dial(c.cfg.KafkaBrokers, kafka.WithLogger(c.logger.With("component", "invoke.kafka")))
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func(context.Context) error { return inv.Close() })
		c.invoker = inv

	default:
		local := invoke.NewLocal(invoke.WithLocalLogger(c.logger.With("component", "invoke.local")))
		c.closers = append(c.closers, local.Close)
		c.invoker, c.registrar, c.local = local, local, local
	}
	return nil
}

// serveEntryPoints makes the bus functions, and optionally the demo
// subscriber, reachable through the invoker.
func (c *container) serveEntryPoints(demo bool) {
	if c.registrar == nil {
		c.logger.Warn("invoker cannot serve functions, entry points are not registered",
			slog.String("invoker", c.cfg.Invoker))
		return
	}
	c.bus.Register(c.registrar)
	if demo {
		client := eventbus.NewClient(c.invoker).WithCodec(c.bus.Codec()).WithClock(c.now)
		c.registrar.Register(subscription.DemoSubscriber,
			demoSubscriber(c.bus.Codec(), client, c.logger.With("component", "eventbusd.demo")))
	}
}

func (c *container) reconciler() (*eventbus.Reconciler, error) {
	shard, err := partition.NewShard(c.cfg.SweepShardIndex, c.cfg.SweepShardCount, nil)
	if err != nil {
		return nil, err
	}
	return c.bus.Reconciler().
		WithGrace(c.cfg.Grace()).
		WithMaxRetries(c.cfg.MaxDispatchRetries).
		WithInterval(c.cfg.SweepInterval).
		WithConcurrency(c.cfg.SweepConcurrency).
		WithCleanupAge(c.cfg.DeadLetterRetention).
		WithShard(shard), nil
}

// Shutdown releases every resource in reverse order of creation.
func (c *container) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
