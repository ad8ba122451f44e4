// Package app opens the backing services named by the configuration and
// assembles the waitlist on top of them. Every binary under cmd/ starts here.
package app

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/crdb"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/kafka"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/memory"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-waitlist/internal/adapters/redis"
	"github.com/robertarktes/ticket-waitlist/internal/config"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/outbox"
	"github.com/robertarktes/ticket-waitlist/internal/payment"
	"github.com/robertarktes/ticket-waitlist/internal/store"
	"github.com/robertarktes/ticket-waitlist/internal/waitlist"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type App struct {
	Config *config.Config
	Logger observability.Logger
	Store  store.Store
	Pool   *pgxpool.Pool
	Redis  *redisclient.Client
	Mongo  *mongo.Client

	closers []func()
}

// Open connects to the store and, when configured, Redis and MongoDB. The
// CockroachDB schema is migrated on open. A StoreBackend of "none" skips the
// store for processes that only read the bus.
func Open(ctx context.Context, cfg *config.Config, logger observability.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreBackend {
	case "none":
	case "memory":
		logger.Warn("using in-memory store; state is lost on exit and not shared between processes")
		a.Store = memory.NewStore()
	default:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect to crdb")
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "ping crdb")
		}
		if err := crdb.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		a.Pool = pool
		a.Store = crdb.NewStore(pool)
	}

	if cfg.RedisAddr != "" {
		a.Redis = redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { a.Redis.Close() })
	}

	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "connect to mongo")
		}
		a.Mongo = client
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		})
	}
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) MongoDB() *mongo.Database {
	if a.Mongo == nil {
		return nil
	}
	return a.Mongo.Database(a.Config.MongoDB)
}

func (a *App) Options() waitlist.Options {
	opts := waitlist.DefaultOptions()
	opts.OfferWindow = a.Config.OfferWindow
	opts.GatewayTimeout = a.Config.GatewayTimeout
	opts.CommitTimeout = a.Config.CommitTimeout
	opts.MaxPaymentAttempts = a.Config.MaxPaymentAttempts
	opts.RetryMinRemaining = a.Config.RetryMinRemaining
	opts.SweepBatch = a.Config.SweepBatch
	opts.DefaultCurrency = a.Config.DefaultCurrency
	return opts
}

func (a *App) Locker() (waitlist.Locker, error) {
	if a.Config.LockBackend != "redis" {
		if a.Config.StoreBackend == "crdb" {
			a.Logger.Warn("LOCK_BACKEND=local with a shared store: processes serialize only through SERIALIZABLE transactions")
		}
		return waitlist.NewLocalLocker(), nil
	}
	if a.Redis == nil {
		return nil, errors.New("LOCK_BACKEND=redis requires REDIS_ADDR")
	}
	return redisadapter.NewLocker(a.Redis, a.Config.LockTTL), nil
}

func (a *App) Gateway() payment.Gateway {
	if a.Config.GatewayURL == "" {
		a.Logger.Warn("PAYMENT_GATEWAY_URL not set, charging against the sandbox gateway")
		return payment.NewSandbox()
	}
	return payment.NewHTTPGateway(a.Config.GatewayURL, nil)
}

func (a *App) Service() (*waitlist.Service, error) {
	locker, err := a.Locker()
	if err != nil {
		return nil, err
	}
	return waitlist.New(waitlist.Deps{
		Store:   a.Store,
		Gateway: a.Gateway(),
		Locker:  locker,
		Logger:  a.Logger,
	}, a.Options()), nil
}

// Sink opens the broker selected by EVENT_BUS. It is closed with the App.
func (a *App) Sink() (outbox.Sink, error) {
	switch a.Config.EventBus {
	case "kafka":
		if len(a.Config.KafkaBrokers) == 0 {
			return nil, errors.New("EVENT_BUS=kafka requires KAFKA_BROKERS")
		}
		p := kafka.NewProducer(a.Config.KafkaBrokers, a.Config.KafkaTopic)
		a.closers = append(a.closers, func() { p.Close() })
		return p, nil
	default:
		conn, err := a.Rabbit()
		if err != nil {
			return nil, err
		}
		p, err := rabbit.NewPublisher(conn)
		if err != nil {
			return nil, errors.Wrap(err, "create rabbit publisher")
		}
		a.closers = append(a.closers, func() { p.Close() })
		return p, nil
	}
}

func (a *App) Rabbit() (*amqp.Connection, error) {
	conn, err := amqp.Dial(a.Config.RabbitURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to rabbitmq")
	}
	a.closers = append(a.closers, func() { conn.Close() })
	return conn, nil
}

// JWTKey parses JWT_PUBLIC_KEY. It returns nil when no key is configured.
func (a *App) JWTKey() (*rsa.PublicKey, error) {
	if a.Config.JWTPublicKey == "" {
		a.Logger.Warn("JWT_PUBLIC_KEY not set, trusting the X-User-ID header")
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(a.Config.JWTPublicKey))
	if err != nil {
		return nil, errors.Wrap(err, "parse JWT_PUBLIC_KEY")
	}
	return key, nil
}
