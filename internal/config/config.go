package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr     string
	StoreBackend string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	EventBus     string
	KafkaBrokers []string
	KafkaTopic   string
	JWTPublicKey string
	OTLPEndpoint string
	LogLevel     string

	OfferWindow        time.Duration
	SweepInterval      time.Duration
	SweepMode          string
	SweepBatch         int
	GatewayURL         string
	GatewayTimeout     time.Duration
	CommitTimeout      time.Duration
	MaxPaymentAttempts int
	RetryMinRemaining  time.Duration
	DefaultCurrency    string

	LockBackend    string
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
	RateLimitUser  int
	RateLimitIP    int
}

var defaults = map[string]interface{}{
	"HTTP_ADDR":               ":8080",
	"STORE_BACKEND":           "crdb",
	"MONGO_DB":                "waitlist",
	"EVENT_BUS":               "rabbit",
	"KAFKA_TOPIC":             "waitlist.events",
	"LOG_LEVEL":               "info",
	"OFFER_WINDOW":            "10m",
	"SWEEP_INTERVAL":          "5s",
	"SWEEP_MODE":              "ticker",
	"SWEEP_BATCH":             100,
	"PAYMENT_GATEWAY_TIMEOUT": "10s",
	"COMMIT_TIMEOUT":          "10s",
	"MAX_PAYMENT_ATTEMPTS":    3,
	"RETRY_MIN_REMAINING":     "1m",
	"DEFAULT_CURRENCY":        "USD",
	"LOCK_BACKEND":            "local",
	"LOCK_TTL":                "30s",
	"IDEMPOTENCY_TTL":         "1h",
	"RATE_LIMIT_USER":         10,
	"RATE_LIMIT_IP":           100,
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", file)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		StoreBackend:       strings.ToLower(v.GetString("STORE_BACKEND")),
		CRDBDSN:            v.GetString("CRDB_DSN"),
		MongoURI:           v.GetString("MONGO_URI"),
		MongoDB:            v.GetString("MONGO_DB"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		RabbitURL:          v.GetString("RABBIT_URL"),
		EventBus:           strings.ToLower(v.GetString("EVENT_BUS")),
		KafkaBrokers:       splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:         v.GetString("KAFKA_TOPIC"),
		JWTPublicKey:       v.GetString("JWT_PUBLIC_KEY"),
		OTLPEndpoint:       v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		OfferWindow:        v.GetDuration("OFFER_WINDOW"),
		SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
		SweepMode:          strings.ToLower(v.GetString("SWEEP_MODE")),
		SweepBatch:         v.GetInt("SWEEP_BATCH"),
		GatewayURL:         v.GetString("PAYMENT_GATEWAY_URL"),
		GatewayTimeout:     v.GetDuration("PAYMENT_GATEWAY_TIMEOUT"),
		CommitTimeout:      v.GetDuration("COMMIT_TIMEOUT"),
		MaxPaymentAttempts: v.GetInt("MAX_PAYMENT_ATTEMPTS"),
		RetryMinRemaining:  v.GetDuration("RETRY_MIN_REMAINING"),
		DefaultCurrency:    strings.ToUpper(v.GetString("DEFAULT_CURRENCY")),
		LockBackend:        strings.ToLower(v.GetString("LOCK_BACKEND")),
		LockTTL:            v.GetDuration("LOCK_TTL"),
		IdempotencyTTL:     v.GetDuration("IDEMPOTENCY_TTL"),
		RateLimitUser:      v.GetInt("RATE_LIMIT_USER"),
		RateLimitIP:        v.GetInt("RATE_LIMIT_IP"),
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.OfferWindow <= 0 {
		return errors.New("OFFER_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.GatewayTimeout <= 0 || c.GatewayTimeout >= c.OfferWindow {
		return errors.New("PAYMENT_GATEWAY_TIMEOUT must be positive and shorter than OFFER_WINDOW")
	}
	if c.CommitTimeout <= 0 {
		return errors.New("COMMIT_TIMEOUT must be positive")
	}
	if c.MaxPaymentAttempts < 1 {
		return errors.New("MAX_PAYMENT_ATTEMPTS must be at least 1")
	}
	// the entry lock is held across the gateway call and the commit
	if c.LockBackend == "redis" && c.LockTTL <= c.GatewayTimeout+c.CommitTimeout {
		return errors.New("LOCK_TTL must exceed PAYMENT_GATEWAY_TIMEOUT plus COMMIT_TIMEOUT")
	}
	switch c.StoreBackend {
	case "crdb", "memory":
	default:
		return errors.Newf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.LockBackend {
	case "local", "redis":
	default:
		return errors.Newf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	switch c.EventBus {
	case "rabbit", "kafka":
	default:
		return errors.Newf("unknown EVENT_BUS %q", c.EventBus)
	}
	switch c.SweepMode {
	case "ticker", "asynq":
	default:
		return errors.Newf("unknown SWEEP_MODE %q", c.SweepMode)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
