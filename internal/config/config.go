package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/credentials"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

const (
	CredentialsFromEnv            = "env"
	CredentialsFromSecretsManager = "secretsmanager"
)

type Config struct {
	Environment    string
	Port           string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   []string
	KafkaTopic     string
	NatsURL        string
	JaegerEndpoint string

	CredentialsSource       string
	CredentialsSecretPrefix string

	GatewayTimeout time.Duration
	GatewayRPS     float64
	GatewayBurst   int

	BatchConcurrency int
	BatchInterval    time.Duration
	LockTTL          time.Duration

	SettleGrace    time.Duration
	SettleInterval time.Duration
	SettleAttempts int

	ReceiptTimeout   time.Duration
	ReceiptDedupeTTL time.Duration

	ChildCurrency    string
	RecurrenceMonths int
	PreflightSearch  bool
}

// Load reads configuration from the process environment. A .env file in the
// working directory is loaded first when present; real environment
// variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:             getEnv("APP_ENV", "development"),
		Port:                    getEnv("PORT", "8082"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", "recurring.charge.completed"),
		NatsURL:                 os.Getenv("NATS_URL"),
		JaegerEndpoint:          os.Getenv("JAEGER_ENDPOINT"),
		CredentialsSource:       getEnv("CREDENTIALS_SOURCE", CredentialsFromEnv),
		CredentialsSecretPrefix: getEnv("CREDENTIALS_SECRET_PREFIX", "cybersource"),
		ChildCurrency:           getEnv("CHILD_CURRENCY", "USD"),
	}

	var err error
	parse := func(key string, fn func(string) error) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			if perr := fn(v); perr != nil {
				err = fmt.Errorf("invalid %s=%q: %w", key, v, perr)
			}
		}
	}
	duration := func(dst *time.Duration, def time.Duration) func(string) error {
		*dst = def
		return func(v string) (e error) { *dst, e = time.ParseDuration(v); return }
	}
	integer := func(dst *int, def int) func(string) error {
		*dst = def
		return func(v string) (e error) { *dst, e = strconv.Atoi(v); return }
	}

	parse("GATEWAY_TIMEOUT", duration(&cfg.GatewayTimeout, 30*time.Second))
	parse("BATCH_INTERVAL", duration(&cfg.BatchInterval, time.Hour))
	parse("LOCK_TTL", duration(&cfg.LockTTL, 2*time.Minute))
	parse("SETTLE_GRACE", duration(&cfg.SettleGrace, 5*time.Second))
	parse("SETTLE_INTERVAL", duration(&cfg.SettleInterval, 3*time.Second))
	parse("RECEIPT_TIMEOUT", duration(&cfg.ReceiptTimeout, 5*time.Second))
	parse("RECEIPT_DEDUPE_TTL", duration(&cfg.ReceiptDedupeTTL, 24*time.Hour))
	parse("GATEWAY_BURST", integer(&cfg.GatewayBurst, 5))
	parse("BATCH_CONCURRENCY", integer(&cfg.BatchConcurrency, 4))
	parse("SETTLE_ATTEMPTS", integer(&cfg.SettleAttempts, 5))
	parse("RECURRENCE_MONTHS", integer(&cfg.RecurrenceMonths, 1))

	cfg.GatewayRPS = 10
	parse("GATEWAY_RPS", func(v string) (e error) { cfg.GatewayRPS, e = strconv.ParseFloat(v, 64); return })
	cfg.PreflightSearch = true
	parse("PREFLIGHT_SEARCH", func(v string) (e error) { cfg.PreflightSearch, e = strconv.ParseBool(v); return })

	if err != nil {
		return nil, err
	}

	switch cfg.CredentialsSource {
	case CredentialsFromEnv, CredentialsFromSecretsManager:
	default:
		return nil, fmt.Errorf("invalid CREDENTIALS_SOURCE=%q", cfg.CredentialsSource)
	}
	return cfg, nil
}

// EnvCredentials builds a credential store from CYBERSOURCE_{ENV}_* variables
// for the development and production environments. Environments without a
// merchant id are left out, so calls against them fail as configuration
// faults.
func EnvCredentials() (credentials.StaticStore, error) {
	store := credentials.StaticStore{}
	for _, env := range []models.Environment{models.EnvDevelopment, models.EnvProduction} {
		prefix := "CYBERSOURCE_" + strings.ToUpper(string(env)) + "_"
		merchantID := os.Getenv(prefix + "MERCHANT_ID")
		if merchantID == "" {
			continue
		}

		c := &credentials.Credentials{
			MerchantID:        merchantID,
			AuthType:          credentials.AuthType(getEnv(prefix+"AUTH_TYPE", string(credentials.AuthHTTPSignature))),
			KeyID:             os.Getenv(prefix + "KEY_ID"),
			SharedSecret:      os.Getenv(prefix + "SHARED_SECRET"),
			CertificateSerial: os.Getenv(prefix + "CERT_SERIAL"),
		}
		if path := os.Getenv(prefix + "PRIVATE_KEY_FILE"); path != "" {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %sPRIVATE_KEY_FILE: %w", prefix, err)
			}
			c.PrivateKeyPEM = string(pem)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s credentials: %w", env, err)
		}
		store[env] = c
	}
	return store, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
