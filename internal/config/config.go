package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	xerrors "billing-sync-service/internal/pkg/errors"
	"billing-sync-service/internal/pkg/jwt"
	"billing-sync-service/internal/pkg/secrets"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type LedgerConfig struct {
	BaseURL           string        `validate:"required,url"`
	APIKey            string        `validate:"required"`
	Timeout           time.Duration `validate:"gt=0"`
	ScanPerPage       int           `validate:"gte=1,lte=100"`
	RequestsPerSecond float64       `validate:"gte=0"`
	Burst             int           `validate:"gte=0"`
}

type StripeConfig struct {
	SecretKey     string `validate:"required"`
	WebhookSecret string `validate:"required"`
	SuccessURL    string `validate:"required,url"`
	CancelURL     string `validate:"required,url"`
	// WebhookAllowedCIDRs restricts the webhook route when non-empty.
	WebhookAllowedCIDRs []string `validate:"dive,cidr"`
}

type AppConfig struct {
	Env      string `validate:"oneof=development staging production test"`
	HTTPAddr string `validate:"required"`

	DatabaseURL   string `validate:"required"`
	DBAutoMigrate bool

	RedisAddr    string `validate:"required"`
	RedisPass    string
	RedisCluster bool

	JWT jwt.Config

	Ledger LedgerConfig
	Stripe StripeConfig

	// ReconcileSchedule is a cron spec. Empty disables the scheduler.
	ReconcileSchedule string
	PlanCacheTTL      time.Duration `validate:"gt=0"`
	WebhookDedupeTTL  time.Duration `validate:"gt=0"`

	CORSOrigins []string
}

// Load reads the environment into AppConfig and opens any "enc:" values
// with CONFIG_ENCRYPTION_KEY. A value that fails to decrypt aborts loading.
func Load() (AppConfig, error) {
	var box *secrets.Box
	if key := os.Getenv("CONFIG_ENCRYPTION_KEY"); key != "" {
		b, err := secrets.NewBox(key)
		if err != nil {
			return AppConfig{}, err
		}
		box = b
	}

	r := &reader{box: box}
	cfg := AppConfig{
		Env:      getEnv("APP_ENV", "production"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),

		DatabaseURL:   r.secret("DATABASE_URL", ""),
		DBAutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),

		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:    r.secret("REDIS_PASS", ""),
		RedisCluster: getEnvBool("REDIS_CLUSTER", false),

		JWT: jwt.Config{
			PrivPath: getEnv("JWT_PRIVATE_KEY_PATH", ""),
			PubPath:  getEnv("JWT_PUBLIC_KEY_PATH", "/app/secrets/jwt_public.pem"),
			Issuer:   getEnv("JWT_ISSUER", "accounts"),
			Audience: getEnv("JWT_AUDIENCE", "billing"),
			TTL:      r.duration("JWT_TTL", 24*time.Hour),
			KID:      getEnv("JWT_KID", "billing-key"),
		},

		Ledger: LedgerConfig{
			BaseURL:           strings.TrimRight(getEnv("LEDGER_API_URL", ""), "/"),
			APIKey:            r.secret("LEDGER_API_KEY", ""),
			Timeout:           r.duration("LEDGER_TIMEOUT", 30*time.Second),
			ScanPerPage:       r.integer("LEDGER_SCAN_PER_PAGE", 100),
			RequestsPerSecond: r.float("LEDGER_RPS", 10),
			Burst:             r.integer("LEDGER_BURST", 20),
		},

		Stripe: StripeConfig{
			SecretKey:           r.secret("STRIPE_SECRET_KEY", ""),
			WebhookSecret:       r.secret("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:          getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:8000/api/v1/billing/payment/success"),
			CancelURL:           getEnv("CHECKOUT_CANCEL_URL", "http://localhost:8000/api/v1/billing/payment/cancel"),
			WebhookAllowedCIDRs: getEnvSlice("STRIPE_WEBHOOK_ALLOWED_CIDRS", nil),
		},

		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", ""),
		PlanCacheTTL:      r.duration("PLAN_CACHE_TTL", 5*time.Minute),
		WebhookDedupeTTL:  r.duration("WEBHOOK_DEDUPE_TTL", 24*time.Hour),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
	}

	if r.err != nil {
		return AppConfig{}, r.err
	}
	return cfg, nil
}

// Validate lists every invalid field in one error.
func (c AppConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s: %w", strings.Join(fields, ", "), xerrors.ErrConfiguration)
}

func (c AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// reader keeps the first parse or decrypt error so Load can report it once.
type reader struct {
	box *secrets.Box
	err error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (r *reader) secret(key, fallback string) string {
	v, err := r.box.Open(getEnv(key, fallback))
	if err != nil {
		r.fail(key, err)
		return ""
	}
	return v
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, fmt.Errorf("parse duration %q: %w", v, xerrors.ErrConfiguration))
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, fmt.Errorf("parse integer %q: %w", v, xerrors.ErrConfiguration))
		return fallback
	}
	return n
}

func (r *reader) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, fmt.Errorf("parse number %q: %w", v, xerrors.ErrConfiguration))
		return fallback
	}
	return f
}

// --- Helper functions ---

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
