package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Database    DatabaseConfig
	Auth        AuthConfig
	Stripe      StripeConfig
	Checkout    CheckoutConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// DatabaseConfig tunes the connection pool.
type DatabaseConfig struct {
	MaxConns int32 `default:"10" usage:"Maximum pool connections" flag:"db-max-conns"`
	MinConns int32 `default:"1"  usage:"Minimum idle pool connections" flag:"db-min-conns"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET" usage:"HS256 secret for bearer tokens" flag:"jwt-secret"`
	Issuer    string `default:"" usage:"Expected token issuer; empty disables the check" flag:"jwt-issuer"`
}

// StripeConfig configures the payment processor.
type StripeConfig struct {
	SecretKey         string        `env:"SECRET_KEY" usage:"Stripe secret API key" flag:"stripe-secret-key"`
	WebhookSecret     string        `env:"WEBHOOK_SECRET" usage:"Stripe webhook signing secret" flag:"stripe-webhook-secret"`
	Currency          string        `default:"inr" usage:"Checkout currency (ISO 4217, lowercase)"`
	MaxNetworkRetries int64         `default:"2"   usage:"Retries for failed Stripe API calls" flag:"stripe-max-retries"`
	Timeout           time.Duration `default:"10s" usage:"Stripe API call timeout" flag:"stripe-timeout"`
	Tolerance         time.Duration `default:"5m"  usage:"Maximum webhook signature age" flag:"stripe-tolerance"`
}

// CheckoutConfig controls hosted checkout redirects.
type CheckoutConfig struct {
	FrontendURL     string        `default:"http://localhost:5173" usage:"Fallback redirect origin" flag:"frontend-url"`
	SuccessPath     string        `default:"/loader?next=my-orders" usage:"Path appended to the origin after payment"`
	CancelPath      string        `default:"/cart" usage:"Path appended to the origin on cancel"`
	MaxWebhookBytes int64         `default:"65536" usage:"Maximum webhook payload size" flag:"max-webhook-bytes"`
	ListLimit       int           `default:"100" usage:"Maximum orders returned per listing" flag:"list-limit"`
	CartClearRetry  time.Duration `default:"1m" usage:"Interval between retries of failed post-payment cart clears" flag:"cart-clear-retry"`
}

// RedisConfig enables the processed-event cache when Addrs is set.
type RedisConfig struct {
	Addrs    []string      `usage:"Redis addresses; empty disables the cache"`
	Password string        `usage:"Redis password"`
	Prefix   string        `default:"shop" usage:"Key prefix"`
	TTL      time.Duration `default:"72h" usage:"Processed event key lifetime" flag:"redis-ttl"`
}

// KafkaConfig enables settlement notifications when Brokers is set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka brokers; empty disables notifications"`
	Topic   string   `default:"order-settlements" usage:"Settlement topic"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers. Origins also
// serve as the allow-list for checkout redirect origins.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	case c.Auth.JWTSecret == "":
		return errors.New("JWT secret is required: set SHOP_AUTH_JWT_SECRET")
	case c.Stripe.SecretKey == "":
		return errors.New("stripe secret key is required: set SHOP_STRIPE_SECRET_KEY")
	case c.Stripe.WebhookSecret == "":
		return errors.New("stripe webhook secret is required: set SHOP_STRIPE_WEBHOOK_SECRET")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
