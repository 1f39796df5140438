// Package config builds the gateway configuration once at start. Nothing
// else in the process reads the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"model-gateway/internal/shared"

	"github.com/joho/godotenv"
	"github.com/manifold-inc/manifold-sdk/lib/eflag"
)

const (
	StorageMinio  = "minio"
	StorageMemory = "memory"
)

type Config struct {
	ServerAddr      string
	Debug           bool
	Trace           bool
	MetricsAPIKey   string
	ShutdownTimeout time.Duration

	Services  ServiceConfig
	Routing   RoutingConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Dispatch  DispatchConfig

	// Optional prediction ledger, disabled when empty
	LedgerDSN string
	// Optional model record cache, disabled when zero
	ModelCacheTTL time.Duration
}

type ServiceConfig struct {
	UserAdminURL    string
	PaymentURL      string
	ProjectAdminURL string
	DeployAdminURL  string
	MetadataTimeout time.Duration
}

type RoutingConfig struct {
	ModelURL       string
	TransformerURL string
}

type RedisConfig struct {
	Addrs    []string
	Password string
}

type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

type StorageConfig struct {
	Backend       string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Region        string
	RuntimeBucket string
	RuntimePrefix string
	PresignTTL    time.Duration
	MaxPostSize   int64
}

type DispatchConfig struct {
	InlineLimit       int64
	ChunkSize         int64
	PredictionTimeout time.Duration
}

// Defaults returns a config with every default applied and no service urls
func Defaults() *Config {
	return &Config{
		ServerAddr:      ":80",
		ShutdownTimeout: shared.DefaultShutdownTimeout,
		Services: ServiceConfig{
			MetadataTimeout: shared.DefaultMetadataTimeout,
		},
		RateLimit: RateLimitConfig{
			Max:    shared.DefaultMaxRateLimit,
			Window: shared.DefaultRateLimitWindow,
		},
		Storage: StorageConfig{
			Backend:       StorageMinio,
			UseSSL:        true,
			Region:        "us-east-1",
			RuntimePrefix: "runtime",
			PresignTTL:    shared.DefaultPresignTTL,
			MaxPostSize:   shared.DefaultMaxPostSize,
		},
		Dispatch: DispatchConfig{
			InlineLimit:       shared.DefaultInlineLimit,
			ChunkSize:         shared.DefaultChunkSize,
			PredictionTimeout: shared.DefaultPredictionTimeout,
		},
	}
}

// Load reads .env (if present), then flags populated from the environment
func Load() (*Config, error) {
	return LoadFlags(flag.CommandLine, nil)
}

// LoadFlags registers every gateway flag on fs and parses args. A nil args
// parses the process arguments.
func LoadFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	// missing .env is expected outside of local dev
	_ = godotenv.Load()

	cfg := Defaults()
	var redisAddrs string
	var inlineMB, chunkMB, maxPostMB int64

	fs.StringVar(&cfg.ServerAddr, "server-addr", cfg.ServerAddr, "Listen address")
	fs.BoolVar(&cfg.Debug, "debug", false, "Debug enabled")
	fs.BoolVar(&cfg.Trace, "trace", false, "Export traces to stdout")
	fs.StringVar(&cfg.MetricsAPIKey, "metrics-api-key", "", "Metrics api key")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")

	fs.StringVar(&cfg.Services.UserAdminURL, "user-admin-service-url", "", "Identity service base url")
	fs.StringVar(&cfg.Services.PaymentURL, "payment-service-url", "", "Billing service base url")
	fs.StringVar(&cfg.Services.ProjectAdminURL, "project-admin-service-url", "", "Catalog service base url")
	fs.StringVar(&cfg.Services.DeployAdminURL, "deploy-admin-service-url", "", "Deployment service base url")
	fs.DurationVar(&cfg.Services.MetadataTimeout, "metadata-timeout", cfg.Services.MetadataTimeout, "Timeout for metadata lookups")

	fs.StringVar(&cfg.Routing.ModelURL, "model-kourier-service-url", "", "Model routing base url")
	fs.StringVar(&cfg.Routing.TransformerURL, "transformer-kourier-service-url", "", "Transformer routing base url")

	fs.StringVar(&redisAddrs, "redis-addrs", "", "Comma separated redis host:port list")
	fs.StringVar(&cfg.Redis.Password, "redis-password", "", "Redis password")

	fs.IntVar(&cfg.RateLimit.Max, "max-rate-limit", cfg.RateLimit.Max, "Requests per user per window")
	fs.DurationVar(&cfg.RateLimit.Window, "rate-limit-window", cfg.RateLimit.Window, "Rate limit window")

	fs.StringVar(&cfg.Storage.Backend, "storage-backend", cfg.Storage.Backend, "minio or memory")
	fs.StringVar(&cfg.Storage.Endpoint, "storage-endpoint", "", "S3 compatible endpoint host:port")
	fs.StringVar(&cfg.Storage.AccessKey, "storage-access-key", "", "Storage access key")
	fs.StringVar(&cfg.Storage.SecretKey, "storage-secret-key", "", "Storage secret key")
	fs.BoolVar(&cfg.Storage.UseSSL, "storage-use-ssl", cfg.Storage.UseSSL, "Use tls for storage")
	fs.StringVar(&cfg.Storage.Region, "aws-region", cfg.Storage.Region, "Storage region")
	fs.StringVar(&cfg.Storage.RuntimeBucket, "runtime-bucket-name", "", "Bucket for offloaded responses")
	fs.StringVar(&cfg.Storage.RuntimePrefix, "runtime-prefix", cfg.Storage.RuntimePrefix, "Key prefix for offloaded responses")
	fs.DurationVar(&cfg.Storage.PresignTTL, "presign-ttl", cfg.Storage.PresignTTL, "Presigned url lifetime")
	fs.Int64Var(&maxPostMB, "max-post-file-size", cfg.Storage.MaxPostSize/shared.MiB, "Max presigned upload size in MB")

	fs.Int64Var(&inlineMB, "max-payload-size", cfg.Dispatch.InlineLimit/shared.MiB, "Largest inline response in MB")
	fs.Int64Var(&chunkMB, "chunk-size", cfg.Dispatch.ChunkSize/shared.MiB, "Multipart chunk size in MB")
	fs.DurationVar(&cfg.Dispatch.PredictionTimeout, "prediction-timeout", cfg.Dispatch.PredictionTimeout, "Timeout for model predictions")

	fs.StringVar(&cfg.LedgerDSN, "dsn", "", "Prediction ledger DSN")
	fs.DurationVar(&cfg.ModelCacheTTL, "model-cache-ttl", 0, "Model record cache ttl, 0 disables")

	if fs == flag.CommandLine {
		if err := eflag.SetFlagsFromEnvironment(); err != nil {
			return nil, err
		}
	} else {
		setFromEnvironment(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Redis.Addrs = splitList(redisAddrs)
	cfg.Storage.MaxPostSize = maxPostMB * shared.MiB
	cfg.Dispatch.InlineLimit = inlineMB * shared.MiB
	cfg.Dispatch.ChunkSize = chunkMB * shared.MiB
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"user-admin-service-url":          c.Services.UserAdminURL,
		"payment-service-url":             c.Services.PaymentURL,
		"project-admin-service-url":       c.Services.ProjectAdminURL,
		"deploy-admin-service-url":        c.Services.DeployAdminURL,
		"model-kourier-service-url":       c.Routing.ModelURL,
		"transformer-kourier-service-url": c.Routing.TransformerURL,
		"runtime-bucket-name":             c.Storage.RuntimeBucket,
	}
	for _, name := range sortedKeys(required) {
		if required[name] == "" {
			errs = append(errs, fmt.Errorf("missing %s", name))
		}
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("max-rate-limit must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate-limit-window must be positive"))
	}
	if c.Dispatch.InlineLimit < 0 {
		errs = append(errs, errors.New("max-payload-size must not be negative"))
	}
	if c.Dispatch.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk-size must be positive"))
	}
	switch c.Storage.Backend {
	case StorageMinio:
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("missing storage-endpoint"))
		}
		if c.Dispatch.ChunkSize < shared.MinMultipartChunkSize {
			errs = append(errs, fmt.Errorf("chunk-size below the %d byte multipart minimum", shared.MinMultipartChunkSize))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage-backend %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}

// RuntimeFolder is the per transaction prefix every object of a request
// lives under
func (s StorageConfig) RuntimeFolder(txID string) string {
	if s.RuntimePrefix == "" {
		return txID
	}
	return strings.TrimSuffix(s.RuntimePrefix, "/") + "/" + txID
}
