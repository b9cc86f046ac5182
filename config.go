package durable

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/durable/internal/binding"
	"pkt.systems/durable/internal/consumer"
	"pkt.systems/durable/internal/gateway"
)

const (
	// DefaultListen is the default HTTP bind address.
	DefaultListen = ":8787"
	// DefaultGRPCListen is empty, so the gRPC surface is off unless configured.
	DefaultGRPCListen = ""
	// DefaultMetricsListen is the default Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultGatewayTimeout bounds how long the gateway waits for a reply.
	DefaultGatewayTimeout = gateway.DefaultTimeout
	// DefaultMaxBodyBytes bounds inbound JSON request bodies.
	DefaultMaxBodyBytes = int64(gateway.DefaultMaxBodyBytes)
	// DefaultConsumerQueue is the queue the projection consumer reads.
	DefaultConsumerQueue = binding.DefaultQueue
	// DefaultConsumerDLQ receives messages that exhausted their retries.
	DefaultConsumerDLQ = binding.DefaultDeadLetterQueue
	// DefaultProjectionBucket is the bucket binding projections are written to.
	DefaultProjectionBucket = binding.DefaultBucketBinding
	// DefaultMailboxSize is the per-partition mailbox depth.
	DefaultMailboxSize = 64
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams sets the HTTP/2 per-connection stream limit.
	DefaultMaxConcurrentStreams = 256
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultS3MaxPartSize tunes multipart uploads to S3-compatible stores.
	DefaultS3MaxPartSize = 16 * 1024 * 1024
	// DefaultConfigFileName is searched for under DefaultConfigDir when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultKeyBundleName is the PEM file written by `durable keygen`.
	DefaultKeyBundleName = "storage-key.pem"
)

// Consumer defaults, re-exported for flag help.
const (
	DefaultConsumerBatchSize    = consumer.DefaultMaxBatchSize
	DefaultConsumerBatchTimeout = consumer.DefaultMaxBatchTimeout
	DefaultConsumerMaxRetries   = consumer.DefaultMaxRetries
	DefaultConsumerVisibility   = consumer.DefaultVisibilityTimeout
	DefaultConsumerPollInterval = consumer.DefaultPollInterval
)

// Config captures the tunables for a durable.Server instance.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string
	// GRPCListen is the gRPC bind address; empty disables the gRPC surface.
	GRPCListen string
	// MetricsListen is the Prometheus endpoint; empty disables metrics export.
	MetricsListen string
	// PprofListen is the pprof endpoint; empty disables it.
	PprofListen string
	// RuntimeMetrics adds Go runtime metrics to the Prometheus endpoint.
	RuntimeMetrics bool
	// OTLPEndpoint enables tracing (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string

	// Store is the backend DSN (mem://, disk:///path, sqlite:///path.db, s3://, aws://, azure://).
	Store string
	// MemQueueWatch enables in-process queue notifications on mem:// stores.
	MemQueueWatch bool
	// DiskQueueWatch enables fsnotify queue notifications on disk:// stores.
	DiskQueueWatch bool
	// StorageEncryptionKey is a kryptograf PEM bundle path (or inline PEM);
	// empty stores plaintext.
	StorageEncryptionKey string
	// StorageRetryMaxAttempts bounds retries of transient storage errors.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the first retry delay.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps the retry delay.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is the backoff ratio.
	StorageRetryMultiplier float64

	// S3AccessKeyID and friends configure s3:// stores; empty falls back to env.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	S3MaxPartSize     int64
	// AWSRegion is required for aws:// stores unless the URL carries ?region=.
	AWSRegion   string
	AWSKMSKeyID string
	// Azure settings for azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// GatewayTimeout bounds the wait for an application reply; 0 disables.
	GatewayTimeout time.Duration
	// GatewayTimeoutSet reports that GatewayTimeout was set explicitly, so 0 means disabled.
	GatewayTimeoutSet bool
	// MaxBodyBytes caps inbound JSON bodies.
	MaxBodyBytes int64
	// RequiredScope, when set, is enforced by the registry application.
	RequiredScope string
	// MaxConcurrentStreams is the HTTP/2 per-connection stream limit.
	MaxConcurrentStreams uint32
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// MailboxSize is the per-partition mailbox depth.
	MailboxSize int

	// Bindings names the namespaces, queues and buckets the process serves.
	Bindings binding.Bindings

	// DisableConsumer turns the projection consumer off.
	DisableConsumer bool
	// ConsumerQueue is the queue the projection consumer reads.
	ConsumerQueue        string
	ConsumerBatchSize    int
	ConsumerBatchTimeout time.Duration
	ConsumerMaxRetries   int
	// ConsumerDLQ is the dead-letter queue; empty drops exhausted messages.
	ConsumerDLQ string
	// ConsumerDLQSet reports that ConsumerDLQ was set explicitly, so empty means none.
	ConsumerDLQSet       bool
	ConsumerRetryDelay   time.Duration
	ConsumerVisibility   time.Duration
	ConsumerPollInterval time.Duration
	ProjectionBucket     string
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	cfg := Config{MemQueueWatch: true, DiskQueueWatch: true}
	_ = cfg.Validate()
	return cfg
}

// StorageEncryptionEnabled reports whether objects are sealed with kryptograf.
func (c Config) StorageEncryptionEnabled() bool {
	return strings.TrimSpace(c.StorageEncryptionKey) != ""
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	if !c.GatewayTimeoutSet && c.GatewayTimeout == 0 {
		c.GatewayTimeout = DefaultGatewayTimeout
	}
	if c.GatewayTimeout < 0 {
		return fmt.Errorf("config: gateway timeout must be >= 0")
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.S3MaxPartSize <= 0 {
		c.S3MaxPartSize = DefaultS3MaxPartSize
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	if len(c.Bindings.Namespaces) == 0 && len(c.Bindings.Queues) == 0 && len(c.Bindings.Buckets) == 0 {
		c.Bindings = binding.DefaultBindings()
	}
	if err := c.Bindings.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ConsumerQueue == "" {
		c.ConsumerQueue = DefaultConsumerQueue
	}
	if c.ConsumerBatchSize <= 0 {
		c.ConsumerBatchSize = DefaultConsumerBatchSize
	}
	if c.ConsumerBatchTimeout <= 0 {
		c.ConsumerBatchTimeout = DefaultConsumerBatchTimeout
	}
	if c.ConsumerMaxRetries <= 0 {
		c.ConsumerMaxRetries = DefaultConsumerMaxRetries
	}
	if !c.ConsumerDLQSet && c.ConsumerDLQ == "" {
		c.ConsumerDLQ = DefaultConsumerDLQ
	}
	if c.ConsumerRetryDelay < 0 {
		return fmt.Errorf("config: consumer retry delay must be >= 0")
	}
	if c.ConsumerVisibility <= 0 {
		c.ConsumerVisibility = DefaultConsumerVisibility
	}
	if c.ConsumerPollInterval <= 0 {
		c.ConsumerPollInterval = DefaultConsumerPollInterval
	}
	if c.ProjectionBucket == "" {
		c.ProjectionBucket = DefaultProjectionBucket
	}
	if !c.DisableConsumer {
		if c.ConsumerDLQ == c.ConsumerQueue {
			return fmt.Errorf("config: consumer dlq must differ from consumer queue")
		}
		if c.ConsumerVisibility < c.ConsumerBatchTimeout {
			return fmt.Errorf("config: consumer visibility must be >= consumer batch timeout")
		}
		if !containsString(c.Bindings.Buckets, c.ProjectionBucket) {
			return fmt.Errorf("config: projection bucket %q is not a configured bucket binding", c.ProjectionBucket)
		}
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the default configuration directory ($HOME/.durable),
// overridden by DURABLE_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DURABLE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".durable"), nil
}

// DefaultKeyBundlePath returns where `durable keygen` writes by default.
func DefaultKeyBundlePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultKeyBundleName), nil
}
