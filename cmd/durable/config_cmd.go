package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/durable"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage durable configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.durable/" + durable.DefaultConfigFileName
	if dir, err := durable.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, durable.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default durable configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := durable.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, durable.DefaultConfigFileName)
			}
			if err := writeNewFile(outPath, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// writeNewFile writes data with 0600 permissions, refusing to replace an
// existing file unless force is set.
func writeNewFile(path string, data []byte, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

type configDefaults struct {
	Listen                    string            `yaml:"listen"`
	GRPCListen                string            `yaml:"grpc-listen"`
	MetricsListen             string            `yaml:"metrics-listen"`
	PprofListen               string            `yaml:"pprof-listen"`
	RuntimeMetrics            bool              `yaml:"runtime-metrics"`
	OTLPEndpoint              string            `yaml:"otlp-endpoint"`
	LogLevel                  string            `yaml:"log-level"`
	Store                     string            `yaml:"store"`
	DisableMemQueueWatch      bool              `yaml:"disable-mem-queue-watch"`
	DiskQueueWatch            bool              `yaml:"disk-queue-watch"`
	StorageEncryptionKey      string            `yaml:"storage-encryption-key"`
	StorageRetryMaxAttempts   int               `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay     string            `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay      string            `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier    float64           `yaml:"storage-retry-multiplier"`
	S3SSE                     string            `yaml:"s3-sse"`
	S3KMSKeyID                string            `yaml:"s3-kms-key-id"`
	S3MaxPartSize             string            `yaml:"s3-max-part-size"`
	AWSRegion                 string            `yaml:"aws-region"`
	AWSKMSKeyID               string            `yaml:"aws-kms-key-id"`
	GatewayTimeout            string            `yaml:"gateway-timeout"`
	MaxBody                   string            `yaml:"max-body"`
	RequiredScope             string            `yaml:"required-scope"`
	HTTP2MaxConcurrentStreams uint32            `yaml:"http2-max-concurrent-streams"`
	ShutdownTimeout           string            `yaml:"shutdown-timeout"`
	MailboxSize               int               `yaml:"mailbox-size"`
	Namespaces                []string          `yaml:"namespaces"`
	Queues                    map[string]string `yaml:"queues"`
	Buckets                   []string          `yaml:"buckets"`
	DisableConsumer           bool              `yaml:"disable-consumer"`
	ConsumerQueue             string            `yaml:"consumer-queue"`
	ConsumerBatchSize         int               `yaml:"consumer-batch-size"`
	ConsumerBatchTimeout      string            `yaml:"consumer-batch-timeout"`
	ConsumerMaxRetries        int               `yaml:"consumer-max-retries"`
	ConsumerDLQ               string            `yaml:"consumer-dlq"`
	ConsumerRetryDelay        string            `yaml:"consumer-retry-delay"`
	ConsumerVisibility        string            `yaml:"consumer-visibility"`
	ConsumerPollInterval      string            `yaml:"consumer-poll-interval"`
	ProjectionBucket          string            `yaml:"projection-bucket"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := durable.DefaultConfig()
	defaults := configDefaults{
		Listen:                    cfg.Listen,
		GRPCListen:                cfg.GRPCListen,
		MetricsListen:             cfg.MetricsListen,
		PprofListen:               cfg.PprofListen,
		LogLevel:                  "info",
		Store:                     cfg.Store,
		DisableMemQueueWatch:      !cfg.MemQueueWatch,
		DiskQueueWatch:            cfg.DiskQueueWatch,
		StorageRetryMaxAttempts:   cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:     cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:      cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier:    cfg.StorageRetryMultiplier,
		S3MaxPartSize:             humanizeBytes(cfg.S3MaxPartSize),
		GatewayTimeout:            cfg.GatewayTimeout.String(),
		MaxBody:                   humanizeBytes(cfg.MaxBodyBytes),
		HTTP2MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		ShutdownTimeout:           cfg.ShutdownTimeout.String(),
		MailboxSize:               cfg.MailboxSize,
		Namespaces:                cfg.Bindings.Namespaces,
		Queues:                    cfg.Bindings.Queues,
		Buckets:                   cfg.Bindings.Buckets,
		ConsumerQueue:             cfg.ConsumerQueue,
		ConsumerBatchSize:         cfg.ConsumerBatchSize,
		ConsumerBatchTimeout:      cfg.ConsumerBatchTimeout.String(),
		ConsumerMaxRetries:        cfg.ConsumerMaxRetries,
		ConsumerDLQ:               cfg.ConsumerDLQ,
		ConsumerRetryDelay:        cfg.ConsumerRetryDelay.String(),
		ConsumerVisibility:        cfg.ConsumerVisibility.String(),
		ConsumerPollInterval:      cfg.ConsumerPollInterval.String(),
		ProjectionBucket:          cfg.ProjectionBucket,
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
