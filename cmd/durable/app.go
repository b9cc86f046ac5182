package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/durable"
	"pkt.systems/durable/internal/binding"
	"pkt.systems/durable/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DURABLE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "durable")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so root failures go to the structured log.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	subcommandFollows := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !subcommandFollows(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			short := strings.TrimPrefix(arg, "-")
			takesValue := false
			for idx, ch := range short {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !subcommandFollows(args[i:])
				}
				if flag.NoOptDefVal == "" {
					takesValue = idx == len(short)-1
					break
				}
			}
			if takesValue && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

// loadConfigFile reads --config, or DefaultConfigDir/config.yaml when it
// exists. A missing default file is not an error.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := durable.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, durable.DefaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "durable",
		Short:         "durable serves versioned registers, queues and buckets behind a request/reply gateway",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  durable --store mem://

  # Local disk with fsnotify queue wakeups
  durable --store disk:///var/lib/durable

  # MinIO (TLS on by default; append ?insecure=1 for HTTP)
  DURABLE_STORE=s3://localhost:9000/durable?insecure=1 DURABLE_S3_ACCESS_KEY_ID=minioadmin DURABLE_S3_SECRET_ACCESS_KEY=minioadmin durable

  # AWS S3 with objects sealed at rest
  durable keygen
  durable --store aws://my-bucket/durable --aws-region eu-north-1 --storage-encryption-key ~/.durable/storage-key.pem
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to durable",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			var cfg durable.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("config.file.loaded", "path", configFile)
			}

			server, err := durable.NewServer(cfg, durable.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.durable/"+durable.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", durable.DefaultListen, "HTTP listen address")
	flags.String("grpc-listen", durable.DefaultGRPCListen, "gRPC listen address (empty disables)")
	flags.String("metrics-listen", durable.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", durable.DefaultPprofListen, "debug/pprof listen address (empty disables)")
	flags.Bool("runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags.String("store", durable.DefaultStore, "storage backend URL (mem://, disk:///path, sqlite:///path.db, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.Bool("disable-mem-queue-watch", false, "disable in-process queue notifications on mem:// stores")
	flags.Bool("disk-queue-watch", true, "enable fsnotify queue notifications on disk:// stores")
	flags.String("storage-encryption-key", "", "kryptograf key bundle (path or inline PEM); empty stores plaintext")
	flags.Int("storage-retry-attempts", durable.DefaultStorageRetryMaxAttempts, "attempts for transient storage errors")
	flags.Duration("storage-retry-base-delay", durable.DefaultStorageRetryBaseDelay, "first storage retry delay")
	flags.Duration("storage-retry-max-delay", durable.DefaultStorageRetryMaxDelay, "maximum storage retry delay")
	flags.Float64("storage-retry-multiplier", durable.DefaultStorageRetryMultiplier, "storage retry backoff multiplier")

	flags.String("s3-access-key-id", "", "S3 access key (s3:// stores; falls back to DURABLE_S3_ROOT_USER)")
	flags.String("s3-secret-access-key", "", "S3 secret key")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("s3-sse", "", "server-side encryption mode (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key id for s3:// server-side encryption")
	flags.String("s3-max-part-size", humanizeBytes(durable.DefaultS3MaxPartSize), "multipart upload part size")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("aws-kms-key-id", "", "KMS key id for aws:// server-side encryption")
	flags.String("azure-account", "", "Azure storage account (defaults to the azure:// host)")
	flags.String("azure-key", "", "Azure shared key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")

	flags.Duration("gateway-timeout", durable.DefaultGatewayTimeout, "how long the gateway waits for a reply (0 disables)")
	flags.String("max-body", humanizeBytes(durable.DefaultMaxBodyBytes), "maximum JSON request body")
	flags.String("required-scope", "", "scope the registry application requires on every request")
	flags.Uint32("http2-max-concurrent-streams", durable.DefaultMaxConcurrentStreams, "HTTP/2 and gRPC per-connection stream limit")
	flags.Duration("shutdown-timeout", durable.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.Int("mailbox-size", durable.DefaultMailboxSize, "per-partition mailbox depth")

	flags.StringSlice("namespaces", nil, "register namespace bindings (defaults to airfields,airships,flights)")
	flags.StringToString("queues", nil, "queue bindings as binding=queue")
	flags.StringSlice("buckets", nil, "bucket bindings")

	flags.Bool("disable-consumer", false, "do not run the projection consumer")
	flags.String("consumer-queue", durable.DefaultConsumerQueue, "queue the projection consumer reads")
	flags.Int("consumer-batch-size", durable.DefaultConsumerBatchSize, "maximum messages per batch")
	flags.Duration("consumer-batch-timeout", durable.DefaultConsumerBatchTimeout, "maximum time to process one batch")
	flags.Int("consumer-max-retries", durable.DefaultConsumerMaxRetries, "deliveries before a message is dead-lettered")
	flags.String("consumer-dlq", durable.DefaultConsumerDLQ, "dead-letter queue (empty drops exhausted messages)")
	flags.Duration("consumer-retry-delay", 0, "delay before a rejected message is redelivered")
	flags.Duration("consumer-visibility", durable.DefaultConsumerVisibility, "lease held on received messages")
	flags.Duration("consumer-poll-interval", durable.DefaultConsumerPollInterval, "idle poll interval when no wakeups arrive")
	flags.String("projection-bucket", durable.DefaultProjectionBucket, "bucket binding the projection writes to")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("DURABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "grpc-listen", "metrics-listen", "pprof-listen", "runtime-metrics", "otlp-endpoint", "log-level",
		"store", "disable-mem-queue-watch", "disk-queue-watch", "storage-encryption-key",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id", "s3-max-part-size",
		"aws-region", "aws-kms-key-id", "azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"gateway-timeout", "max-body", "required-scope", "http2-max-concurrent-streams", "shutdown-timeout", "mailbox-size",
		"namespaces", "queues", "buckets",
		"disable-consumer", "consumer-queue", "consumer-batch-size", "consumer-batch-timeout", "consumer-max-retries",
		"consumer-dlq", "consumer-retry-delay", "consumer-visibility", "consumer-poll-interval", "projection-bucket",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *durable.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.GRPCListen = viper.GetString("grpc-listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.RuntimeMetrics = viper.GetBool("runtime-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")

	cfg.Store = viper.GetString("store")
	cfg.MemQueueWatch = !viper.GetBool("disable-mem-queue-watch")
	cfg.DiskQueueWatch = viper.GetBool("disk-queue-watch")
	key, err := expandKeyPath(viper.GetString("storage-encryption-key"))
	if err != nil {
		return fmt.Errorf("expand storage-encryption-key: %w", err)
	}
	cfg.StorageEncryptionKey = key
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")

	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	if part := viper.GetString("s3-max-part-size"); part != "" {
		size, err := humanize.ParseBytes(part)
		if err != nil {
			return fmt.Errorf("parse s3-max-part-size: %w", err)
		}
		cfg.S3MaxPartSize = int64(size)
	}
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSKMSKeyID = viper.GetString("aws-kms-key-id")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")

	cfg.GatewayTimeout = viper.GetDuration("gateway-timeout")
	cfg.GatewayTimeoutSet = viper.IsSet("gateway-timeout")
	if maxBody := viper.GetString("max-body"); maxBody != "" {
		size, err := humanize.ParseBytes(maxBody)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.RequiredScope = viper.GetString("required-scope")
	cfg.MaxConcurrentStreams = viper.GetUint32("http2-max-concurrent-streams")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MailboxSize = viper.GetInt("mailbox-size")

	cfg.Bindings = binding.Bindings{
		Namespaces: viper.GetStringSlice("namespaces"),
		Queues:     viper.GetStringMapString("queues"),
		Buckets:    viper.GetStringSlice("buckets"),
	}

	cfg.DisableConsumer = viper.GetBool("disable-consumer")
	cfg.ConsumerQueue = viper.GetString("consumer-queue")
	cfg.ConsumerBatchSize = viper.GetInt("consumer-batch-size")
	cfg.ConsumerBatchTimeout = viper.GetDuration("consumer-batch-timeout")
	cfg.ConsumerMaxRetries = viper.GetInt("consumer-max-retries")
	cfg.ConsumerDLQ = viper.GetString("consumer-dlq")
	cfg.ConsumerDLQSet = viper.IsSet("consumer-dlq")
	cfg.ConsumerRetryDelay = viper.GetDuration("consumer-retry-delay")
	cfg.ConsumerVisibility = viper.GetDuration("consumer-visibility")
	cfg.ConsumerPollInterval = viper.GetDuration("consumer-poll-interval")
	cfg.ProjectionBucket = viper.GetString("projection-bucket")
	return nil
}

// expandKeyPath expands ~ in key bundle paths and leaves inline PEM alone.
func expandKeyPath(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "-----BEGIN") {
		return v, nil
	}
	return expandPath(v)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
