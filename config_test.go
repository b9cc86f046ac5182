package durable

import (
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/durable/internal/binding"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default, got %q", cfg.Store)
	}
	if cfg.GatewayTimeout != DefaultGatewayTimeout {
		t.Fatalf("expected gateway timeout default %s, got %s", DefaultGatewayTimeout, cfg.GatewayTimeout)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("expected max body default, got %d", cfg.MaxBodyBytes)
	}
	if cfg.MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Fatalf("expected max concurrent streams default, got %d", cfg.MaxConcurrentStreams)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.ConsumerQueue != DefaultConsumerQueue || cfg.ConsumerDLQ != DefaultConsumerDLQ {
		t.Fatalf("unexpected consumer queues: %q/%q", cfg.ConsumerQueue, cfg.ConsumerDLQ)
	}
	if cfg.ConsumerBatchSize != DefaultConsumerBatchSize || cfg.ConsumerMaxRetries != DefaultConsumerMaxRetries {
		t.Fatalf("unexpected consumer sizing: %d/%d", cfg.ConsumerBatchSize, cfg.ConsumerMaxRetries)
	}
	if cfg.ProjectionBucket != DefaultProjectionBucket {
		t.Fatalf("unexpected projection bucket %q", cfg.ProjectionBucket)
	}
	if len(cfg.Bindings.Namespaces) == 0 || len(cfg.Bindings.Buckets) == 0 {
		t.Fatalf("expected default bindings, got %+v", cfg.Bindings)
	}
}

func TestDefaultConfigEnablesQueueWatch(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.MemQueueWatch || !cfg.DiskQueueWatch {
		t.Fatal("expected queue watch enabled by default")
	}
	if cfg.Listen == "" {
		t.Fatal("expected defaults applied")
	}
}

func TestConfigGatewayTimeoutZeroDisables(t *testing.T) {
	cfg := Config{GatewayTimeout: 0, GatewayTimeoutSet: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.GatewayTimeout != 0 {
		t.Fatalf("expected gateway timeout to stay 0, got %s", cfg.GatewayTimeout)
	}
}

func TestConfigConsumerDLQEmptyWhenSet(t *testing.T) {
	cfg := Config{ConsumerDLQ: "", ConsumerDLQSet: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ConsumerDLQ != "" {
		t.Fatalf("expected empty dlq, got %q", cfg.ConsumerDLQ)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"bad store":            {Store: "://bad"},
		"negative timeout":     {GatewayTimeout: -time.Second},
		"retry delays":         {StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
		"runtime metrics":      {RuntimeMetrics: true},
		"reserved namespace":   {Bindings: binding.Bindings{Namespaces: []string{"queues"}}},
		"dlq equals queue":     {ConsumerQueue: "q", ConsumerDLQ: "q"},
		"visibility < batch":   {ConsumerBatchTimeout: time.Minute, ConsumerVisibility: time.Second},
		"negative retry":       {ConsumerRetryDelay: -time.Second},
		"unknown projection":   {ProjectionBucket: "nope"},
		"duplicate bindings":   {Bindings: binding.Bindings{Namespaces: []string{"x"}, Buckets: []string{"x"}}},
		"invalid binding name": {Bindings: binding.Bindings{Namespaces: []string{"Bad Name"}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestConfigDisabledConsumerSkipsConsumerChecks(t *testing.T) {
	cfg := Config{DisableConsumer: true, ConsumerQueue: "q", ConsumerDLQ: "q", ProjectionBucket: "nope"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DURABLE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
	bundle, err := DefaultKeyBundlePath()
	if err != nil {
		t.Fatalf("DefaultKeyBundlePath: %v", err)
	}
	if bundle != filepath.Join(dir, DefaultKeyBundleName) {
		t.Fatalf("unexpected bundle path %s", bundle)
	}
}

func TestStorageEncryptionEnabled(t *testing.T) {
	if (Config{}).StorageEncryptionEnabled() {
		t.Fatal("expected encryption disabled")
	}
	if !(Config{StorageEncryptionKey: "/etc/durable/key.pem"}).StorageEncryptionEnabled() {
		t.Fatal("expected encryption enabled")
	}
}
