package durable

import (
	"context"
	"fmt"
	"net/url"

	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/diagnostics/storagecheck"
	"pkt.systems/durable/internal/loggingutil"
)

// VerifyStore opens cfg.Store the way the server does and runs the storage
// diagnostics against it. A backend that cannot be opened yields a failed
// "Open" check rather than an error; err is reserved for invalid config.
func VerifyStore(ctx context.Context, cfg Config) (storagecheck.Result, error) {
	if err := cfg.Validate(); err != nil {
		return storagecheck.Result{}, err
	}
	target, err := describeStore(cfg)
	if err != nil {
		return storagecheck.Result{}, err
	}
	result := storagecheck.Result{Target: target}
	raw, err := openRawBackend(cfg)
	if err != nil {
		result.Checks = append(result.Checks, storagecheck.CheckResult{Name: "Open", Err: err})
		return withPolicy(result), nil
	}
	backend, err := wrapBackend(raw, cfg, loggingutil.NoopLogger(), clock.Real{})
	if err != nil {
		result.Checks = append(result.Checks, storagecheck.CheckResult{Name: "LoadEncryptionKey", Err: err})
		return result, nil
	}
	defer backend.Close()
	opts := storagecheck.Options{}
	if cfg.StorageEncryptionEnabled() {
		opts.Raw = raw
	}
	checked := storagecheck.Run(ctx, target, backend, opts)
	result.Checks = append(result.Checks, checked.Checks...)
	return withPolicy(result), nil
}

func withPolicy(result storagecheck.Result) storagecheck.Result {
	if result.Provider == "aws" && !result.Passed() {
		result.RecommendedPolicy = storagecheck.BuildAWSPolicy(result.Bucket, result.Prefix)
	}
	return result
}

func describeStore(cfg Config) (storagecheck.Target, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return storagecheck.Target{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return storagecheck.Target{Provider: "memory"}, nil
	case "disk":
		_, root, err := BuildDiskConfig(cfg)
		return storagecheck.Target{Provider: "disk", Path: root}, err
	case "sqlite":
		sqlCfg, err := BuildSQLiteConfig(cfg)
		return storagecheck.Target{Provider: "sqlite", Path: sqlCfg.Path}, err
	case "s3":
		s3cfg, creds, err := BuildGenericS3Config(cfg)
		return storagecheck.Target{
			Provider:    "s3-compatible",
			Bucket:      s3cfg.Bucket,
			Prefix:      s3cfg.Prefix,
			Endpoint:    s3cfg.Endpoint,
			Insecure:    s3cfg.Insecure,
			Credentials: creds.String(),
		}, err
	case "aws":
		awscfg, creds, err := BuildAWSConfig(cfg)
		return storagecheck.Target{
			Provider:    "aws",
			Bucket:      awscfg.Bucket,
			Prefix:      awscfg.Prefix,
			Endpoint:    awscfg.Endpoint,
			Credentials: creds.String(),
		}, err
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		return storagecheck.Target{
			Provider: "azure",
			Bucket:   azureCfg.Container,
			Prefix:   azureCfg.Prefix,
			Endpoint: azureCfg.Endpoint,
		}, err
	default:
		return storagecheck.Target{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}
