package durable

import (
	"context"
	"strings"
	"testing"

	"pkt.systems/durable/internal/storage/sealed"
)

func TestVerifyStoreDisk(t *testing.T) {
	root := t.TempDir()
	result, err := VerifyStore(context.Background(), Config{Store: "disk://" + root})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Provider != "disk" || result.Path != root {
		t.Fatalf("unexpected target: %+v", result.Target)
	}
	if !result.Passed() {
		t.Fatalf("expected disk verification to pass: %+v", result.Checks)
	}
}

func TestVerifyStoreSealedSQLite(t *testing.T) {
	bundle, err := sealed.GenerateBundle(nil)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	result, err := VerifyStore(context.Background(), Config{
		Store:                "sqlite::memory:",
		StorageEncryptionKey: string(bundle),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Passed() {
		t.Fatalf("expected sealed sqlite verification to pass: %+v", result.Checks)
	}
	found := false
	for _, check := range result.Checks {
		found = found || check.Name == "SealedAtRest"
	}
	if !found {
		t.Fatal("expected SealedAtRest check when encryption is enabled")
	}
}

func TestVerifyStoreReportsBadKey(t *testing.T) {
	result, err := VerifyStore(context.Background(), Config{Store: "mem://", StorageEncryptionKey: "not a bundle"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Passed() || result.Checks[0].Name != "LoadEncryptionKey" {
		t.Fatalf("expected key failure, got %+v", result.Checks)
	}
}

func TestVerifyStoreRejectsUnknownScheme(t *testing.T) {
	if _, err := VerifyStore(context.Background(), Config{Store: "ftp://nowhere"}); err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestCredentialSummaryString(t *testing.T) {
	cases := map[string]CredentialSummary{
		"anonymous": {Source: "anonymous"},
		"env:DURABLE_S3_ACCESS_KEY_ID (access key AK, secret set)": {AccessKey: "AK", HasSecret: true, Source: "env:DURABLE_S3_ACCESS_KEY_ID"},
		"config (access key AK, no secret)":                       {AccessKey: "AK", Source: "config"},
	}
	for want, summary := range cases {
		if got := summary.String(); got != want {
			t.Fatalf("String()=%q want %q", got, want)
		}
	}
}
