package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/durable"
	"pkt.systems/durable/internal/diagnostics/storagecheck"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand())
	return cmd
}

func newVerifyStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "store [store-url]",
		Short:        "Verify storage configuration",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
DURABLE_STORE=disk:///var/lib/durable durable verify store

# Verify S3-compatible service (MinIO)
DURABLE_S3_ACCESS_KEY_ID=minio DURABLE_S3_SECRET_ACCESS_KEY=minio123 durable verify store "s3://localhost:9000/durable?insecure=1"

# Verify AWS S3 with encryption at rest
DURABLE_AWS_REGION=us-west-2 DURABLE_STORAGE_ENCRYPTION_KEY=~/.durable/storage-key.pem durable verify store aws://my-bucket
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg durable.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Store = args[0]
			}
			res, err := durable.VerifyStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "store: %s\n", cfg.Store)
			if err := storagecheck.Write(out, res); err != nil {
				return err
			}
			if !res.Passed() {
				return errors.New("storage verification failed")
			}
			fmt.Fprintln(out, "storage verification passed")
			return nil
		},
	}
	return cmd
}
