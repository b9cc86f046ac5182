package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/durable"
	"pkt.systems/durable/internal/storage/sealed"
)

func newKeygenCommand() *cobra.Command {
	var outPath string
	var force bool
	var merge bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a kryptograf key bundle for storage encryption",
		Long: `keygen writes a PEM bundle holding a fresh root key. Point
--storage-encryption-key at the file to seal every stored object at rest.
With --merge an existing bundle keeps its keys and gains a root key if it
has none.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				path, err := durable.DefaultKeyBundlePath()
				if err != nil {
					return fmt.Errorf("resolve key bundle path: %w", err)
				}
				outPath = path
			}
			expanded, err := expandPath(outPath)
			if err != nil {
				return fmt.Errorf("expand %q: %w", outPath, err)
			}
			var existing []byte
			if merge {
				existing, err = os.ReadFile(expanded)
				if err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("read existing bundle: %w", err)
				}
			}
			data, err := sealed.GenerateBundle(existing)
			if err != nil {
				return err
			}
			if err := writeNewFile(expanded, data, force || merge); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote key bundle to %s\n", expanded)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output path for the key bundle (defaults to $HOME/.durable/"+durable.DefaultKeyBundleName+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&merge, "merge", false, "keep keys from an existing bundle at the target path")
	return cmd
}
