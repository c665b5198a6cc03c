package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"embedbase/internal/apperrors"
	"embedbase/internal/services"

	"github.com/spf13/cobra"
)

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var dataset string

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Add text files to a dataset",
		Long: `Reads each file as plain text, splits it into overlapping chunks and stores
their embeddings in the dataset. Chunks already present are left untouched.
Use "-" to read from standard input.`,
		Args: cobra.MinimumNArgs(1),
		RunE: opts.run(func(cmd *cobra.Command, args []string) error {
			if err := opts.requireOwner(); err != nil {
				return err
			}
			backend, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}

			var failed error
			for _, path := range args {
				text, err := readFile(cmd, path)
				if err != nil {
					return err
				}

				res, err := backend.Ingest(cmd.Context(), services.IngestRequest{
					DatasetID: dataset,
					OwnerID:   opts.owner,
					Text:      text,
					Metadata:  map[string]any{"file_name": filepath.Base(path)},
				})
				var pf *apperrors.PartialFailureError
				switch {
				case errors.As(err, &pf):
					failed = errors.Join(failed, fmt.Errorf("%s: %w", path, err))
				case err != nil:
					return fmt.Errorf("%s: %w", path, err)
				}

				if opts.json {
					if err := printJSON(cmd, res); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d documents in %d batches written to %s\n", path, res.Written, res.Batches, res.DatasetID)
				if len(res.FailedBatches) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "  failed batches: %v\n", res.FailedBatches)
				}
			}
			return failed
		}),
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "dataset to write to")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func readFile(cmd *cobra.Command, path string) (string, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}
