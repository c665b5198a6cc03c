// Package cli implements embedctl, a command line client that runs the
// ingestion and search services in process.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"embedbase/internal/models"
	"embedbase/internal/services"

	"github.com/spf13/cobra"
)

// Backend is the slice of the services the commands call.
type Backend interface {
	Ingest(ctx context.Context, req services.IngestRequest) (*services.UpsertResult, error)
	Search(ctx context.Context, req services.SearchRequest) (*models.SearchResponse, error)
	SetVisibility(ctx context.Context, datasetID, ownerID string, public bool) (*models.Dataset, error)
}

// Opener builds the backend on first use, so that --help never touches the
// database. The returned close function runs when the command returns, even
// when it fails.
type Opener func(ctx context.Context) (Backend, func(context.Context) error, error)

type rootOptions struct {
	owner   string
	json    bool
	open    Opener
	backend Backend
	close   func(context.Context) error
}

// NewRootCommand assembles embedctl and its subcommands.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &rootOptions{open: open}

	root := &cobra.Command{
		Use:   "embedctl",
		Short: "Ingest and search embedded datasets",
		Long: `embedctl chunks plain text files, embeds them and stores them in a dataset,
then runs similarity searches over one or more datasets.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.owner, "owner", "", "owner id the data belongs to")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output results as JSON")

	root.AddCommand(newIngestCommand(opts))
	root.AddCommand(newSearchCommand(opts))
	root.AddCommand(newVisibilityCommand(opts))
	return root
}

func (o *rootOptions) services(ctx context.Context) (Backend, error) {
	if o.backend != nil {
		return o.backend, nil
	}
	if o.open == nil {
		return nil, errors.New("no backend configured")
	}
	b, closeFn, err := o.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start services: %w", err)
	}
	o.backend, o.close = b, closeFn
	return b, nil
}

// run wraps a RunE so an opened backend is closed on every return path.
// Post-run hooks are skipped when RunE fails, so they cannot do this.
func (o *rootOptions) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if cerr := o.shutdown(cmd.Context()); cerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to stop services: %w", cerr))
			}
		}()
		return fn(cmd, args)
	}
}

func (o *rootOptions) shutdown(ctx context.Context) error {
	closeFn := o.close
	o.backend, o.close = nil, nil
	if closeFn == nil {
		return nil
	}
	return closeFn(ctx)
}

func (o *rootOptions) requireOwner() error {
	if o.owner == "" {
		return errors.New("--owner is required")
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
