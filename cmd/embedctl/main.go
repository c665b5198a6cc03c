package main

import (
	"context"
	"os"

	"embedbase/internal/app"
	"embedbase/internal/cli"
	"embedbase/internal/config"
	"embedbase/internal/models"
	"embedbase/internal/services"
)

// backend adapts the wired application to the commands.
type backend struct {
	app *app.App
}

func (b backend) Ingest(ctx context.Context, req services.IngestRequest) (*services.UpsertResult, error) {
	return b.app.Ingest.Ingest(ctx, req)
}

func (b backend) Search(ctx context.Context, req services.SearchRequest) (*models.SearchResponse, error) {
	return b.app.Search.Search(ctx, req)
}

func (b backend) SetVisibility(ctx context.Context, datasetID, ownerID string, public bool) (*models.Dataset, error) {
	return b.app.Datasets.SetVisibility(ctx, datasetID, ownerID, public)
}

func open(context.Context) (cli.Backend, func(context.Context) error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return backend{app: a}, a.Shutdown, nil
}

func main() {
	if err := cli.NewRootCommand(open).Execute(); err != nil {
		os.Exit(1)
	}
}
