package cli

// This file contains the wiring shared by the commands: configuration,
// report storage, the job tracker and its notifier.

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/maesterweb/maesterweb/config"
	"github.com/maesterweb/maesterweb/maester"
	"github.com/maesterweb/maesterweb/notify"
	"github.com/maesterweb/maesterweb/storage"
	"github.com/maesterweb/maesterweb/tracker"
)

func (a *App) loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newObjectStore(cfg config.StorageConfig) (storage.ObjectStore, error) {
	if cfg.Backend == config.BackendMemory {
		return storage.NewMemoryStore(cfg.Container), nil
	}
	return storage.NewS3Store(storage.S3Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Container,
		Region:    cfg.Region,
		Secure:    cfg.Secure,
	})
}

// openPublisher connects to the report storage and makes sure the bucket
// exists.
func (a *App) openPublisher(ctx context.Context, cfg *config.Config) (*storage.Publisher, error) {
	store, err := newObjectStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	a.logger.Debug().
		Str("backend", cfg.Storage.Backend).
		Str("bucket", cfg.Storage.Container).
		Msg("Using report storage")

	publisher := storage.NewPublisher(a.logger, store)
	if err := publisher.Initialize(ctx); err != nil {
		return nil, err
	}
	return publisher, nil
}

// newNotifier connects to RabbitMQ when configured. The returned closer is
// never nil.
func (a *App) newNotifier(cfg *config.Config) (tracker.Notifier, io.Closer, error) {
	if cfg.AMQP.URL == "" {
		return nil, io.NopCloser(nil), nil
	}

	n, err := notify.Dial(a.logger, cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info().Str("exchange", cfg.AMQP.Exchange).Msg("Publishing job events to RabbitMQ")
	return n, n, nil
}

func (a *App) newTracker(cfg *config.Config, publisher tracker.Publisher, notifier tracker.Notifier) *tracker.Tracker {
	return tracker.New(a.logger, maester.NewProcess(a.logger), publisher, tracker.Options{
		OutputDir:   cfg.Runner.OutputDir,
		Executable:  cfg.Runner.Executable,
		Module:      cfg.Runner.Module,
		SkipConnect: cfg.Runner.SkipConnect,
		Retention:   cfg.Runner.Retention,
		Timeout:     cfg.Runner.Timeout,
		Notifier:    notifier,
	})
}
