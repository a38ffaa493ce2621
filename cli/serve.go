package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/maesterweb/maesterweb/server"
)

func (a *App) serve(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.IsSet("port") {
		cfg.Server.Port = ctx.Int("port")
	}
	if ctx.IsSet("static-dir") {
		cfg.Server.StaticDir = ctx.String("static-dir")
	}

	runCtx, stop := waitForSignal(ctx.Context)
	defer stop()

	publisher, err := a.openPublisher(runCtx, cfg)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to start server")
		return err
	}

	notifier, notifierCloser, err := a.newNotifier(cfg)
	if err != nil {
		return err
	}
	defer notifierCloser.Close()

	jobs := a.newTracker(cfg, publisher, notifier)
	defer jobs.Close()

	opts := server.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		StaticDir:       cfg.Server.StaticDir,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		defer client.Close()

		if _, err := client.Ping(runCtx).Result(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		opts.Redis = client
		a.logger.Info().
			Int("limit", cfg.Server.RateLimit).
			Dur("window", cfg.Server.RateLimitWindow).
			Msg("Rate limiting enabled")
	} else {
		a.logger.Warn().Msg("REDIS_ADDR not set, rate limiting disabled")
	}

	a.logger.Info().
		Str("output_dir", cfg.Runner.OutputDir).
		Str("executable", cfg.Runner.Executable).
		Msg("Maester web server starting")

	if !ctx.Bool("verbose") {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(a.logger, jobs, publisher, opts)
	return srv.Run(runCtx, cfg.Addr())
}

// waitForSignal returns a context that is cancelled on SIGINT or SIGTERM.
func waitForSignal(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
