package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	capahttp "github.com/opencapa/capa-engine/internal/api/http"
	"github.com/opencapa/capa-engine/internal/auth"
	"github.com/opencapa/capa-engine/internal/config"
	"github.com/opencapa/capa-engine/internal/db"
	"github.com/opencapa/capa-engine/internal/events"
	"github.com/opencapa/capa-engine/internal/lifecycle"
	"github.com/opencapa/capa-engine/internal/problems"
	"github.com/opencapa/capa-engine/internal/ratelimit"
	"github.com/opencapa/capa-engine/internal/render"
	"github.com/opencapa/capa-engine/internal/state"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	database, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client)
	}

	renderer, err := render.NewTemplateRenderer()
	if err != nil {
		return err
	}
	source := problems.NewFSSource(cfg.ProblemDir, lifecycle.Settings{
		ShowAnswer: "finished",
		Waittime:   cfg.Waittime(),
	})

	var queue xqueue.Submitter
	if cfg.XQueue.URL != "" {
		queue = xqueue.New(cfg.XQueue.URL, xqueue.Auth{
			Username: cfg.XQueue.Username,
			Password: cfg.XQueue.Password,
		})
	}

	server := &capahttp.Server{
		Auth:         auth.NewService(cfg.AuthSecret),
		DB:           database,
		Store:        state.NewSQLStore(database, db.Driver(cfg.DBDriver)),
		Events:       events.NewSQLRecorder(database),
		Limiter:      limiter,
		Renderer:     renderer,
		Source:       source,
		Resolver:     source,
		Queue:        queue,
		QueueName:    cfg.XQueue.QueueName,
		CallbackBase: cfg.XQueue.CallbackBase,
		Waittime:     cfg.Waittime(),
		CORSOrigins:  cfg.CORSOrigins,
		Debug:        cfg.Debug,
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("capad: listening on %s", cfg.HTTPAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		log.Printf("capad: received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
