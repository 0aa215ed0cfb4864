// Command ingestd runs the graphkeep ingestion control plane and semantic
// query HTTP surface as a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"graphkeep/internal/config"
	"graphkeep/internal/embedder"
	"graphkeep/internal/extraction/providers"
	"graphkeep/internal/httpapi"
	"graphkeep/internal/jobs"
	"graphkeep/internal/observability"
	"graphkeep/internal/queryengine"
	"graphkeep/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	shutdownOTel, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bundle, err := store.New(ctx, cfg.Store, cfg.EmbeddingDimension)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init store backend")
	}
	defer bundle.Close()

	provider, err := providers.Build(ctx, cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init extraction provider")
	}
	emb := embedder.FromProvider(provider, cfg.EmbeddingDimension)

	scheduler := jobs.New(cfg, bundle.Graph, bundle.Vector, bundle.Lexical, provider, emb)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start job scheduler")
	}
	defer scheduler.Stop()

	query := queryengine.New(bundle.Graph, bundle.Vector, emb, queryengine.WithMetrics(observability.NewOtelMetrics()))

	srv := httpapi.NewServer(scheduler, query)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ingestd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
}
