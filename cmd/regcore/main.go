// Command regcore runs the regulation ingestion core. One binary serves every
// role; -role selects which components come up so the same image can run the
// API tier and the workers separately, or everything in one process for local
// development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/doctruth/regcore/pkg/api"
	"github.com/doctruth/regcore/pkg/artifact"
	"github.com/doctruth/regcore/pkg/audit"
	"github.com/doctruth/regcore/pkg/auth"
	"github.com/doctruth/regcore/pkg/blobstore"
	"github.com/doctruth/regcore/pkg/bus"
	"github.com/doctruth/regcore/pkg/charmap"
	"github.com/doctruth/regcore/pkg/chunker"
	"github.com/doctruth/regcore/pkg/config"
	"github.com/doctruth/regcore/pkg/derive"
	"github.com/doctruth/regcore/pkg/evidence"
	"github.com/doctruth/regcore/pkg/extract"
	"github.com/doctruth/regcore/pkg/ingest"
	"github.com/doctruth/regcore/pkg/pipeline"
	"github.com/doctruth/regcore/pkg/projection"
	"github.com/doctruth/regcore/pkg/registry"
	"github.com/doctruth/regcore/pkg/rules"
	"github.com/doctruth/regcore/pkg/store"
)

func main() {
	role := flag.String("role", "all", "which components to run: api, canonicalize, llm, projector, all")
	flag.Parse()

	if err := run(*role); err != nil {
		fmt.Fprintf(os.Stderr, "regcore: %v\n", err)
		os.Exit(1)
	}
}

func run(role string) error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("database ready", "url", cfg.DatabaseURL)

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	b, err := openBus(cfg, role, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	reg := registry.NewStore(db)
	aud := audit.NewService(db)
	ev := evidence.NewStore(db, blobs)
	art := artifact.NewService(db, blobs)
	ruleStore := rules.NewStore(db)
	tracer := noop.NewTracerProvider().Tracer("regcore")

	defaults, err := loadRules(cfg)
	if err != nil {
		return err
	}
	if err := ruleStore.EnsureDefaults(ctx, defaults); err != nil {
		return err
	}

	extractor := extract.NewPlainTextExtractor()
	runAPI := role == "api" || role == "all"
	runCanonicalize := role == "canonicalize" || role == "all"
	runLLM := role == "llm" || role == "all"
	runProjector := role == "projector" || role == "all"
	if !runAPI && !runCanonicalize && !runLLM && !runProjector {
		return fmt.Errorf("unknown role %q", role)
	}

	errCh := make(chan error, 4)

	if runCanonicalize {
		w := pipeline.NewWorker(db, reg, ev, art, aud, b, extractor,
			chunker.Policy{MaxChars: cfg.ChunkMaxChars, OverlapChars: cfg.ChunkOverlapChars},
			pipeline.Versions{
				Extractor:   cfg.ExtractorVersion,
				Layout:      cfg.LayoutVersion,
				Chunker:     cfg.ChunkerVersion,
				ChunkSchema: cfg.ChunkSchemaVersion,
			}, logger, tracer)
		go func() { errCh <- w.Run(ctx) }()
		logger.Info("canonicalize worker started")
	}
	if runLLM {
		w := derive.NewWorker(db, art, aud, b, llmClient(cfg), cfg.LLMModelName, cfg.LLMModelVersion, logger, tracer)
		go func() { errCh <- w.Run(ctx) }()
		logger.Info("llm worker started", "model", cfg.LLMModelName)
	}
	if runProjector {
		p := projection.NewProjector(db, reg, art, b, logger)
		go func() { errCh <- p.Run(ctx) }()
		logger.Info("projector started")
	}

	var srv *http.Server
	if runAPI {
		var suggester ingest.Suggester
		if cfg.EnableLLMPrimaryAxisSuggestion {
			suggester = derive.RuleSuggester{}
		}
		orch := ingest.NewOrchestrator(reg, ev, aud, ruleStore, b, suggester, ingest.Options{
			DefaultRules:     defaults,
			SuggestEnabled:   cfg.EnableLLMPrimaryAxisSuggestion,
			SuggestModelName: cfg.LLMModelName,
			SuggestModelVer:  cfg.LLMModelVersion,
		}, logger, tracer)

		cm := charmap.NewService(reg, ev, art, aud, extractor, cfg.CharArtifactMaxPages,
			cfg.ExtractorVersion, cfg.LayoutVersion, logger)

		verifier, err := newVerifier(cfg)
		if err != nil {
			return err
		}
		// One MiB of slack over the rules limit so oversize uploads reach the
		// orchestrator and fail with PAYLOAD_TOO_LARGE instead of a socket error.
		maxBody := int64(defaults.MaxPDFMB+1) << 20
		server := api.NewServer(orch, reg, ev, art, cm, blobs, verifier, maxBody,
			time.Duration(cfg.SignedURLExpiresSec)*time.Second, logger)

		srv = &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("api listening", "port", cfg.Port)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openBlobs(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.StorageMode == "s3" {
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3EndpointURL,
			AccessKey: cfg.S3AccessKeyID,
			SecretKey: cfg.S3SecretAccessKey,
		})
	}
	return blobstore.NewLocalStore(cfg.StorageRoot)
}

// openBus picks the transport. The in-memory bus only works single-process,
// so its worker groups are registered up front for whatever this role runs.
func openBus(cfg *config.Config, role string, logger *slog.Logger) (bus.Bus, error) {
	if cfg.BusMode == "redis" {
		return bus.NewRedisBus(cfg.RedisAddr, cfg.TopicEvents, cfg.BusClientID, logger), nil
	}
	if cfg.BusMode != "memory" {
		return nil, fmt.Errorf("unknown bus mode %q", cfg.BusMode)
	}
	if role != "all" {
		return nil, fmt.Errorf("bus mode memory cannot feed a separate %q process; use redis", role)
	}
	mb := bus.NewMemoryBus(logger)
	mb.Register(pipeline.Group)
	mb.Register(derive.Group)
	mb.Register(projection.Group)
	return mb, nil
}

func loadRules(cfg *config.Config) (rules.Rules, error) {
	if cfg.RulesFile != "" {
		return rules.LoadFile(cfg.RulesFile)
	}
	return rules.Defaults(cfg.MaxPDFMB), nil
}

func llmClient(cfg *config.Config) derive.Client {
	if cfg.LLMAPIKey != "" {
		return derive.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModelName)
	}
	return derive.StubClient{}
}

func newVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch cfg.AuthMode {
	case "none":
		return auth.NoneVerifier{}, nil
	case "jwt_hs256":
		if cfg.JWTHS256Secret == "" {
			return nil, errors.New("AUTH_MODE=jwt_hs256 requires JWT_HS256_SECRET")
		}
		return auth.NewHS256Verifier(cfg.JWTHS256Secret, cfg.JWTAudience, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}
