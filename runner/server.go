// Package runner is the gate server: it accepts triggers over HTTP, runs
// the matching workflows on a job queue, and streams status events and step
// logs back out over websockets.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/gate/log"
	"tangled.sh/tangled.sh/gate/runner/config"
	"tangled.sh/tangled.sh/gate/runner/db"
	"tangled.sh/tangled.sh/gate/runner/engine"
	"tangled.sh/tangled.sh/gate/runner/engines/docker"
	"tangled.sh/tangled.sh/gate/runner/engines/local"
	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/notifier"
	"tangled.sh/tangled.sh/gate/runner/queue"
	"tangled.sh/tangled.sh/gate/runner/secrets"
	"tangled.sh/tangled.sh/gate/telemetry"
)

type Server struct {
	db    *db.DB
	l     *slog.Logger
	n     *notifier.Notifier
	engs  map[string]models.Engine
	jq    *queue.Queue
	cfg   *config.Config
	vault secrets.Manager
	run   *engine.Runner
	tel   *telemetry.Telemetry

	// views of finished runs, keyed by rkey
	runCache *ristretto.Cache

	// parent of every pipeline run; outlives the request that triggered it
	baseCtx context.Context
}

func New(ctx context.Context, cfg *config.Config, d *db.DB, n *notifier.Notifier, engs map[string]models.Engine, vault secrets.Manager, tel *telemetry.Telemetry) *Server {
	l := log.FromContext(ctx)

	opts := []engine.Opt{
		engine.WithDB(d, n),
		engine.WithLogDir(cfg.Pipelines.LogDir),
	}
	if vault != nil {
		opts = append(opts, engine.WithVault(vault))
	}

	runCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        1e4,
		MaxCost:            1000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		l.Warn("run cache disabled", "err", err)
		runCache = nil
	}

	return &Server{
		db:       d,
		l:        l,
		n:        n,
		engs:     engs,
		jq:       queue.NewQueue(cfg.Server.QueueSize, cfg.Server.QueueWorkers),
		cfg:      cfg,
		vault:    vault,
		run:      engine.NewRunner(log.SubLogger(l, "engine"), opts...),
		tel:      tel,
		runCache: runCache,
		baseCtx:  ctx,
	}
}

func Run(ctx context.Context, cfg *config.Config, version string) error {
	logger := log.FromContext(ctx)

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	n := notifier.New()

	engs, err := Engines(ctx, cfg)
	if err != nil {
		return err
	}

	vault, err := Vault(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup secrets provider: %w", err)
	}
	if stopper, ok := vault.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.NewTelemetry(ctx, "gate", version, telemetry.Options{
			Dev:            cfg.Server.Dev,
			MetricInterval: cfg.Telemetry.MetricInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer tel.Shutdown(context.Background())
	}

	s := New(ctx, cfg, d, &n, engs, vault, tel)

	// starts the job queue workers in the background
	s.jq.Start()
	defer s.jq.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("starting gate server", "address", cfg.Server.ListenAddr, "engines", len(engs))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Engines sets up every engine that can run on this host. The configured
// default engine must be among them.
func Engines(ctx context.Context, cfg *config.Config) (map[string]models.Engine, error) {
	l := log.FromContext(ctx)
	engs := make(map[string]models.Engine)

	if le, err := local.New(ctx, cfg); err == nil {
		engs["local"] = le
	} else {
		l.Warn("local engine unavailable", "error", err)
	}

	if de, err := docker.New(ctx, cfg); err == nil {
		engs["docker"] = de
	} else {
		l.Warn("docker engine unavailable", "error", err)
	}

	if _, ok := engs[cfg.Pipelines.Engine]; !ok {
		return nil, fmt.Errorf("default engine %q is not available", cfg.Pipelines.Engine)
	}
	return engs, nil
}

func Vault(ctx context.Context, cfg *config.Config) (secrets.Manager, error) {
	switch p := cfg.Server.Secrets.Provider; p {
	case "openbao":
		bao := cfg.Server.Secrets.OpenBao
		return secrets.NewOpenBaoManager(
			bao.Addr,
			bao.RoleID,
			bao.SecretID,
			log.SubLogger(log.FromContext(ctx), "openbao"),
			secrets.WithMountPath(bao.Mount),
		)
	case "sqlite", "":
		return secrets.NewSQLiteManager(cfg.Server.DBPath, secrets.WithTableName("secrets"))
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", p)
	}
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	if s.tel != nil {
		mux.Use(s.tel.RequestInFlight())
		mux.Use(s.tel.RequestDuration())
	}

	mux.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is a gate server\n"))
	})
	mux.With(s.RequireToken).Post("/trigger", s.Trigger)
	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{rkey}/{name}", s.Logs)
	mux.Get("/runs", s.ListRuns)
	mux.Get("/runs/{rkey}", s.GetRun)

	// secrets are only manageable behind a token
	if s.vault != nil && s.cfg.Server.TriggerSecret != "" {
		mux.Route("/secrets", func(r chi.Router) {
			r.Use(s.RequireToken)
			r.Get("/", s.ListSecrets)
			r.Put("/", s.AddSecret)
			r.Delete("/", s.RemoveSecret)
		})
	}

	return mux
}
