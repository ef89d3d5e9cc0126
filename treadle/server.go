package treadle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"treadle.dev/core/log"
	"treadle.dev/core/notifier"
	"treadle.dev/core/treadle/cache"
	"treadle.dev/core/treadle/config"
	"treadle.dev/core/treadle/db"
	"treadle.dev/core/treadle/engine"
	enginedocker "treadle.dev/core/treadle/engines/docker"
	"treadle.dev/core/treadle/queue"
	"treadle.dev/core/treadle/secrets"
)

type Treadle struct {
	db      *db.DB
	l       *slog.Logger
	n       *notifier.Notifier
	eng     engine.Engine
	jq      *queue.Queue
	cfg     *config.Config
	secrets secrets.Manager
	store   *cache.Store
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	store, err := cache.NewStore(cfg.Cache.Dir, cfg.Server.DBPath, cfg.Cache.MaxSize, logger.With("component", "cache"))
	if err != nil {
		return fmt.Errorf("failed to setup cache store: %w", err)
	}

	eng, err := enginedocker.New(ctx, cfg, store)
	if err != nil {
		return err
	}

	sm, err := secrets.NewSQLiteManager(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}

	jq := queue.NewQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.Workers)

	treadle := Treadle{
		db:      d,
		l:       logger,
		n:       &n,
		eng:     eng,
		jq:      jq,
		cfg:     cfg,
		secrets: sm,
		store:   store,
	}

	logger.Info("owner set", "owner", cfg.Server.Owner)

	// starts a job queue runner in the background
	jq.Start()
	defer jq.Stop()

	logger.Info("starting treadle server", "address", cfg.Server.ListenAddr)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, treadle.Router()))

	return nil
}

func (s *Treadle) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)

	mux.Post("/hooks", s.Hooks)
	mux.Get("/pipelines", s.Pipelines)
	mux.Get("/pipelines/{pipeline}", s.Pipeline)
	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{pipeline}/{workflow}", s.Logs)
	mux.HandleFunc("/owner", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(s.cfg.Server.Owner))
	})

	mux.Route("/secrets", func(r chi.Router) {
		r.Use(s.Authorized)
		r.Get("/{repoOwner}/{repoName}", s.ListSecrets)
		r.Put("/{repoOwner}/{repoName}", s.AddSecret)
		r.Delete("/{repoOwner}/{repoName}/{key}", s.RemoveSecret)
	})

	return mux
}
