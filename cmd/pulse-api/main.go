package main

import (
	"context"
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pulse/internal/modkit"
	"pulse/internal/modkit/module"
	"pulse/internal/platform/config"
	"pulse/internal/platform/logger"
	phttp "pulse/internal/platform/net/http"
	"pulse/internal/platform/net/middleware"
	"pulse/internal/platform/queue"
	"pulse/internal/platform/store"

	jobsmod "pulse/internal/services/jobs/module"
)

func main() {
	root := config.New()
	apiCfg := root.Prefix("CORE_API_")
	pgCfg := root.Prefix("SERVICE_PGSQL_")

	l := logger.Get()

	st, err := store.Open(context.Background(), store.Config{
		AppName: "pulse-api",
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Panic().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()

	queues := queue.NewPG(st.PG, root.MayInt("QUEUE_MAX_ATTEMPTS", 5))

	deps := modkit.Deps{
		Log:    *l,
		Cfg:    root,
		PG:     st.PG,
		Queues: queues,
	}

	jobsMod := jobsmod.New(deps)
	module.Register(jobsMod.Name(), jobsMod.Ports())

	srv := phttp.NewServer(apiCfg, func(m *chi.Mux) {
		m.Use(chimw.RequestID)
		m.Use(middleware.RecoverJSON)
		m.Use(middleware.AccessLogZerolog(middleware.AccessLogOptions{
			Slow: apiCfg.MayDuration("SLOW_REQUEST", time.Second),
		}))
		m.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{apiCfg.MayString("CORS_ORIGIN", "*")},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		}))
	})

	r := srv.Router()
	jobsMod.MountRoutes(r)

	r.Get("/healthz", func(w stdhttp.ResponseWriter, req *stdhttp.Request) {
		if err := st.Guard(req.Context()); err != nil {
			phttp.RespondError(w, req, err)
			return
		}
		phttp.RespondOK(w, req, map[string]string{"status": "ok"})
	})

	r.Get("/queues/status", func(w stdhttp.ResponseWriter, req *stdhttp.Request) {
		out := map[string]queue.Stats{}
		for _, ch := range []queue.Channel{
			queue.ChannelExtraction, queue.ChannelTransform, queue.ChannelEmbedding,
		} {
			stats, err := queues.Stats(req.Context(), ch)
			if err != nil {
				phttp.RespondError(w, req, err)
				return
			}
			out[string(ch)] = stats
		}
		phttp.RespondOK(w, req, out)
	})

	if err := srv.Run(context.Background()); err != nil {
		l.Fatal().Err(err).Msg("http server stopped")
	}
}
