package main

import (
	"context"

	"pulse/internal/modkit"
	"pulse/internal/modkit/module"
	"pulse/internal/platform/config"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	"pulse/internal/platform/store"

	jobsmod "pulse/internal/services/jobs/module"
	transformmod "pulse/internal/services/transform/module"
)

func main() {
	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	blobCfg := root.Prefix("SERVICE_BLOBS_")

	l := logger.Get()

	st, err := store.Open(context.Background(), store.Config{
		AppName: "pulse-transformer",
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
		Blobs: store.BlobsConfig{
			Enabled: true,
			Dir:     blobCfg.MustString("DIR"),
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

	deps := modkit.Deps{
		Log:    *l,
		Cfg:    root,
		PG:     st.PG,
		Blobs:  st.Blobs,
		Queues: queue.NewPG(st.PG, root.MayInt("QUEUE_MAX_ATTEMPTS", 5)),
	}

	jobsMod := jobsmod.New(deps)
	module.Register(jobsMod.Name(), jobsMod.Ports())

	mod, err := transformmod.New(deps, jobsMod.Service())
	if err != nil {
		l.Panic().Err(err).Msg("transform module init failed")
	}
	defer mod.Service().Close()
	module.Register(mod.Name(), mod.Ports())

	if err := mod.Service().Run(context.Background()); err != nil {
		l.Fatal().Err(err).Msg("transform worker stopped")
	}
}
