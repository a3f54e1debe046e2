package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"pulse/internal/modkit"
	"pulse/internal/modkit/module"
	"pulse/internal/platform/config"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	"pulse/internal/platform/store"

	extractmod "pulse/internal/services/extract/module"
	jobsmod "pulse/internal/services/jobs/module"
)

func mustSetEnv(key, val string) {
	if val != "" {
		_ = os.Setenv(key, val)
	}
}

func main() {
	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	blobCfg := root.Prefix("SERVICE_BLOBS_")

	l := logger.Get()

	st, err := store.Open(context.Background(), store.Config{
		AppName: "pulse-extractor",
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

	var (
		fConc   = flag.Int("concurrency", 8, "worker concurrency")
		fTokens = flag.String("tokens", "", "comma-separated GitHub tokens (optional; can also come from env)")
		fRPS    = flag.Float64("rps", 10, "global GitHub API target requests/sec")
		fBatch  = flag.Int("batch", 16, "queue lease batch size per poll")
	)
	flag.Parse()

	mustSetEnv("EXTRACT_CONCURRENCY", fmt.Sprintf("%d", *fConc))
	mustSetEnv("GITHUB_TOKENS", *fTokens)
	mustSetEnv("GITHUB_RPS", fmt.Sprintf("%.3f", *fRPS))
	mustSetEnv("EXTRACT_BATCH", fmt.Sprintf("%d", *fBatch))

	deps := modkit.Deps{
		Log:    *l,
		Cfg:    root,
		PG:     st.PG,
		Blobs:  st.Blobs,
		Queues: queue.NewPG(st.PG, root.MayInt("QUEUE_MAX_ATTEMPTS", 5)),
	}

	jobsMod := jobsmod.New(deps)
	module.Register(jobsMod.Name(), jobsMod.Ports())

	mod, err := extractmod.New(deps, jobsMod.Service())
	if err != nil {
		l.Panic().Err(err).Msg("extract module init failed")
	}
	defer mod.Service().Close()
	module.Register(mod.Name(), mod.Ports())

	if err := mod.Service().Run(context.Background()); err != nil {
		l.Fatal().Err(err).Msg("extraction worker stopped")
	}
}
