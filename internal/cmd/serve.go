package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/panowalk/internal/cache"
	"github.com/MeKo-Tech/panowalk/internal/config"
	"github.com/MeKo-Tech/panowalk/internal/geofence"
	"github.com/MeKo-Tech/panowalk/internal/preload"
	"github.com/MeKo-Tech/panowalk/internal/render"
	"github.com/MeKo-Tech/panowalk/internal/server"
	"github.com/MeKo-Tech/panowalk/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the benchmark HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	serveCmd.Flags().Duration("write-timeout", 120*time.Second, "HTTP write timeout")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.read_timeout", "read-timeout")
	mustBind("serve.write_timeout", "write-timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}
	cfg := config.Load()

	store, err := cache.Open(cfg.CacheDBPath(), cfg.PanoramasDir(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fences, err := geofence.Load(cfg.GeofencePath, logger)
	if err != nil {
		return err
	}

	renderer, err := render.New(store, cfg.RenderedImageLRUSize)
	if err != nil {
		return err
	}

	stepLog, err := session.NewLog(cfg.LogsDir)
	if err != nil {
		return err
	}

	tasks := session.NewTaskStore(cfg.TasksDir)
	manager := session.NewManager(cfg, store, fences, renderer, tasks, stepLog, logger)
	defer manager.Close()

	preloader := preload.New(store,
		preload.NewHTTPTileSource(cfg.TilesAPIBaseURL, cfg.UpstreamAPIKey, cfg.SessionRefreshBuffer),
		preload.NewHTTPMetadataSource(cfg.MetadataAPIBaseURL, cfg.UpstreamAPIKey),
		preload.Config{
			Workers:      cfg.PrefetchParallelWorkers,
			DelayMin:     cfg.PrefetchDelayMin,
			DelayMax:     cfg.PrefetchDelayMax,
			RetryMax:     cfg.PrefetchRetryMax,
			RetryBackoff: cfg.PrefetchRetryBackoff,
		}, logger)

	api := server.New(cfg, manager, tasks, preloader, fences, store, logger)

	addr := viper.GetString("serve.addr")
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  viper.GetDuration("serve.read_timeout"),
		WriteTimeout: viper.GetDuration("serve.write_timeout"),
	}

	logger.Info("server listening", "addr", addr,
		"tasks_dir", cfg.TasksDir, "data_dir", cfg.DataDir)
	return srv.ListenAndServe()
}
