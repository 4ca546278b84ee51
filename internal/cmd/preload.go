package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/panowalk/internal/cache"
	"github.com/MeKo-Tech/panowalk/internal/config"
	"github.com/MeKo-Tech/panowalk/internal/geofence"
	"github.com/MeKo-Tech/panowalk/internal/preload"
	"github.com/MeKo-Tech/panowalk/internal/worker"
)

var preloadCmd = &cobra.Command{
	Use:   "preload GEOFENCE",
	Short: "Fill the panorama cache for a geofence from upstream sources",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreload,
}

func init() {
	rootCmd.AddCommand(preloadCmd)

	preloadCmd.Flags().Int("zoom", 0, "Zoom level to fetch (defaults to panorama_zoom_level)")

	if err := viper.BindPFlag("preload.zoom", preloadCmd.Flags().Lookup("zoom")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func runPreload(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}
	cfg := config.Load()
	name := args[0]

	store, err := cache.Open(cfg.CacheDBPath(), cfg.PanoramasDir(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fences, err := geofence.Load(cfg.GeofencePath, logger)
	if err != nil {
		return err
	}
	ids := fences.Members(name)
	if ids == nil {
		return fmt.Errorf("geofence %s is not defined in %s", name, cfg.GeofencePath)
	}

	zoom := viper.GetInt("preload.zoom")
	if zoom <= 0 {
		zoom = cfg.PanoramaZoomLevel
	}

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

	logger.Info("preload starting", "geofence", name, "panoramas", len(ids), "zoom", zoom)
	preloader.Start(context.Background(), name, ids, zoom)

	bar := worker.NewProgress(len(ids), true)
	for {
		progress, _ := preloader.Status(name)
		bar.Update(progress.Done, progress.Total, len(progress.Failed))
		if progress.Status != preload.StatusRunning {
			bar.Done()
			if progress.Status == preload.StatusCompletedWithErrors {
				return fmt.Errorf("preload finished with %d failed items", len(progress.Failed))
			}
			logger.Info("preload complete", "geofence", name, "summary", bar.Summary())
			return nil
		}
		time.Sleep(time.Second)
	}
}
