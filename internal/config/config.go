// Package config holds the runtime settings for the benchmark server.
// Values come from viper (config file, environment, flags) with the
// defaults registered in SetDefaults.
package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// CleanupPolicy controls when per-session rendered images are removed.
type CleanupPolicy string

const (
	KeepAll            CleanupPolicy = "keep_all"
	KeepOnComplete     CleanupPolicy = "keep_on_complete"
	DeleteOnSend       CleanupPolicy = "delete_on_send"
	DeleteOnSessionEnd CleanupPolicy = "delete_on_session_end"
	AutoExpire         CleanupPolicy = "auto_expire"
)

// Settings is the resolved configuration for one process.
type Settings struct {
	DataDir       string
	TasksDir      string
	LogsDir       string
	TempImagesDir string
	GeofencePath  string

	PanoramaZoomLevel int

	TempImageCleanupPolicy CleanupPolicy
	TempImageExpireHours   int

	RenderOutputWidth  int
	RenderOutputHeight int
	RenderDefaultFOV   float64

	PrefetchDelayMin        time.Duration
	PrefetchDelayMax        time.Duration
	PrefetchRetryMax        int
	PrefetchRetryBackoff    float64
	PrefetchParallelWorkers int

	TilesAPIBaseURL       string
	MetadataAPIBaseURL    string
	UpstreamAPIKey        string
	SessionRefreshBuffer  time.Duration
	RenderedImageLRUSize  int
}

// SetDefaults registers every setting's default value with viper.
func SetDefaults() {
	viper.SetDefault("data_dir", "data")
	viper.SetDefault("tasks_dir", "tasks")
	viper.SetDefault("logs_dir", "logs")
	viper.SetDefault("temp_images_dir", "temp_images")
	viper.SetDefault("geofence_config", filepath.Join("config", "geofence_config.json"))

	viper.SetDefault("panorama_zoom_level", 2)

	viper.SetDefault("temp_image_cleanup_policy", string(DeleteOnSessionEnd))
	viper.SetDefault("temp_image_expire_hours", 24)

	viper.SetDefault("render_output_width", 1024)
	viper.SetDefault("render_output_height", 768)
	viper.SetDefault("render_default_fov", 90.0)

	viper.SetDefault("prefetch_request_delay_min", 1.0)
	viper.SetDefault("prefetch_request_delay_max", 3.0)
	viper.SetDefault("prefetch_retry_max", 3)
	viper.SetDefault("prefetch_retry_backoff", 2.0)
	viper.SetDefault("prefetch_parallel_workers", 4)

	viper.SetDefault("tiles_api_base_url", "https://tile.googleapis.com/v1")
	viper.SetDefault("metadata_api_base_url", "https://maps.googleapis.com/maps/api/streetview")
	viper.SetDefault("upstream_api_key", "")
	viper.SetDefault("tiles_session_refresh_buffer", 60)
	viper.SetDefault("rendered_image_lru_size", 16)
}

// Load resolves the current viper state into a Settings value.
func Load() Settings {
	return Settings{
		DataDir:       viper.GetString("data_dir"),
		TasksDir:      viper.GetString("tasks_dir"),
		LogsDir:       viper.GetString("logs_dir"),
		TempImagesDir: viper.GetString("temp_images_dir"),
		GeofencePath:  viper.GetString("geofence_config"),

		PanoramaZoomLevel: viper.GetInt("panorama_zoom_level"),

		TempImageCleanupPolicy: CleanupPolicy(viper.GetString("temp_image_cleanup_policy")),
		TempImageExpireHours:   viper.GetInt("temp_image_expire_hours"),

		RenderOutputWidth:  viper.GetInt("render_output_width"),
		RenderOutputHeight: viper.GetInt("render_output_height"),
		RenderDefaultFOV:   viper.GetFloat64("render_default_fov"),

		PrefetchDelayMin:        secondsDuration("prefetch_request_delay_min"),
		PrefetchDelayMax:        secondsDuration("prefetch_request_delay_max"),
		PrefetchRetryMax:        viper.GetInt("prefetch_retry_max"),
		PrefetchRetryBackoff:    viper.GetFloat64("prefetch_retry_backoff"),
		PrefetchParallelWorkers: viper.GetInt("prefetch_parallel_workers"),

		TilesAPIBaseURL:      viper.GetString("tiles_api_base_url"),
		MetadataAPIBaseURL:   viper.GetString("metadata_api_base_url"),
		UpstreamAPIKey:       viper.GetString("upstream_api_key"),
		SessionRefreshBuffer: time.Duration(viper.GetInt("tiles_session_refresh_buffer")) * time.Second,
		RenderedImageLRUSize: viper.GetInt("rendered_image_lru_size"),
	}
}

// CacheDBPath returns the sqlite database path under the data dir.
func (s Settings) CacheDBPath() string {
	return filepath.Join(s.DataDir, "cache.db")
}

// PanoramasDir returns the directory holding assembled panorama JPEGs.
func (s Settings) PanoramasDir() string {
	return filepath.Join(s.DataDir, "panoramas")
}

func secondsDuration(key string) time.Duration {
	return time.Duration(viper.GetFloat64(key) * float64(time.Second))
}
