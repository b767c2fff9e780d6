package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// Admin/control API.
	AdminPort          string        `mapstructure:"admin_port"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RateLimit          int           `mapstructure:"rate_limit"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CacheSize          int           `mapstructure:"cache_size"`
	ServerReadTimeout  time.Duration `mapstructure:"server_read_timeout"`
	ServerWriteTimeout time.Duration `mapstructure:"server_write_timeout"`
	ServerIdleTimeout  time.Duration `mapstructure:"server_idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`

	CircuitBreakerMaxRequests    uint32        `mapstructure:"circuit_breaker_max_requests"`
	CircuitBreakerInterval       time.Duration `mapstructure:"circuit_breaker_interval"`
	CircuitBreakerTimeout        time.Duration `mapstructure:"circuit_breaker_timeout"`
	CircuitBreakerMinRequests    uint32        `mapstructure:"circuit_breaker_min_requests"`
	CircuitBreakerErrorThreshold float64       `mapstructure:"circuit_breaker_error_threshold"`

	// Torrent session.
	DownloadDir       string        `mapstructure:"download_dir"`
	MaxConnections    int           `mapstructure:"max_connections"`
	DownloadRateLimit int64         `mapstructure:"download_rate_limit"`
	UploadRateLimit   int64         `mapstructure:"upload_rate_limit"`
	TorrentTimeout    time.Duration `mapstructure:"torrent_timeout"`
	TorrentTTL        time.Duration `mapstructure:"torrent_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`

	// Streaming server.
	StreamHost        string        `mapstructure:"stream_host"`
	StreamPort        int           `mapstructure:"stream_port"`
	IdleConnTimeout   time.Duration `mapstructure:"idle_conn_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MaxRequestBytes   int64         `mapstructure:"max_request_bytes"`
	BackpressureBytes int64         `mapstructure:"backpressure_bytes"`
	LookaheadBytes    int64         `mapstructure:"lookahead_bytes"`
	MinPieceDeadline  time.Duration `mapstructure:"min_piece_deadline"`
	MaxPieceDeadline  time.Duration `mapstructure:"max_piece_deadline"`
	TailPieceDeadline time.Duration `mapstructure:"tail_piece_deadline"`
}

// Load reads the configuration from config.yaml and the environment,
// falling back to defaults when no config file is present.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("log_level", "info")

	viper.SetDefault("admin_port", "8080")
	viper.SetDefault("request_timeout", "30s")
	viper.SetDefault("rate_limit", 100)
	viper.SetDefault("cors_allowed_origins", []string{"*"})
	viper.SetDefault("cache_ttl", "5m")
	viper.SetDefault("cache_size", 1000)
	viper.SetDefault("server_read_timeout", "30s")
	viper.SetDefault("server_write_timeout", "30s")
	viper.SetDefault("server_idle_timeout", "120s")
	viper.SetDefault("shutdown_timeout", "15s")

	viper.SetDefault("circuit_breaker_max_requests", 5)
	viper.SetDefault("circuit_breaker_interval", "1m")
	viper.SetDefault("circuit_breaker_timeout", "30s")
	viper.SetDefault("circuit_breaker_min_requests", 10)
	viper.SetDefault("circuit_breaker_error_threshold", 0.6)

	viper.SetDefault("download_dir", "downloads")
	viper.SetDefault("max_connections", 100)
	viper.SetDefault("download_rate_limit", 0)
	viper.SetDefault("upload_rate_limit", 0)
	viper.SetDefault("torrent_timeout", "60s")
	viper.SetDefault("torrent_ttl", "30m")
	viper.SetDefault("cleanup_interval", "5m")

	viper.SetDefault("stream_host", "127.0.0.1")
	viper.SetDefault("stream_port", 0)
	viper.SetDefault("idle_conn_timeout", "7s")
	viper.SetDefault("sweep_interval", "3s")
	viper.SetDefault("max_request_bytes", 1<<20)
	viper.SetDefault("backpressure_bytes", 32<<20)
	viper.SetDefault("lookahead_bytes", 30<<20)
	viper.SetDefault("min_piece_deadline", "32ms")
	viper.SetDefault("max_piece_deadline", "320ms")
	viper.SetDefault("tail_piece_deadline", "2s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
