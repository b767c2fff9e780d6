package torrent

import (
	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"torrentcast/internal/config"
)

type Client struct {
	*torrent.Client
	log zerolog.Logger
}

func NewClient(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DownloadDir
	clientConfig.Seed = true
	clientConfig.EstablishedConnsPerTorrent = cfg.MaxConnections
	clientConfig.HalfOpenConnsPerTorrent = cfg.MaxConnections / 2
	clientConfig.TorrentPeersHighWater = cfg.MaxConnections * 2
	clientConfig.TorrentPeersLowWater = cfg.MaxConnections

	if cfg.DownloadRateLimit > 0 {
		clientConfig.DownloadRateLimiter = rate.NewLimiter(rate.Limit(cfg.DownloadRateLimit), int(cfg.DownloadRateLimit))
	}
	if cfg.UploadRateLimit > 0 {
		clientConfig.UploadRateLimiter = rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), int(cfg.UploadRateLimit))
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	return &Client{
		Client: client,
		log:    log,
	}, nil
}
