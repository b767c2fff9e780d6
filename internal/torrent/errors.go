package torrent

import "errors"

var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrMaxTorrentsReached = errors.New("maximum number of concurrent torrents reached")
	ErrTorrentNotFound    = errors.New("torrent not found")
	ErrInvalidInfoHash    = errors.New("invalid info hash")
	ErrMetadataTimeout    = errors.New("timeout waiting for torrent metadata")
	ErrSessionClosed      = errors.New("session closed")
)
