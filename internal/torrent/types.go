package torrent

import "time"

// TorrentInfo is the metadata snapshot the admin API serves.
type TorrentInfo struct {
	InfoHash string     `json:"info_hash"`
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	Progress float64    `json:"progress"`
	Files    []FileInfo `json:"files"`
}

type FileInfo struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}

const (
	maxConcurrentTorrents = 100
	maxRetries            = 3
	statsInterval         = 1 * time.Minute
	infoHashLength        = 40 // hex characters
)
