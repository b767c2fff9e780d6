package handlers

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"torrentcast/internal/torrent"
)

type cachedInfo struct {
	info     torrent.TorrentInfo
	cachedAt time.Time
}

// InfoCache memoizes torrent metadata snapshots. Metadata itself is
// immutable; progress goes stale within the TTL, which the API tolerates in
// exchange for not walking the file list on every poll.
type InfoCache struct {
	ttl   time.Duration
	cache *lru.Cache
}

func NewInfoCache(ttl time.Duration, size int) (*InfoCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &InfoCache{ttl: ttl, cache: cache}, nil
}

func (c *InfoCache) Get(infoHash string) (torrent.TorrentInfo, bool) {
	v, ok := c.cache.Get(infoHash)
	if !ok {
		return torrent.TorrentInfo{}, false
	}
	entry := v.(cachedInfo)
	if time.Since(entry.cachedAt) > c.ttl {
		c.cache.Remove(infoHash)
		return torrent.TorrentInfo{}, false
	}
	return entry.info, true
}

func (c *InfoCache) Put(infoHash string, info torrent.TorrentInfo) {
	c.cache.Add(infoHash, cachedInfo{info: info, cachedAt: time.Now()})
}

func (c *InfoCache) Remove(infoHash string) {
	c.cache.Remove(infoHash)
}
