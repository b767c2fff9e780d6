package torrent

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"torrentcast/internal/config"
	"torrentcast/internal/metrics"
	"torrentcast/internal/piecestore"
)

// Session owns the torrent client and the set of active torrents. It is the
// glue between the admin API, which adds and removes torrents by info hash,
// and the streaming plane, which resolves piece stores out of it.
type Session struct {
	client *Client
	cfg    *config.Config
	log    zerolog.Logger

	mu       sync.RWMutex
	torrents map[string]*entry
	onRemove []func(infoHash string)
	closed   bool

	limiter   *rate.Limiter
	semaphore chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

type entry struct {
	t *torrent.Torrent

	mu           sync.Mutex
	lastAccessed time.Time
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastAccessed = time.Now()
	e.mu.Unlock()
}

func (e *entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccessed
}

func NewSession(cfg *config.Config, log zerolog.Logger) (*Session, error) {
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	client, err := NewClient(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:    client,
		cfg:       cfg,
		log:       log.With().Str("component", "session").Logger(),
		torrents:  make(map[string]*entry),
		limiter:   rate.NewLimiter(rate.Every(10*time.Millisecond), 100),
		semaphore: make(chan struct{}, maxConcurrentTorrents),
		ctx:       ctx,
		cancel:    cancel,
	}

	go s.cleanupRoutine()
	go s.statsRoutine()

	return s, nil
}

// OnRemove registers a callback fired whenever a torrent leaves the session,
// whether dropped explicitly or expired by cleanup. The streaming plane uses
// it to tear down live streams.
func (s *Session) OnRemove(fn func(infoHash string)) {
	s.mu.Lock()
	s.onRemove = append(s.onRemove, fn)
	s.mu.Unlock()
}

// GetOrAdd returns the torrent for the info hash, adding it via magnet link
// when unknown. Blocks until metadata is known or ctx/TorrentTimeout expires.
func (s *Session) GetOrAdd(ctx context.Context, infoHash string) (*torrent.Torrent, error) {
	infoHash, err := normalizeInfoHash(infoHash)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimitExceeded, err)
	}

	s.mu.RLock()
	e, ok := s.torrents[infoHash]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if ok {
		e.touch()
		return e.t, nil
	}

	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	default:
		return nil, ErrMaxTorrentsReached
	}

	t, err := s.addWithRetry(ctx, infoHash)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Drop()
		return nil, ErrSessionClosed
	}
	if existing, ok := s.torrents[infoHash]; ok {
		s.mu.Unlock()
		existing.touch()
		return existing.t, nil
	}
	s.torrents[infoHash] = &entry{t: t, lastAccessed: time.Now()}
	s.mu.Unlock()

	metrics.ActiveTorrents.Inc()
	s.log.Info().Str("infoHash", infoHash).Str("name", t.Name()).Msg("torrent added")
	return t, nil
}

func (s *Session) addWithRetry(ctx context.Context, infoHash string) (*torrent.Torrent, error) {
	var t *torrent.Torrent
	var err error

	for i := 0; i < maxRetries; i++ {
		t, err = s.client.AddMagnet(fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash))
		if err == nil {
			waitCtx, cancel := context.WithTimeout(ctx, s.cfg.TorrentTimeout)
			select {
			case <-t.GotInfo():
				cancel()
				t.DownloadAll()
				return t, nil
			case <-waitCtx.Done():
				cancel()
				t.Drop()
				return nil, ErrMetadataTimeout
			}
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}

	return nil, fmt.Errorf("failed to add magnet after %d retries: %w", maxRetries, err)
}

// Add registers the torrent and returns its metadata snapshot once known.
func (s *Session) Add(ctx context.Context, infoHash string) (TorrentInfo, error) {
	t, err := s.GetOrAdd(ctx, infoHash)
	if err != nil {
		return TorrentInfo{}, err
	}
	return snapshot(t), nil
}

// Get returns a known torrent without adding it.
func (s *Session) Get(infoHash string) (*torrent.Torrent, error) {
	infoHash, err := normalizeInfoHash(infoHash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.torrents[infoHash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTorrentNotFound
	}
	e.touch()
	return e.t, nil
}

// Remove drops the torrent and notifies removal listeners.
func (s *Session) Remove(infoHash string) error {
	infoHash, err := normalizeInfoHash(infoHash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.torrents[infoHash]
	if ok {
		delete(s.torrents, infoHash)
	}
	s.mu.Unlock()

	if !ok {
		return ErrTorrentNotFound
	}

	s.notifyRemoved(infoHash)
	e.t.Drop()
	metrics.ActiveTorrents.Dec()
	s.log.Info().Str("infoHash", infoHash).Msg("torrent removed")
	return nil
}

// notifyRemoved calls removal listeners outside the session lock; a
// listener may call back into the session.
func (s *Session) notifyRemoved(infoHash string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.onRemove...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(infoHash)
	}
}

// ResolveStore implements the streaming plane's resolver: the torrent ID in
// a stream path is the info hash.
func (s *Session) ResolveStore(torrentID string) (piecestore.Store, bool) {
	infoHash, err := normalizeInfoHash(torrentID)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	e, ok := s.torrents[infoHash]
	s.mu.RUnlock()
	if !ok || e.t.Info() == nil {
		return nil, false
	}
	e.touch()
	return piecestore.NewTorrentStore(e.t, s.log), true
}

// Info builds the metadata snapshot for one torrent.
func (s *Session) Info(infoHash string) (TorrentInfo, error) {
	t, err := s.Get(infoHash)
	if err != nil {
		return TorrentInfo{}, err
	}
	return snapshot(t), nil
}

// List snapshots every active torrent.
func (s *Session) List() []TorrentInfo {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.torrents))
	for _, e := range s.torrents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	infos := make([]TorrentInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, snapshot(e.t))
	}
	return infos
}

func snapshot(t *torrent.Torrent) TorrentInfo {
	info := TorrentInfo{
		InfoHash: t.InfoHash().String(),
		Name:     t.Name(),
	}
	if t.Info() == nil {
		return info
	}
	info.Size = t.Length()
	if t.Length() > 0 {
		info.Progress = float64(t.BytesCompleted()) / float64(t.Length())
	}
	for i, f := range t.Files() {
		fi := FileInfo{
			Index: i,
			Name:  f.DisplayPath(),
			Size:  f.Length(),
		}
		if f.Length() > 0 {
			fi.Progress = float64(f.BytesCompleted()) / float64(f.Length())
		}
		info.Files = append(info.Files, fi)
	}
	return info
}

// cleanupRoutine drops torrents that finished downloading and have not been
// touched within the TTL.
func (s *Session) cleanupRoutine() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			var expired []string
			for infoHash, e := range s.torrents {
				done := e.t.Info() != nil && e.t.BytesCompleted() == e.t.Length()
				if done && time.Since(e.idleSince()) > s.cfg.TorrentTTL {
					expired = append(expired, infoHash)
				}
			}
			s.mu.Unlock()

			for _, infoHash := range expired {
				s.log.Info().Str("infoHash", infoHash).Msg("removing inactive torrent")
				if err := s.Remove(infoHash); err != nil {
					s.log.Warn().Err(err).Str("infoHash", infoHash).Msg("cleanup remove failed")
				}
			}

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) statsRoutine() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			active := len(s.torrents)
			s.mu.RUnlock()

			stats := s.client.Stats()
			s.log.Info().
				Int("active_torrents", active).
				Int64("total_download", stats.BytesRead.Int64()).
				Int64("total_upload", stats.BytesWritten.Int64()).
				Msg("session stats")
		case <-s.ctx.Done():
			return
		}
	}
}

// Close drops every torrent and shuts the client down.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := make([]*entry, 0, len(s.torrents))
	for _, e := range s.torrents {
		entries = append(entries, e)
	}
	s.torrents = make(map[string]*entry)
	s.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.t.Drop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Msg("error dropping torrents")
	}

	s.client.Close()
	return nil
}

func normalizeInfoHash(infoHash string) (string, error) {
	infoHash = strings.ToLower(strings.TrimSpace(infoHash))
	if len(infoHash) != infoHashLength {
		return "", ErrInvalidInfoHash
	}
	if _, err := hex.DecodeString(infoHash); err != nil {
		return "", ErrInvalidInfoHash
	}
	return infoHash, nil
}
