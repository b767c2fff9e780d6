package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"torrentcast/internal/torrent"
)

// TorrentService is the session surface the handlers drive. Tests substitute
// a fake.
type TorrentService interface {
	Add(ctx context.Context, infoHash string) (torrent.TorrentInfo, error)
	Info(infoHash string) (torrent.TorrentInfo, error)
	List() []torrent.TorrentInfo
	Remove(infoHash string) error
}

// StreamResolver hands out playable URLs, binding the stream listener on
// first use.
type StreamResolver interface {
	StreamURL(torrentID string, fileIndex int) (string, error)
}

type addRequest struct {
	InfoHash string `json:"info_hash"`
}

type streamURLResponse struct {
	URL string `json:"url"`
}

type errResponse struct {
	Error string `json:"error"`
}

// AddTorrent registers a torrent by info hash and responds with its
// metadata once known.
func AddTorrent(svc TorrentService, cache *InfoCache, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errResponse{Error: "malformed request body"})
			return
		}

		info, err := svc.Add(r.Context(), req.InfoHash)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		cache.Put(info.InfoHash, info)
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, info)
	}
}

// ListTorrents snapshots every active torrent.
func ListTorrents(svc TorrentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, svc.List())
	}
}

// GetTorrentInfo serves one torrent's metadata, memoized through the cache.
func GetTorrentInfo(svc TorrentService, cache *InfoCache, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")

		if info, ok := cache.Get(infoHash); ok {
			render.JSON(w, r, info)
			return
		}

		info, err := svc.Info(infoHash)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		cache.Put(infoHash, info)
		render.JSON(w, r, info)
	}
}

// RemoveTorrent drops a torrent and tears down its streams.
func RemoveTorrent(svc TorrentService, cache *InfoCache, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")

		if err := svc.Remove(infoHash); err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		cache.Remove(infoHash)
		render.NoContent(w, r)
	}
}

// GetStreamURL answers with the playable URL for one file of a torrent.
// This is the handoff point to an external player: the URL is served by the
// dedicated streaming listener, not this API.
func GetStreamURL(svc TorrentService, resolver StreamResolver, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infoHash := chi.URLParam(r, "infoHash")
		fileIndex, err := strconv.Atoi(chi.URLParam(r, "fileIndex"))
		if err != nil || fileIndex < 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errResponse{Error: "malformed file index"})
			return
		}

		if _, err := svc.Info(infoHash); err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		streamURL, err := resolver.StreamURL(infoHash, fileIndex)
		if err != nil {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, errResponse{Error: "file not found"})
			return
		}

		render.JSON(w, r, streamURLResponse{URL: streamURL})
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, torrent.ErrTorrentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, torrent.ErrInvalidInfoHash):
		status = http.StatusBadRequest
	case errors.Is(err, torrent.ErrMaxTorrentsReached), errors.Is(err, torrent.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, torrent.ErrMetadataTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, torrent.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, errResponse{Error: err.Error()})
}
