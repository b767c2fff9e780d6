package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentcast/internal/torrent"
)

type fakeService struct {
	torrents  map[string]torrent.TorrentInfo
	addErr    error
	infoCalls int
	removed   []string
}

func (s *fakeService) Add(_ context.Context, infoHash string) (torrent.TorrentInfo, error) {
	if s.addErr != nil {
		return torrent.TorrentInfo{}, s.addErr
	}
	info, ok := s.torrents[infoHash]
	if !ok {
		return torrent.TorrentInfo{}, torrent.ErrInvalidInfoHash
	}
	return info, nil
}

func (s *fakeService) Info(infoHash string) (torrent.TorrentInfo, error) {
	s.infoCalls++
	info, ok := s.torrents[infoHash]
	if !ok {
		return torrent.TorrentInfo{}, torrent.ErrTorrentNotFound
	}
	return info, nil
}

func (s *fakeService) List() []torrent.TorrentInfo {
	var infos []torrent.TorrentInfo
	for _, info := range s.torrents {
		infos = append(infos, info)
	}
	return infos
}

func (s *fakeService) Remove(infoHash string) error {
	if _, ok := s.torrents[infoHash]; !ok {
		return torrent.ErrTorrentNotFound
	}
	delete(s.torrents, infoHash)
	s.removed = append(s.removed, infoHash)
	return nil
}

type fakeResolver struct {
	urls map[string]string
}

func (r *fakeResolver) StreamURL(torrentID string, fileIndex int) (string, error) {
	u, ok := r.urls[fmt.Sprintf("%s/%d", torrentID, fileIndex)]
	if !ok {
		return "", errors.New("no such file")
	}
	return u, nil
}

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testRouter(t *testing.T, svc *fakeService, resolver *fakeResolver) (*chi.Mux, *InfoCache) {
	t.Helper()
	cache, err := NewInfoCache(time.Minute, 16)
	require.NoError(t, err)
	log := zerolog.Nop()

	r := chi.NewRouter()
	r.Post("/api/torrents", AddTorrent(svc, cache, log))
	r.Get("/api/torrents", ListTorrents(svc))
	r.Get("/api/torrents/{infoHash}", GetTorrentInfo(svc, cache, log))
	r.Delete("/api/torrents/{infoHash}", RemoveTorrent(svc, cache, log))
	r.Get("/api/torrents/{infoHash}/files/{fileIndex}/stream-url", GetStreamURL(svc, resolver, log))
	return r, cache
}

func seededService() *fakeService {
	return &fakeService{
		torrents: map[string]torrent.TorrentInfo{
			testHash: {
				InfoHash: testHash,
				Name:     "show",
				Size:     5000,
				Files: []torrent.FileInfo{
					{Index: 0, Name: "show/episode-01.mkv", Size: 5000},
				},
			},
		},
	}
}

func TestAddTorrent(t *testing.T) {
	svc := seededService()
	r, _ := testRouter(t, svc, &fakeResolver{})

	body := strings.NewReader(fmt.Sprintf(`{"info_hash":%q}`, testHash))
	req := httptest.NewRequest("POST", "/api/torrents", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var info torrent.TorrentInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, testHash, info.InfoHash)
	assert.Len(t, info.Files, 1)
}

func TestAddTorrentBadBody(t *testing.T) {
	r, _ := testRouter(t, seededService(), &fakeResolver{})

	req := httptest.NewRequest("POST", "/api/torrents", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddTorrentErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{torrent.ErrInvalidInfoHash, http.StatusBadRequest},
		{torrent.ErrMaxTorrentsReached, http.StatusServiceUnavailable},
		{torrent.ErrMetadataTimeout, http.StatusGatewayTimeout},
		{torrent.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := seededService()
		svc.addErr = tc.err
		r, _ := testRouter(t, svc, &fakeResolver{})

		body := strings.NewReader(fmt.Sprintf(`{"info_hash":%q}`, testHash))
		req := httptest.NewRequest("POST", "/api/torrents", body)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestGetTorrentInfoCaches(t *testing.T) {
	svc := seededService()
	r, _ := testRouter(t, svc, &fakeResolver{})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/torrents/"+testHash, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 1, svc.infoCalls, "repeat lookups served from cache")
}

func TestGetTorrentInfoNotFound(t *testing.T) {
	r, _ := testRouter(t, seededService(), &fakeResolver{})

	req := httptest.NewRequest("GET", "/api/torrents/"+strings.Repeat("b", 40), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemoveTorrent(t *testing.T) {
	svc := seededService()
	r, cache := testRouter(t, svc, &fakeResolver{})
	cache.Put(testHash, svc.torrents[testHash])

	req := httptest.NewRequest("DELETE", "/api/torrents/"+testHash, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{testHash}, svc.removed)
	_, ok := cache.Get(testHash)
	assert.False(t, ok, "cache entry evicted on removal")
}

func TestGetStreamURL(t *testing.T) {
	svc := seededService()
	resolver := &fakeResolver{urls: map[string]string{
		testHash + "/0": "http://127.0.0.1:40000/" + testHash + "/0/episode-01.mkv",
	}}
	r, _ := testRouter(t, svc, resolver)

	req := httptest.NewRequest("GET", "/api/torrents/"+testHash+"/files/0/stream-url", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp streamURLResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.URL, "/episode-01.mkv")

	req = httptest.NewRequest("GET", "/api/torrents/"+testHash+"/files/9/stream-url", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest("GET", "/api/torrents/"+testHash+"/files/abc/stream-url", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
