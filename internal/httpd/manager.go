package httpd

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"torrentcast/internal/metrics"
	"torrentcast/internal/piecestore"
	"torrentcast/internal/stream"
)

// FileResolver looks up the piece store backing a torrent. The session
// layer implements it; the manager stays ignorant of how torrents are run.
type FileResolver interface {
	ResolveStore(torrentID string) (piecestore.Store, bool)
}

type fileKey struct {
	torrentID string
	fileIndex int
}

// Manager owns the stream listener and the registry of files being served.
// It maps request paths of the form /<torrentID>/<fileIndex>/<name> onto
// stream.File instances and answers GET/HEAD with ranged bodies.
type Manager struct {
	resolver FileResolver
	sched    stream.SchedConfig
	log      zerolog.Logger
	srv      *Server

	mu    sync.Mutex
	files map[fileKey]*stream.File
}

func NewManager(srvCfg ServerConfig, sched stream.SchedConfig, resolver FileResolver, log zerolog.Logger) *Manager {
	m := &Manager{
		resolver: resolver,
		sched:    sched,
		log:      log.With().Str("component", "streaming").Logger(),
		files:    make(map[fileKey]*stream.File),
	}
	m.srv = NewServer(srvCfg, m, log)
	return m
}

// StreamURL returns the playable URL for a file, binding the listener on
// first use. Nothing listens until a stream is actually requested.
func (m *Manager) StreamURL(torrentID string, fileIndex int) (string, error) {
	if err := m.srv.Listen(); err != nil {
		return "", err
	}
	f, err := m.file(torrentID, fileIndex)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d%s", m.srv.Host(), m.srv.Port(), makePath(torrentID, fileIndex, f.Name())), nil
}

// Serve implements Handler.
func (m *Manager) Serve(req *Request) {
	switch req.Method {
	case "GET", "HEAD":
	default:
		m.reply(req, StatusMethodNotAllowed, []Header{
			{"Allow", "GET, HEAD"},
		})
		return
	}

	torrentID, fileIndex, name, err := breakPath(req.Path())
	if err != nil {
		m.reply(req, StatusNotFound, nil)
		return
	}
	f, err := m.file(torrentID, fileIndex)
	if err != nil {
		m.reply(req, StatusNotFound, nil)
		return
	}
	if name != path.Base(f.Name()) {
		m.reply(req, StatusNotFound, nil)
		return
	}

	if req.Method == "HEAD" {
		m.sendHead(req, f)
		return
	}
	m.serveGET(req, f)
}

func (m *Manager) serveGET(req *Request, f *stream.File) {
	rangeHdr := req.Header("range")
	if rangeHdr == "" {
		// Players probe with a plain GET before seeking; answer like HEAD
		// so they learn the size and range support without pulling the
		// whole file through the swarm.
		m.sendHead(req, f)
		return
	}

	r, err := stream.ParseRange(rangeHdr, f.Size())
	if err != nil {
		m.log.Debug().Err(err).Str("torrent", f.TorrentID()).Msg("rejected range")
		m.reply(req, StatusRangeNotSatisfiable, []Header{
			{"Content-Range", "bytes */" + strconv.FormatInt(f.Size(), 10)},
		})
		return
	}

	resp := req.Send(StatusPartialContent, []Header{
		{"Content-Type", f.MIMEType()},
		{"Accept-Ranges", "bytes"},
		{"Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.First, r.Last, f.Size())},
	}, r.Size())
	metrics.StreamRequestsTotal.WithLabelValues(req.Method, StatusPartialContent.label()).Inc()

	f.Read(req.Context(), r.First, r.Size(), resp)
}

func (m *Manager) sendHead(req *Request, f *stream.File) {
	req.SendNoBody(StatusOK, []Header{
		{"Content-Type", f.MIMEType()},
		{"Accept-Ranges", "bytes"},
		{"Connection", "close"},
	}, f.Size())
	metrics.StreamRequestsTotal.WithLabelValues(req.Method, StatusOK.label()).Inc()
}

// reply sends a short diagnostic body and closes the connection once it has
// flushed. An errored exchange never carries further requests.
func (m *Manager) reply(req *Request, status Status, headers []Header) {
	metrics.StreamRequestsTotal.WithLabelValues(req.Method, status.label()).Inc()
	body := []byte(status.Reason() + "\n")
	headers = append(headers, Header{"Content-Type", "text/plain"}, Header{"Connection", "close"})
	resp := req.Send(status, headers, int64(len(body)))
	if req.Method != "HEAD" {
		_ = resp.Write(body)
	}
}

// file returns the cached stream.File for the key, constructing it from the
// resolver on first use.
func (m *Manager) file(torrentID string, fileIndex int) (*stream.File, error) {
	key := fileKey{torrentID: torrentID, fileIndex: fileIndex}

	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[key]; ok {
		return f, nil
	}

	store, ok := m.resolver.ResolveStore(torrentID)
	if !ok {
		return nil, errors.New("httpd: unknown torrent")
	}
	f, err := stream.NewFile(store, torrentID, fileIndex, m.sched, m.log)
	if err != nil {
		return nil, err
	}
	m.files[key] = f
	return f, nil
}

// HandleTorrentRemoved tears down every file served for the torrent.
// In-flight cursors cancel and their connections close.
func (m *Manager) HandleTorrentRemoved(torrentID string) {
	m.mu.Lock()
	var victims []*stream.File
	for key, f := range m.files {
		if key.torrentID == torrentID {
			victims = append(victims, f)
			delete(m.files, key)
		}
	}
	m.mu.Unlock()

	for _, f := range victims {
		f.Close()
	}
	if len(victims) > 0 {
		m.log.Info().Str("torrent", torrentID).Int("files", len(victims)).Msg("streams torn down")
	}
}

// Close stops the listener and every live stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	files := make([]*stream.File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	m.files = make(map[fileKey]*stream.File)
	m.mu.Unlock()

	for _, f := range files {
		f.Close()
	}
	return m.srv.Close()
}

func makePath(torrentID string, fileIndex int, name string) string {
	return "/" + torrentID + "/" + strconv.Itoa(fileIndex) + "/" + url.PathEscape(path.Base(name))
}

func breakPath(p string) (torrentID string, fileIndex int, name string, err error) {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", 0, "", errors.New("httpd: malformed stream path")
	}
	fileIndex, err = strconv.Atoi(parts[1])
	if err != nil || fileIndex < 0 {
		return "", 0, "", errors.New("httpd: malformed file index")
	}
	name, err = url.PathUnescape(parts[2])
	if err != nil {
		return "", 0, "", errors.New("httpd: malformed file name")
	}
	return parts[0], fileIndex, name, nil
}
