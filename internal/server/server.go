// Package server exposes the filesystem over an HTTP API with an SSE
// event stream, suitable for consumption by the remote backend of
// another daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/events"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
	"github.com/fruitsalade/kumquat/internal/vfs"
	"github.com/fruitsalade/kumquat/pkg/models"
	"github.com/fruitsalade/kumquat/pkg/protocol"
)

// Server handles HTTP requests against a FileSystem.
type Server struct {
	fs    *vfs.FileSystem
	feed  *events.Feed
	token string

	mu      sync.Mutex
	watched map[string]*vfs.Directory

	changeObs vfs.Observer
	renameObs vfs.Observer
}

// New creates a server and bridges filesystem events onto the feed.
// token, when non-empty, is required as a bearer token on every
// request except /health.
func New(fs *vfs.FileSystem, feed *events.Feed, token string) *Server {
	s := &Server{
		fs:      fs,
		feed:    feed,
		token:   token,
		watched: make(map[string]*vfs.Directory),
	}
	s.changeObs = fs.OnChange(s.publishChange)
	s.renameObs = fs.OnRename(s.publishRename)
	return s
}

// Close detaches the event bridge.
func (s *Server) Close() {
	s.fs.Off(s.changeObs)
	s.fs.Off(s.renameObs)
}

func (s *Server) publishChange(entry vfs.Entry, added, removed []vfs.Entry) {
	if entry == nil {
		s.feed.Publish(events.Event{Type: events.Wholesale})
		return
	}
	s.feed.Publish(events.Event{
		Type:  events.Change,
		Path:  backendWirePath(entry.FullPath()),
		IsDir: entry.IsDirectory(),
	})
}

func (s *Server) publishRename(oldPath, newPath string) {
	s.feed.Publish(events.Event{
		Type:    events.Rename,
		OldPath: backendWirePath(oldPath),
		NewPath: backendWirePath(newPath),
	})
}

// backendWirePath strips the canonical trailing slash from directory
// paths; the wire carries plain paths.
func backendWirePath(p string) string {
	if len(p) > 1 && p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stat", s.handleStat)
	mux.HandleFunc("GET /api/v1/list", s.handleList)
	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("GET /api/v1/content", s.handleReadContent)
	mux.HandleFunc("PUT /api/v1/content", s.handleWriteContent)
	mux.HandleFunc("POST /api/v1/mkdir", s.handleMkdir)
	mux.HandleFunc("POST /api/v1/rename", s.handleRename)
	mux.HandleFunc("POST /api/v1/delete", s.handleDelete)
	mux.HandleFunc("POST /api/v1/watch", s.handleWatch)
	mux.HandleFunc("POST /api/v1/unwatch", s.handleUnwatch)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = metrics.Middleware(handler)
	handler = logging.Middleware(handler)
	return handler
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.URL.Path != "/health" {
			if r.Header.Get("Authorization") != "Bearer "+s.token {
				s.sendError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.L().Error("encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg, details string) {
	s.sendJSON(w, status, protocol.ErrorResponse{
		Error:   msg,
		Code:    status,
		Details: details,
	})
}

// sendFSError maps filesystem errors onto HTTP statuses.
func (s *Server) sendFSError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, vfs.ErrAbsolutePathRequired), errors.Is(err, vfs.ErrInvalidPath):
		s.sendError(w, http.StatusBadRequest, "invalid path", err.Error())
	case errors.Is(err, vfs.ErrParentAlreadyWatched),
		errors.Is(err, vfs.ErrChildAlreadyWatched),
		errors.Is(err, vfs.ErrNotWatched):
		s.sendError(w, http.StatusConflict, err.Error(), "")
	default:
		s.sendError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathParam(r *http.Request) (string, error) {
	p := r.URL.Query().Get("path")
	if p == "" {
		return "", fmt.Errorf("path parameter is required")
	}
	return p, nil
}

func statResponse(path string, st backend.Stat) protocol.StatResponse {
	return protocol.StatResponse{
		Path:     backendWirePath(path),
		Size:     st.Size,
		ModTime:  st.MTime,
		IsDir:    !st.IsFile,
		RealPath: st.RealPath,
	}
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	entry, st, err := s.fs.Resolve(r.Context(), path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, statResponse(entry.FullPath(), st))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	dir, err := s.fs.GetDirectoryForPath(path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	contents, err := dir.GetContents(r.Context())
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	resp := protocol.ListResponse{
		Path:    backendWirePath(dir.FullPath()),
		Entries: make([]protocol.StatResponse, 0, len(contents)),
	}
	for _, e := range contents {
		st, serr := e.Stat(r.Context())
		if serr != nil {
			if errors.Is(serr, backend.ErrNotFound) {
				continue
			}
			s.sendFSError(w, serr)
			return
		}
		resp.Entries = append(resp.Entries, statResponse(e.FullPath(), st))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	dir, err := s.fs.GetDirectoryForPath(path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	root, err := s.buildTree(r.Context(), dir)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.TreeResponse{Root: root})
}

func (s *Server) buildTree(ctx context.Context, dir *vfs.Directory) (*models.FileNode, error) {
	st, err := dir.Stat(ctx)
	if err != nil {
		return nil, err
	}
	node := &models.FileNode{
		Name:    dir.Name(),
		Path:    backendWirePath(dir.FullPath()),
		ModTime: st.MTime,
		IsDir:   true,
	}
	contents, err := dir.GetContents(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range contents {
		if child, ok := e.(*vfs.Directory); ok {
			cn, cerr := s.buildTree(ctx, child)
			if cerr != nil {
				if errors.Is(cerr, backend.ErrNotFound) {
					continue
				}
				return nil, cerr
			}
			node.Children = append(node.Children, cn)
			continue
		}
		cst, serr := e.Stat(ctx)
		if serr != nil {
			if errors.Is(serr, backend.ErrNotFound) {
				continue
			}
			return nil, serr
		}
		node.Children = append(node.Children, &models.FileNode{
			Name:     e.Name(),
			Path:     e.FullPath(),
			Size:     cst.Size,
			ModTime:  cst.MTime,
			RealPath: cst.RealPath,
		})
	}
	return node, nil
}

func (s *Server) handleReadContent(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	f, err := s.fs.GetFileForPath(path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	data, err := f.Read(r.Context())
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	st, err := f.Stat(r.Context())
	if err == nil {
		w.Header().Set("Last-Modified-Nano", st.MTime.Format(time.RFC3339Nano))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, werr := w.Write(data); werr != nil {
		logging.L().Debug("write response body", zap.Error(werr))
	}
}

func (s *Server) handleWriteContent(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "read body", err.Error())
		return
	}
	f, err := s.fs.GetFileForPath(path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	if err := f.Write(r.Context(), data); err != nil {
		s.sendFSError(w, err)
		return
	}
	st, err := f.Stat(r.Context())
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.WriteResponse{
		Stat: statResponse(f.FullPath(), st),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req protocol.MkdirRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	dir, err := s.fs.GetDirectoryForPath(req.Path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	if err := dir.Create(r.Context()); err != nil {
		s.sendFSError(w, err)
		return
	}
	st, err := dir.Stat(r.Context())
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.WriteResponse{
		Stat: statResponse(dir.FullPath(), st),
	})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenameRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	entry, _, err := s.fs.Resolve(r.Context(), req.OldPath)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	if err := entry.Rename(r.Context(), req.NewPath); err != nil {
		s.sendFSError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeleteRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	entry, _, err := s.fs.Resolve(r.Context(), req.Path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	if err := entry.Unlink(r.Context()); err != nil {
		s.sendFSError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.WatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required", "")
		return
	}
	dir, err := s.fs.GetDirectoryForPath(req.Path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	if err := s.fs.Watch(r.Context(), dir, nil); err != nil {
		s.sendFSError(w, err)
		return
	}
	s.mu.Lock()
	s.watched[dir.FullPath()] = dir
	s.mu.Unlock()
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUnwatch stops watching one root, or every root registered
// through this API when the path is empty.
func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.WatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if req.Path == "" {
		s.mu.Lock()
		roots := make([]*vfs.Directory, 0, len(s.watched))
		for _, d := range s.watched {
			roots = append(roots, d)
		}
		s.watched = make(map[string]*vfs.Directory)
		s.mu.Unlock()
		for _, d := range roots {
			if err := s.fs.Unwatch(r.Context(), d); err != nil && !errors.Is(err, vfs.ErrNotWatched) {
				logging.L().Warn("unwatch failed", zap.String("path", d.FullPath()), zap.Error(err))
			}
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	dir, err := s.fs.GetDirectoryForPath(req.Path)
	if err != nil {
		s.sendFSError(w, err)
		return
	}
	if err := s.fs.Unwatch(r.Context(), dir); err != nil {
		s.sendFSError(w, err)
		return
	}
	s.mu.Lock()
	delete(s.watched, dir.FullPath())
	s.mu.Unlock()
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.feed.Subscribe()
	defer sub.Close()

	logging.L().Info("sse client connected", zap.String("remote", r.RemoteAddr))

	for {
		event, err := sub.Next(r.Context())
		if err != nil {
			logging.L().Info("sse client disconnected", zap.String("remote", r.RemoteAddr))
			return
		}
		data, err := json.Marshal(event)
		if err != nil {
			logging.L().Error("marshal event", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
		flusher.Flush()
	}
}
