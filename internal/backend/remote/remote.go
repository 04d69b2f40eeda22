// Package remote provides a backend that proxies another kumquat
// daemon over its HTTP API, with change notifications delivered by an
// SSE subscription.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/metrics"
	"github.com/fruitsalade/kumquat/internal/retry"
	"github.com/fruitsalade/kumquat/pkg/protocol"
)

// Config holds remote backend settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Backend proxies a remote daemon. The remote side owns the real
// watchers, so watching is recursive from this side's point of view.
type Backend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retryCfg   retry.Config

	mu     sync.Mutex
	sse    *sseSubscriber
	cancel context.CancelFunc
}

// New creates a remote backend for the daemon at cfg.BaseURL.
func New(cfg Config) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Backend{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryCfg: retry.DefaultConfig(),
	}, nil
}

func (b *Backend) InitWatchers(change backend.ChangeFunc, offline backend.OfflineFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := newSSESubscriber(b.baseURL, b.token, change, offline)
	b.mu.Lock()
	b.sse = sub
	b.cancel = cancel
	b.mu.Unlock()
	go sub.run(ctx)
}

func (b *Backend) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

// do executes a request and decodes the JSON response into out. HTTP
// 404 maps to ErrNotFound; 5xx and transport errors are retryable.
func (b *Backend) do(req *http.Request, out interface{}) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return retry.Retryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backend.ErrNotFound
	case resp.StatusCode >= 500:
		return retry.Retryable(fmt.Errorf("server returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		var apiErr protocol.ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toStat(s protocol.StatResponse) backend.Stat {
	return backend.Stat{
		Size:     s.Size,
		MTime:    s.ModTime,
		IsFile:   !s.IsDir,
		RealPath: s.RealPath,
	}
}

func pathQuery(path string) url.Values {
	return url.Values{"path": []string{path}}
}

func (b *Backend) Stat(ctx context.Context, path string) (backend.Stat, error) {
	start := time.Now()
	s, err := retry.DoWithResult(ctx, b.retryCfg, func() (backend.Stat, error) {
		req, err := b.newRequest(ctx, http.MethodGet, "/api/v1/stat", pathQuery(path), nil)
		if err != nil {
			return backend.Stat{}, err
		}
		var out protocol.StatResponse
		if err := b.do(req, &out); err != nil {
			return backend.Stat{}, err
		}
		return toStat(out), nil
	})
	metrics.RecordBackendOperation("remote", "stat", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return s, nil
}

func (b *Backend) ReadDir(ctx context.Context, path string) ([]string, []backend.Stat, error) {
	start := time.Now()
	out, err := retry.DoWithResult(ctx, b.retryCfg, func() (protocol.ListResponse, error) {
		req, err := b.newRequest(ctx, http.MethodGet, "/api/v1/list", pathQuery(path), nil)
		if err != nil {
			return protocol.ListResponse{}, err
		}
		var resp protocol.ListResponse
		if err := b.do(req, &resp); err != nil {
			return protocol.ListResponse{}, err
		}
		return resp, nil
	})
	metrics.RecordBackendOperation("remote", "readdir", time.Since(start), err)
	if err != nil {
		return nil, nil, fmt.Errorf("readdir %s: %w", path, err)
	}
	names := make([]string, len(out.Entries))
	stats := make([]backend.Stat, len(out.Entries))
	for i, e := range out.Entries {
		names[i] = nameOf(e.Path)
		stats[i] = toStat(e)
	}
	return names, stats, nil
}

func nameOf(path string) string {
	idx := strings.LastIndex(path, "/")
	return path[idx+1:]
}

func (b *Backend) ReadFile(ctx context.Context, path string) ([]byte, backend.Stat, error) {
	start := time.Now()
	type result struct {
		data []byte
		stat backend.Stat
	}
	r, err := retry.DoWithResult(ctx, b.retryCfg, func() (result, error) {
		req, err := b.newRequest(ctx, http.MethodGet, "/api/v1/content", pathQuery(path), nil)
		if err != nil {
			return result{}, err
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return result{}, backend.ErrNotFound
		case resp.StatusCode >= 500:
			return result{}, retry.Retryable(fmt.Errorf("server returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return result{}, fmt.Errorf("server returned %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		mtime, _ := time.Parse(time.RFC3339Nano, resp.Header.Get("Last-Modified-Nano"))
		return result{data: data, stat: backend.Stat{
			Size:   int64(len(data)),
			MTime:  mtime,
			IsFile: true,
		}}, nil
	})
	metrics.RecordBackendOperation("remote", "read", time.Since(start), err)
	if err != nil {
		return nil, backend.Stat{}, fmt.Errorf("read %s: %w", path, err)
	}
	return r.data, r.stat, nil
}

func (b *Backend) WriteFile(ctx context.Context, path string, data []byte) (backend.Stat, error) {
	start := time.Now()
	req, err := b.newRequest(ctx, http.MethodPut, "/api/v1/content", pathQuery(path), bytes.NewReader(data))
	if err != nil {
		return backend.Stat{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var out protocol.WriteResponse
	err = b.do(req, &out)
	metrics.RecordBackendOperation("remote", "write", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, fmt.Errorf("write %s: %w", path, err)
	}
	return toStat(out.Stat), nil
}

func (b *Backend) postJSON(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := b.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *Backend) Mkdir(ctx context.Context, path string) (backend.Stat, error) {
	start := time.Now()
	var out protocol.WriteResponse
	err := b.postJSON(ctx, "/api/v1/mkdir", protocol.MkdirRequest{Path: path}, &out)
	metrics.RecordBackendOperation("remote", "mkdir", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, fmt.Errorf("mkdir %s: %w", path, err)
	}
	return toStat(out.Stat), nil
}

func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	err := b.postJSON(ctx, "/api/v1/rename", protocol.RenameRequest{OldPath: oldPath, NewPath: newPath}, nil)
	metrics.RecordBackendOperation("remote", "rename", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return nil
}

func (b *Backend) Unlink(ctx context.Context, path string) error {
	start := time.Now()
	err := b.postJSON(ctx, "/api/v1/delete", protocol.DeleteRequest{Path: path}, nil)
	metrics.RecordBackendOperation("remote", "unlink", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

func (b *Backend) WatchPath(ctx context.Context, path string) error {
	return b.postJSON(ctx, "/api/v1/watch", protocol.WatchRequest{Path: path}, nil)
}

func (b *Backend) UnwatchPath(ctx context.Context, path string) error {
	return b.postJSON(ctx, "/api/v1/unwatch", protocol.WatchRequest{Path: path}, nil)
}

func (b *Backend) UnwatchAll(ctx context.Context) error {
	return b.postJSON(ctx, "/api/v1/unwatch", protocol.WatchRequest{Path: ""}, nil)
}

func (b *Backend) ShowOpenDialog(ctx context.Context, opts backend.OpenDialogOptions) ([]string, error) {
	return nil, backend.ErrNotSupported
}

func (b *Backend) ShowSaveDialog(ctx context.Context, opts backend.SaveDialogOptions) (string, error) {
	return "", backend.ErrNotSupported
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{RecursiveWatch: true}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
