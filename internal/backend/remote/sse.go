package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/pkg/protocol"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second

	// offlineAfter is the number of consecutive failed connection
	// attempts before the subscriber gives up and reports offline.
	offlineAfter = 10
)

// sseSubscriber keeps a server-sent-events stream open against the
// remote daemon and feeds its events into the change sink.
type sseSubscriber struct {
	baseURL string
	token   string
	change  backend.ChangeFunc
	offline backend.OfflineFunc

	httpClient *http.Client
}

func newSSESubscriber(baseURL, token string, change backend.ChangeFunc, offline backend.OfflineFunc) *sseSubscriber {
	return &sseSubscriber{
		baseURL: baseURL,
		token:   token,
		change:  change,
		offline: offline,
		// No timeout: the stream stays open indefinitely.
		httpClient: &http.Client{},
	}
}

func (s *sseSubscriber) run(ctx context.Context) {
	delay := reconnectMin
	failures := 0
	for {
		started := time.Now()
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > reconnectMax {
			// The stream was healthy for a while; start the failure
			// budget over.
			failures = 0
			delay = reconnectMin
		}
		failures++
		if failures >= offlineAfter {
			logging.L().Error("event stream unrecoverable, going offline", zap.Error(err))
			s.offline()
			return
		}
		logging.L().Warn("event stream disconnected",
			zap.Error(err), zap.Duration("reconnect_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// connect opens the stream and pumps events until it breaks.
func (s *sseSubscriber) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	logging.L().Info("event stream connected", zap.String("url", s.baseURL))

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data != "" {
				s.dispatch(data)
				data = ""
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}

func (s *sseSubscriber) dispatch(data string) {
	var ev protocol.SSEEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		logging.L().Debug("unparseable event", zap.String("data", data))
		return
	}
	switch ev.Type {
	case "change":
		s.change(ev.Path, nil)
	case "rename":
		// The contract has no rename notification: report both
		// containing directories so the core rediscovers membership.
		s.change(parentDir(ev.OldPath), nil)
		s.change(parentDir(ev.NewPath), nil)
	case "wholesale":
		s.change("", nil)
	}
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
