package s3

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
)

// offlineAfter is the number of consecutive failed polls before the
// scanner declares the watcher machinery dead.
const offlineAfter = 10

type snapEntry struct {
	size  int64
	mtime time.Time
}

// scanner polls watched subtrees and synthesizes change notifications
// from snapshot diffs. Buckets have no native watch API.
type scanner struct {
	b        *Backend
	interval time.Duration

	mu      sync.Mutex
	watched map[string]map[string]snapEntry
	change  backend.ChangeFunc
	offline backend.OfflineFunc
	stopCh  chan struct{}
	stopped bool
	fails   int
}

func newScanner(b *Backend, interval time.Duration) *scanner {
	return &scanner{
		b:        b,
		interval: interval,
		watched:  make(map[string]map[string]snapEntry),
		stopCh:   make(chan struct{}),
	}
}

func (s *scanner) init(change backend.ChangeFunc, offline backend.OfflineFunc) {
	s.mu.Lock()
	s.change = change
	s.offline = offline
	s.mu.Unlock()
	go s.loop()
}

func (s *scanner) watch(path string) error {
	snap, err := s.snapshot(context.Background(), path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watched[path] = snap
	s.mu.Unlock()
	return nil
}

func (s *scanner) unwatch(path string) error {
	s.mu.Lock()
	delete(s.watched, path)
	s.mu.Unlock()
	return nil
}

func (s *scanner) unwatchAll() {
	s.mu.Lock()
	s.watched = make(map[string]map[string]snapEntry)
	s.mu.Unlock()
}

func (s *scanner) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
}

func (s *scanner) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanAll()
		}
	}
}

func (s *scanner) scanAll() {
	s.mu.Lock()
	roots := make([]string, 0, len(s.watched))
	for root := range s.watched {
		roots = append(roots, root)
	}
	change := s.change
	offline := s.offline
	s.mu.Unlock()
	if change == nil {
		return
	}

	start := time.Now()
	changes := 0
	failed := false
	for _, root := range roots {
		snap, err := s.snapshot(context.Background(), root)
		if err != nil {
			logging.L().Warn("bucket poll failed", zap.String("root", root), zap.Error(err))
			failed = true
			continue
		}

		s.mu.Lock()
		prev, still := s.watched[root]
		if still {
			s.watched[root] = snap
		}
		s.mu.Unlock()
		if !still {
			continue
		}
		changes += s.diff(prev, snap, change)
	}
	metrics.RecordS3Scan(time.Since(start), changes)

	s.mu.Lock()
	if failed {
		s.fails++
	} else {
		s.fails = 0
	}
	dead := s.fails >= offlineAfter && !s.stopped
	if dead {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	if dead && offline != nil {
		logging.L().Error("bucket unreachable, going offline")
		offline()
	}
}

// diff emits one notification per changed file and one per directory
// whose membership changed.
func (s *scanner) diff(prev, next map[string]snapEntry, change backend.ChangeFunc) int {
	dirtyDirs := make(map[string]struct{})
	n := 0

	for key, e := range next {
		old, ok := prev[key]
		if !ok {
			dirtyDirs[parentOf(s.b.pathOf(key))] = struct{}{}
			n++
			continue
		}
		if strings.HasSuffix(key, "/") {
			continue
		}
		if old.size != e.size || !old.mtime.Equal(e.mtime) {
			stat := &backend.Stat{Size: e.size, MTime: e.mtime, IsFile: true}
			change(s.b.pathOf(key), stat)
			n++
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			dirtyDirs[parentOf(s.b.pathOf(key))] = struct{}{}
			n++
		}
	}

	for dir := range dirtyDirs {
		change(dir, nil)
	}
	return n
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// snapshot lists every object belonging to the subtree at root.
func (s *scanner) snapshot(ctx context.Context, root string) (map[string]snapEntry, error) {
	snap := make(map[string]snapEntry)
	key := s.b.key(root)

	if root != "/" {
		if head, err := s.b.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(s.b.bucket),
			Key:    aws.String(key),
		}); err == nil {
			snap[key] = snapEntry{
				size:  aws.ToInt64(head.ContentLength),
				mtime: aws.ToTime(head.LastModified),
			}
		} else if !isNotFound(err) {
			return nil, err
		}
	}

	prefix := key
	if root != "/" {
		prefix += "/"
	}
	paginator := awss3.NewListObjectsV2Paginator(s.b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			snap[aws.ToString(obj.Key)] = snapEntry{
				size:  aws.ToInt64(obj.Size),
				mtime: aws.ToTime(obj.LastModified),
			}
		}
	}
	return snap, nil
}
