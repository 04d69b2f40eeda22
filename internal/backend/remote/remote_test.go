package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/backend/memory"
	"github.com/fruitsalade/kumquat/internal/events"
	"github.com/fruitsalade/kumquat/internal/server"
	"github.com/fruitsalade/kumquat/internal/vfs"
)

// startUpstream runs a real daemon over a memory backend for the
// remote backend to proxy.
func startUpstream(t *testing.T) (*httptest.Server, *vfs.FileSystem) {
	t.Helper()
	fs := vfs.New()
	if err := fs.Init(memory.New()); err != nil {
		t.Fatal(err)
	}
	srv := server.New(fs, events.NewFeed(), "")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		fs.Close(context.Background())
	})
	return ts, fs
}

func newRemote(t *testing.T, baseURL string) *Backend {
	t.Helper()
	b, err := New(Config{BaseURL: baseURL})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestRemoteRoundtrip(t *testing.T) {
	ts, _ := startUpstream(t)
	b := newRemote(t, ts.URL)
	ctx := context.Background()

	st, err := b.Mkdir(ctx, "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsFile {
		t.Fatal("mkdir returned a file stat")
	}

	wst, err := b.WriteFile(ctx, "/docs/a.txt", []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if !wst.IsFile || wst.Size != 7 {
		t.Fatalf("unexpected write stat: %+v", wst)
	}

	data, rst, err := b.ReadFile(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected payload, got %q", data)
	}
	if !rst.SameMTime(wst) {
		t.Fatalf("mtime lost on the wire: %v vs %v", rst.MTime, wst.MTime)
	}

	names, stats, err := b.ReadDir(ctx, "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "a.txt" || !stats[0].IsFile {
		t.Fatalf("unexpected listing: %v %v", names, stats)
	}

	if err := b.Rename(ctx, "/docs/a.txt", "/docs/b.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Stat(ctx, "/docs/a.txt"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for renamed-away path, got %v", err)
	}

	if err := b.Unlink(ctx, "/docs/b.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Stat(ctx, "/docs/b.txt"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unlink, got %v", err)
	}
}

func TestRemoteNotFound(t *testing.T) {
	ts, _ := startUpstream(t)
	b := newRemote(t, ts.URL)

	if _, err := b.Stat(context.Background(), "/missing"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := b.ReadFile(context.Background(), "/missing"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteChangeNotifications(t *testing.T) {
	ts, upstream := startUpstream(t)
	b := newRemote(t, ts.URL)
	ctx := context.Background()

	if _, err := b.Mkdir(ctx, "/synced"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var paths []string
	b.InitWatchers(func(path string, stat *backend.Stat) {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
	}, func() {})

	if err := b.WatchPath(ctx, "/synced"); err != nil {
		t.Fatal(err)
	}

	// Let the event stream connect before mutating upstream.
	time.Sleep(100 * time.Millisecond)

	f, err := upstream.GetFileForPath("/synced/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Write(context.Background(), []byte("v1")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(paths)
		mu.Unlock()
		if n > 0 {
			mu.Lock()
			defer mu.Unlock()
			for _, p := range paths {
				if p == "/synced/f.txt" || p == "/synced" {
					return
				}
			}
			t.Fatalf("unexpected notification paths: %v", paths)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no change notification arrived over the event stream")
}

func TestRemoteCapabilities(t *testing.T) {
	ts, _ := startUpstream(t)
	b := newRemote(t, ts.URL)
	if !b.Capabilities().RecursiveWatch {
		t.Fatal("remote backend must report recursive watching")
	}
	if _, err := b.ShowOpenDialog(context.Background(), backend.OpenDialogOptions{}); !errors.Is(err, backend.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}
