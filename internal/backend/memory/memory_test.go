package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/fruitsalade/kumquat/internal/backend"
)

func TestStatRoot(t *testing.T) {
	b := New()
	st, err := b.Stat(context.Background(), "/")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsFile {
		t.Fatal("root must be a directory")
	}
}

func TestWriteReadStat(t *testing.T) {
	b := New()
	ctx := context.Background()

	st, err := b.WriteFile(ctx, "/a.txt", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsFile || st.Size != 5 {
		t.Fatalf("unexpected stat: %+v", st)
	}

	data, rst, err := b.ReadFile(ctx, "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
	if !rst.SameMTime(st) {
		t.Fatal("stat mismatch between write and read")
	}
}

func TestWriteIntoMissingParent(t *testing.T) {
	b := New()
	if _, err := b.WriteFile(context.Background(), "/no/such/file.txt", nil); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadDir(t *testing.T) {
	b := New()
	ctx := context.Background()

	if _, err := b.Mkdir(ctx, "/d"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Mkdir(ctx, "/d/sub"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteFile(ctx, "/d/b.txt", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteFile(ctx, "/d/a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteFile(ctx, "/d/sub/deep.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}

	names, stats, err := b.ReadDir(ctx, "/d")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.txt", "b.txt", "sub"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
	if !stats[2].IsDir() {
		t.Fatal("sub must be a directory")
	}
}

func TestMkdirExisting(t *testing.T) {
	b := New()
	ctx := context.Background()
	if _, err := b.Mkdir(ctx, "/d"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Mkdir(ctx, "/d"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRenameSubtree(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Mkdir(ctx, "/src")
	b.Mkdir(ctx, "/src/pkg")
	b.WriteFile(ctx, "/src/pkg/f.txt", []byte("f"))

	if err := b.Rename(ctx, "/src", "/dst"); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Stat(ctx, "/src"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("old path still present: %v", err)
	}
	data, _, err := b.ReadFile(ctx, "/dst/pkg/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "f" {
		t.Fatalf("expected f, got %q", data)
	}
}

func TestRenameOntoExisting(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.WriteFile(ctx, "/a.txt", []byte("a"))
	b.WriteFile(ctx, "/b.txt", []byte("b"))
	if err := b.Rename(ctx, "/a.txt", "/b.txt"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestUnlinkSubtree(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Mkdir(ctx, "/d")
	b.WriteFile(ctx, "/d/f.txt", []byte("f"))

	if err := b.Unlink(ctx, "/d"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Stat(ctx, "/d/f.txt"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("descendant survived unlink: %v", err)
	}
}

func TestNotificationsOnlyInsideWatchedSubtree(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Mkdir(ctx, "/watched")
	b.Mkdir(ctx, "/other")

	var notified []string
	b.InitWatchers(func(path string, stat *backend.Stat) {
		notified = append(notified, path)
	}, func() {})
	if err := b.WatchPath(ctx, "/watched"); err != nil {
		t.Fatal(err)
	}

	b.SimulateExternalWrite("/watched/in.txt", []byte("x"))
	b.SimulateExternalWrite("/other/out.txt", []byte("x"))

	if len(notified) != 1 || notified[0] != "/watched/in.txt" {
		t.Fatalf("expected one notification for /watched/in.txt, got %v", notified)
	}
}

func TestExternalCreateNotifiesParent(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Mkdir(ctx, "/w")

	var paths []string
	var stats []*backend.Stat
	b.InitWatchers(func(path string, stat *backend.Stat) {
		paths = append(paths, path)
		stats = append(stats, stat)
	}, func() {})
	b.WatchPath(ctx, "/w")

	b.SimulateExternalCreate("/w/new.txt", false, []byte("n"))
	if len(paths) != 1 || paths[0] != "/w" {
		t.Fatalf("expected parent notification, got %v", paths)
	}
	if stats[0] == nil || stats[0].IsFile {
		t.Fatal("expected a directory stat for the parent")
	}
}

func TestSimulateOffline(t *testing.T) {
	b := New()
	fired := false
	b.InitWatchers(func(string, *backend.Stat) {}, func() { fired = true })
	b.SimulateOffline()
	if !fired {
		t.Fatal("offline sink not fired")
	}
}

func TestDialogQueues(t *testing.T) {
	b := New()
	ctx := context.Background()

	b.QueueOpenSelection("/x.txt")
	paths, err := b.ShowOpenDialog(ctx, backend.OpenDialogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "/x.txt" {
		t.Fatalf("unexpected selection %v", paths)
	}

	paths, err = b.ShowOpenDialog(ctx, backend.OpenDialogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Fatal("expected cancellation with empty queue")
	}

	b.QueueSaveSelection("/save.txt")
	p, err := b.ShowSaveDialog(ctx, backend.SaveDialogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if p != "/save.txt" {
		t.Fatalf("unexpected save selection %q", p)
	}
}
