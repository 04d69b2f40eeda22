package vfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/backend/memory"
)

type changeRecord struct {
	entry   Entry
	added   []Entry
	removed []Entry
}

type recorder struct {
	mu      sync.Mutex
	changes []changeRecord
	renames [][2]string
}

func (r *recorder) attach(fs *FileSystem) {
	fs.OnChange(func(entry Entry, added, removed []Entry) {
		r.mu.Lock()
		r.changes = append(r.changes, changeRecord{entry: entry, added: added, removed: removed})
		r.mu.Unlock()
	})
	fs.OnRename(func(oldPath, newPath string) {
		r.mu.Lock()
		r.renames = append(r.renames, [2]string{oldPath, newPath})
		r.mu.Unlock()
	})
}

func (r *recorder) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recorder) lastChange(t *testing.T) changeRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		t.Fatal("no change events recorded")
	}
	return r.changes[len(r.changes)-1]
}

func (r *recorder) waitChanges(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.changeCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d change events, have %d", n, r.changeCount())
}

func newTestFS(t *testing.T) (*FileSystem, *memory.Backend) {
	t.Helper()
	b := memory.New()
	fs := New()
	if err := fs.Init(b); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fs.Close(context.Background()) })
	return fs, b
}

func mustMkdir(t *testing.T, fs *FileSystem, path string) *Directory {
	t.Helper()
	d, err := fs.GetDirectoryForPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func mustWrite(t *testing.T, fs *FileSystem, path, content string) *File {
	t.Helper()
	f, err := fs.GetFileForPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Write(context.Background(), []byte(content)); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInitOnlyOnce(t *testing.T) {
	fs, _ := newTestFS(t)
	if err := fs.Init(memory.New()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestUninitializedFails(t *testing.T) {
	fs := New()
	f, err := fs.GetFileForPath("/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Read(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestHandleInterning(t *testing.T) {
	fs, _ := newTestFS(t)

	f1, err := fs.GetFileForPath("/project/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	f2, err := fs.GetFileForPath("/project//a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if f1 != f2 {
		t.Fatal("same canonical file path produced distinct handles")
	}

	d1, err := fs.GetDirectoryForPath("/project/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if Entry(d1) == Entry(f1) {
		t.Fatal("file and directory handles must be distinct")
	}
	d2, err := fs.GetDirectoryForPath("/project/a.txt/")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatal("same canonical directory path produced distinct handles")
	}
}

func TestGetFileRequiresAbsolutePath(t *testing.T) {
	fs, _ := newTestFS(t)
	if _, err := fs.GetFileForPath("relative.txt"); !errors.Is(err, ErrAbsolutePathRequired) {
		t.Fatalf("expected ErrAbsolutePathRequired, got %v", err)
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	fs, _ := newTestFS(t)
	mustMkdir(t, fs, "/docs")
	f := mustWrite(t, fs, "/docs/note.txt", "hello")

	data, err := f.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}

	st, err := f.Stat(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsFile || st.Size != 5 {
		t.Fatalf("unexpected stat: %+v", st)
	}
}

func TestExists(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.GetFileForPath("/missing.txt")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.Exists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("missing file reported as existing")
	}

	mustWrite(t, fs, "/present.txt", "x")
	g, _ := fs.GetFileForPath("/present.txt")
	ok, err = g.Exists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("written file reported as missing")
	}
}

func TestResolve(t *testing.T) {
	fs, _ := newTestFS(t)
	mustMkdir(t, fs, "/src")
	mustWrite(t, fs, "/src/main.txt", "body")

	e, st, err := fs.Resolve(context.Background(), "/src")
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsDirectory() || st.IsFile {
		t.Fatalf("expected directory, got %T (%+v)", e, st)
	}
	if e.FullPath() != "/src/" {
		t.Fatalf("expected /src/, got %s", e.FullPath())
	}

	e, st, err = fs.Resolve(context.Background(), "/src/main.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsFile() || !st.IsFile {
		t.Fatalf("expected file, got %T", e)
	}

	if _, _, err := fs.Resolve(context.Background(), "/nope"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetContents(t *testing.T) {
	fs, _ := newTestFS(t)
	d := mustMkdir(t, fs, "/proj")
	mustMkdir(t, fs, "/proj/sub")
	mustWrite(t, fs, "/proj/a.txt", "a")
	mustWrite(t, fs, "/proj/b.txt", "b")

	contents, err := d.GetContents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 children, got %d", len(contents))
	}

	byName := map[string]Entry{}
	for _, e := range contents {
		byName[e.Name()] = e
	}
	if sub, ok := byName["sub"]; !ok || !sub.IsDirectory() {
		t.Fatal("sub directory missing or wrong kind")
	}
	if a, ok := byName["a.txt"]; !ok || !a.IsFile() {
		t.Fatal("a.txt missing or wrong kind")
	}

	f, _ := fs.GetFileForPath("/proj/a.txt")
	if byName["a.txt"] != Entry(f) {
		t.Fatal("listing did not return the interned handle")
	}
}

func TestCreateAndUnlinkEvents(t *testing.T) {
	fs, _ := newTestFS(t)
	rec := &recorder{}
	rec.attach(fs)

	parent := mustMkdir(t, fs, "/work")
	if _, err := parent.GetContents(context.Background()); err != nil {
		t.Fatal(err)
	}

	f := mustWrite(t, fs, "/work/new.txt", "data")
	last := rec.lastChange(t)
	if last.entry != Entry(parent) {
		t.Fatalf("expected change on parent, got %v", last.entry)
	}
	if len(last.added) != 1 || last.added[0] != Entry(f) {
		t.Fatalf("expected added [new.txt], got %v", last.added)
	}

	if err := f.Unlink(context.Background()); err != nil {
		t.Fatal(err)
	}
	last = rec.lastChange(t)
	if last.entry != Entry(parent) {
		t.Fatalf("expected unlink change on parent, got %v", last.entry)
	}
	if len(last.removed) != 1 || last.removed[0] != Entry(f) {
		t.Fatalf("expected removed [new.txt], got %v", last.removed)
	}

	ok, err := f.Exists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unlinked file still exists")
	}
}

func TestRenamePreservesIdentity(t *testing.T) {
	fs, _ := newTestFS(t)
	rec := &recorder{}
	rec.attach(fs)

	mustMkdir(t, fs, "/old")
	mustMkdir(t, fs, "/old/nested")
	child := mustWrite(t, fs, "/old/nested/f.txt", "x")
	d, _ := fs.GetDirectoryForPath("/old")

	if err := d.Rename(context.Background(), "/new"); err != nil {
		t.Fatal(err)
	}

	if d.FullPath() != "/new/" {
		t.Fatalf("directory handle not re-keyed: %s", d.FullPath())
	}
	if child.FullPath() != "/new/nested/f.txt" {
		t.Fatalf("descendant not re-keyed: %s", child.FullPath())
	}

	again, _ := fs.GetDirectoryForPath("/new")
	if again != d {
		t.Fatal("renamed directory lost its interned identity")
	}
	movedChild, _ := fs.GetFileForPath("/new/nested/f.txt")
	if movedChild != child {
		t.Fatal("renamed descendant lost its interned identity")
	}

	data, err := child.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "x" {
		t.Fatalf("content lost across rename: %q", data)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.renames) == 0 {
		t.Fatal("no rename event fired")
	}
	last := rec.renames[len(rec.renames)-1]
	if last[0] != "/old/" || last[1] != "/new/" {
		t.Fatalf("unexpected rename event: %v", last)
	}
}

func TestRenameToSamePathIsNoop(t *testing.T) {
	fs, _ := newTestFS(t)
	rec := &recorder{}
	rec.attach(fs)

	f := mustWrite(t, fs, "/same.txt", "x")
	before := rec.changeCount()
	if err := f.Rename(context.Background(), "/same.txt"); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	renames := len(rec.renames)
	rec.mu.Unlock()
	if renames != 0 || rec.changeCount() != before {
		t.Fatal("same-path rename fired events")
	}
}

func TestWatchOverlapRejected(t *testing.T) {
	fs, _ := newTestFS(t)
	mustMkdir(t, fs, "/root")
	mustMkdir(t, fs, "/root/sub")

	d, _ := fs.GetDirectoryForPath("/root")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}

	sub, _ := fs.GetDirectoryForPath("/root/sub")
	if err := fs.Watch(context.Background(), sub, nil); !errors.Is(err, ErrParentAlreadyWatched) {
		t.Fatalf("expected ErrParentAlreadyWatched, got %v", err)
	}

	rootDir, _ := fs.GetDirectoryForPath("/")
	if err := fs.Watch(context.Background(), rootDir, nil); !errors.Is(err, ErrChildAlreadyWatched) {
		t.Fatalf("expected ErrChildAlreadyWatched, got %v", err)
	}

	if err := fs.Watch(context.Background(), d, nil); !errors.Is(err, ErrParentAlreadyWatched) {
		t.Fatalf("expected duplicate watch rejection, got %v", err)
	}

	if err := fs.Unwatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unwatch(context.Background(), d); !errors.Is(err, ErrNotWatched) {
		t.Fatalf("expected ErrNotWatched, got %v", err)
	}
}

func TestWatchFailureLeavesNoRoot(t *testing.T) {
	fs, _ := newTestFS(t)
	d, _ := fs.GetDirectoryForPath("/absent")
	if err := fs.Watch(context.Background(), d, nil); err == nil {
		t.Fatal("expected watch of missing directory to fail")
	}
	mustMkdir(t, fs, "/absent")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatalf("watch after failed watch: %v", err)
	}
}

func TestWatchFilter(t *testing.T) {
	fs, _ := newTestFS(t)
	d := mustMkdir(t, fs, "/code")
	mustWrite(t, fs, "/code/keep.txt", "k")
	mustWrite(t, fs, "/code/.hidden", "h")

	filter := func(name, parentPath string) bool { return name[0] != '.' }
	if err := fs.Watch(context.Background(), d, filter); err != nil {
		t.Fatal(err)
	}

	contents, err := d.GetContents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 1 || contents[0].Name() != "keep.txt" {
		t.Fatalf("filter not applied, got %d entries", len(contents))
	}
}

func TestExternalFileChange(t *testing.T) {
	fs, b := newTestFS(t)
	rec := &recorder{}

	d := mustMkdir(t, fs, "/watched")
	mustWrite(t, fs, "/watched/f.txt", "v1")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetContents(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.attach(fs)

	if err := b.SimulateExternalWrite("/watched/f.txt", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	rec.waitChanges(t, 1)

	f, _ := fs.GetFileForPath("/watched/f.txt")
	last := rec.lastChange(t)
	if last.entry != Entry(f) {
		t.Fatalf("expected change on file, got %v", last.entry)
	}
	data, err := f.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected v2, got %q", data)
	}
}

func TestExternalFileChangeEchoDropped(t *testing.T) {
	fs, _ := newTestFS(t)
	rec := &recorder{}

	d := mustMkdir(t, fs, "/w")
	f := mustWrite(t, fs, "/w/f.txt", "x")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetContents(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, err := f.Stat(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec.attach(fs)

	// Same modification time: an echo of state already observed.
	echo := st
	fs.enqueueExternalChange("/w/f.txt", &echo)
	if rec.changeCount() != 0 {
		t.Fatal("echo notification was not dropped")
	}

	fresh := st
	fresh.MTime = st.MTime.Add(5 * time.Millisecond)
	fs.enqueueExternalChange("/w/f.txt", &fresh)
	if rec.changeCount() != 1 {
		t.Fatalf("expected 1 change, got %d", rec.changeCount())
	}
}

func TestExternalDirectoryMembershipChange(t *testing.T) {
	fs, b := newTestFS(t)
	rec := &recorder{}

	d := mustMkdir(t, fs, "/dir")
	mustWrite(t, fs, "/dir/old.txt", "o")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetContents(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.attach(fs)

	if err := b.SimulateExternalCreate("/dir/new.txt", false, []byte("n")); err != nil {
		t.Fatal(err)
	}
	rec.waitChanges(t, 1)

	last := rec.lastChange(t)
	if last.entry != Entry(d) {
		t.Fatalf("expected change on directory, got %v", last.entry)
	}
	if len(last.added) != 1 || last.added[0].Name() != "new.txt" {
		t.Fatalf("expected added [new.txt], got %v", last.added)
	}

	if err := b.SimulateExternalRemove("/dir/old.txt"); err != nil {
		t.Fatal(err)
	}
	rec.waitChanges(t, 2)
	last = rec.lastChange(t)
	if len(last.removed) != 1 || last.removed[0].Name() != "old.txt" {
		t.Fatalf("expected removed [old.txt], got %v", last.removed)
	}
}

func TestExternalChangeForUnknownPathIgnored(t *testing.T) {
	fs, b := newTestFS(t)
	rec := &recorder{}
	rec.attach(fs)

	d := mustMkdir(t, fs, "/seen")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	before := rec.changeCount()
	b.SimulateExternalWrite("/seen/never-listed.txt", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	if rec.changeCount() != before {
		t.Fatal("notification for unindexed path produced an event")
	}
}

func TestDeferralDuringMutation(t *testing.T) {
	fs, _ := newTestFS(t)
	rec := &recorder{}

	d := mustMkdir(t, fs, "/defer")
	f := mustWrite(t, fs, "/defer/f.txt", "1")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetContents(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, _ := f.Stat(context.Background())
	rec.attach(fs)

	fs.beginChange()
	s1 := st
	s1.MTime = st.MTime.Add(5 * time.Millisecond)
	fs.enqueueExternalChange("/defer/f.txt", &s1)
	s2 := st
	s2.MTime = st.MTime.Add(10 * time.Millisecond)
	fs.enqueueExternalChange("/defer/f.txt", &s2)
	if rec.changeCount() != 0 {
		t.Fatal("notification not deferred during mutation")
	}
	fs.endChange()

	// Deduplicated by path: one replay carrying the latest stat.
	if rec.changeCount() != 1 {
		t.Fatalf("expected 1 replayed change, got %d", rec.changeCount())
	}
	got, _ := f.Stat(context.Background())
	if !got.SameMTime(s2) {
		t.Fatalf("expected latest stat to win, got %v want %v", got.MTime, s2.MTime)
	}
}

func TestWholesaleChange(t *testing.T) {
	fs, b := newTestFS(t)
	rec := &recorder{}

	d := mustMkdir(t, fs, "/all")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetContents(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.attach(fs)

	b.SimulateWholesaleChange()
	rec.waitChanges(t, 1)
	last := rec.lastChange(t)
	if last.entry != nil {
		t.Fatalf("wholesale change must carry a nil entry, got %v", last.entry)
	}

	fs.mu.Lock()
	valid := d.contentsValid
	fs.mu.Unlock()
	if valid {
		t.Fatal("cached contents survived a wholesale change")
	}
}

func TestWatchersOffline(t *testing.T) {
	fs, b := newTestFS(t)
	rec := &recorder{}

	d := mustMkdir(t, fs, "/frag")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	rec.attach(fs)

	b.SimulateOffline()
	rec.waitChanges(t, 1)
	if rec.lastChange(t).entry != nil {
		t.Fatal("offline must fire a wholesale change")
	}

	// All roots dropped: the same directory can be watched again.
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatalf("watch after offline: %v", err)
	}
}

func TestUnwatchPrunesIndex(t *testing.T) {
	fs, _ := newTestFS(t)
	d := mustMkdir(t, fs, "/p")
	f := mustWrite(t, fs, "/p/f.txt", "x")
	if err := fs.Watch(context.Background(), d, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetContents(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := fs.Unwatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	fs.mu.Lock()
	indexed := fs.index.get("/p/f.txt")
	fs.mu.Unlock()
	if indexed != nil {
		t.Fatal("descendant still indexed after unwatch")
	}

	// The old handle keeps working against the backend.
	if _, err := f.Read(context.Background()); err != nil {
		t.Fatalf("read through pruned handle: %v", err)
	}
}

func TestVisit(t *testing.T) {
	fs, _ := newTestFS(t)
	d := mustMkdir(t, fs, "/tree")
	mustMkdir(t, fs, "/tree/a")
	mustMkdir(t, fs, "/tree/a/b")
	mustWrite(t, fs, "/tree/a/f.txt", "x")
	mustWrite(t, fs, "/tree/top.txt", "y")

	var paths []string
	err := d.Visit(context.Background(), func(e Entry) bool {
		paths = append(paths, e.FullPath())
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"/tree/": true, "/tree/a/": true, "/tree/a/b/": true,
		"/tree/a/f.txt": true, "/tree/top.txt": true,
	}
	if len(paths) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), paths)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected path %s", p)
		}
	}
}

func TestVisitPrunes(t *testing.T) {
	fs, _ := newTestFS(t)
	d := mustMkdir(t, fs, "/pr")
	mustMkdir(t, fs, "/pr/skip")
	mustWrite(t, fs, "/pr/skip/inner.txt", "x")

	var visited []string
	err := d.Visit(context.Background(), func(e Entry) bool {
		visited = append(visited, e.FullPath())
		return e.Name() != "skip"
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range visited {
		if p == "/pr/skip/inner.txt" {
			t.Fatal("pruned subtree was visited")
		}
	}
}

func TestShowDialogs(t *testing.T) {
	fs, b := newTestFS(t)
	b.QueueOpenSelection("/a.txt", "/b.txt")
	b.QueueSaveSelection("/out.txt")

	paths, err := fs.ShowOpenDialog(context.Background(), backend.OpenDialogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %v", paths)
	}

	p, err := fs.ShowSaveDialog(context.Background(), backend.SaveDialogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if p != "/out.txt" {
		t.Fatalf("expected /out.txt, got %s", p)
	}

	// Cancellation: empty result, nil error.
	paths, err = fs.ShowOpenDialog(context.Background(), backend.OpenDialogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected cancellation, got %v", paths)
	}
}
