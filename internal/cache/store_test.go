package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/any-hub/imagecache/internal/logging"
)

func TestStorePathFollowsCodec(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Path("https://example.com/a/b/pic?x=1&y=2")
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	want := filepath.Join(store.Root(), "example.com", "a", "b", "pic_x=1-y=2.png")
	if got != want {
		t.Fatalf("path mismatch: want %s got %s", want, got)
	}
}

func TestStorePathRejectsEmptyURL(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Path(""); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
}

func TestStorePathStaysUnderRoot(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Path("https://evil.com/../../../etc/passwd")
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if !strings.HasPrefix(got, store.Root()+string(filepath.Separator)) {
		t.Fatalf("path escaped cache root: %s", got)
	}
}

func TestStorePathRejectsReservedNames(t *testing.T) {
	store := newTestStore(t)

	reserved := []string{
		"x.png" + StagingSuffix,
		DownloadTempPrefix + "123456",
		".cache-42",
		MetaDir + "/imageCacheInfo.json",
		"https://" + MetaDir + "/imageCacheInfo.json",
	}
	for _, url := range reserved {
		if _, err := store.Path(url); !errors.Is(err, ErrReservedPath) {
			t.Fatalf("%q should be reserved, got %v", url, err)
		}
		if _, ok := store.Lookup(url); ok {
			t.Fatalf("%q must never resolve", url)
		}
	}

	if _, err := store.Path("https://example.com/a/pic.part"); err != nil {
		t.Fatalf("a .part url maps to .part.png and stays usable: %v", err)
	}
}

func TestStoreLookupAndRemove(t *testing.T) {
	store := newTestStore(t)
	url := "https://example.com/img/cat.jpg"

	if _, ok := store.Lookup(url); ok {
		t.Fatalf("lookup should miss before write")
	}

	filePath, err := store.Prepare(url)
	if err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	if _, err := WriteFileAtomic(context.Background(), filePath, bytes.NewReader([]byte("data")), ""); err != nil {
		t.Fatalf("write error: %v", err)
	}

	got, ok := store.Lookup(url)
	if !ok || got != filePath {
		t.Fatalf("lookup mismatch: ok=%v path=%s", ok, got)
	}

	if err := store.Remove(url); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, ok := store.Lookup(url); ok {
		t.Fatalf("lookup should miss after remove")
	}
	if err := store.Remove(url); err != nil {
		t.Fatalf("removing a missing file should succeed, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	url := "https://example.com/dir/sub.png"

	filePath, err := store.Path(url)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, ok := store.Lookup(url); ok {
		t.Fatalf("directory must not count as cached file")
	}
}

func TestOpenStoreFallsBackWhenRootUnusable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	logger := logging.Discard()

	store := OpenStore(filepath.Join(blocker, "cache"), logger)
	if store.Mode() != ModeEphemeral {
		t.Fatalf("expected ephemeral mode, got %s", store.Mode())
	}
	if store.Root() == "" {
		t.Fatalf("fallback root should not be empty")
	}
}

func TestDisabledStoreMissesEverything(t *testing.T) {
	store := &fileStore{mode: ModeDisabled}
	if _, ok := store.Lookup("https://example.com/a.png"); ok {
		t.Fatalf("disabled store must not hit")
	}
	if _, err := store.Prepare("https://example.com/a.png"); !errors.Is(err, ErrStoreDisabled) {
		t.Fatalf("expected ErrStoreDisabled, got %v", err)
	}
}

func TestWriteFileAtomicCleansUpOnCancel(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := WriteFileAtomic(ctx, target, bytes.NewReader([]byte("payload")), ".download-*"); err == nil {
		t.Fatalf("expected cancellation error")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp file should be removed, found %d entries", len(entries))
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
