package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreWriteAndURL(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "https://cdn.example.com/static/")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key, err := store.Write(context.Background(), "/tryon/tenant 1/job/01.png", []byte("png"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "tryon/tenant 1/job/01.png" {
		t.Fatalf("key = %q", key)
	}
	data, err := os.ReadFile(filepath.Join(dir, "tryon", "tenant 1", "job", "01.png"))
	if err != nil || string(data) != "png" {
		t.Fatalf("file content = %q err=%v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tryon", "tenant 1", "job", "01.png.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file should be gone, stat err=%v", err)
	}
	if got := store.URL(key); got != "https://cdn.example.com/static/tryon/tenant%201/job/01.png" {
		t.Fatalf("URL = %q", got)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	cases := map[string]bool{
		"a/b.png":       true,
		"./a/../b.png":  true,
		"..\\secret":    false,
		"../etc/passwd": false,
		"a/../../etc":   false,
		"   ":           false,
		"/":             false,
	}
	for key, ok := range cases {
		_, err := sanitizeKey(key)
		if (err == nil) != ok {
			t.Fatalf("sanitizeKey(%q) err=%v, want ok=%v", key, err, ok)
		}
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore(" ", ""); err == nil {
		t.Fatalf("expected error for empty base path")
	}
}

func TestFileStoreRead(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key, err := store.Write(ctx, "tryon/t/j/01.png", []byte("png"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.Read(ctx, key)
	if err != nil || string(data) != "png" {
		t.Fatalf("read back %q: %v", data, err)
	}
	if _, err := store.Read(ctx, "../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := store.Read(ctx, "tryon/missing.png"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
