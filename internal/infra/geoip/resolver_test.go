package geoip

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenEmptyPathDisablesLookups(t *testing.T) {
	r, err := Open("  ")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil resolver for empty path")
	}
	if _, err := r.CountryCode("203.0.113.7"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil resolver: %v", err)
	}
}

func TestOpenRejectsMissingOrCorruptDatabase(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing.mmdb")); err == nil {
		t.Fatalf("expected error for missing database")
	}
	corrupt := filepath.Join(dir, "corrupt.mmdb")
	if err := os.WriteFile(corrupt, []byte("not a maxmind database"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(corrupt); err == nil {
		t.Fatalf("expected error for corrupt database")
	}
}
