package filestore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "http://localhost:8080/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	url, err := s.Put(context.Background(), "documents/d1", "License.PDF", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	prefix := "http://localhost:8080/uploads/documents/d1/"
	if !strings.HasPrefix(url, prefix) || !strings.HasSuffix(url, ".pdf") {
		t.Fatalf("unexpected url %s", url)
	}
	name := strings.TrimPrefix(url, prefix)
	data, err := os.ReadFile(filepath.Join(dir, "documents", "d1", name))
	if err != nil || string(data) != "%PDF-1.4" {
		t.Fatalf("file not stored: %v %q", err, data)
	}
}

func TestLocalStoreStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewLocalStore(dir, "http://x")
	url, err := s.Put(context.Background(), "../../etc", "a.png", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(url, "http://x/uploads/etc/") {
		t.Fatalf("folder must be confined, got %s", url)
	}
}

func TestLocalStoreRejectsOversizedUpload(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir(), "http://x")
	big := bytes.Repeat([]byte("a"), MaxUploadBytes+1)
	if _, err := s.Put(context.Background(), "avatars", "a.jpg", bytes.NewReader(big)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
