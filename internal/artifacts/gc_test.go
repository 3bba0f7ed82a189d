package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeChecker struct {
	referenced map[string]bool
}

func (f *fakeChecker) IsReferenced(_ context.Context, hash string) (bool, error) {
	return f.referenced[hash], nil
}

func TestGCSweeper_RemovesUnreferencedOldBlobs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	oldHash, _ := s.Put([]byte("stale"))
	keptHash, _ := s.Put([]byte("still referenced"))

	oldPath, _ := s.path(oldHash)
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	checker := &fakeChecker{referenced: map[string]bool{keptHash: true}}
	g := NewGCSweeper(s, checker, 24*time.Hour, nil)
	g.sweepOnce()

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("expected stale unreferenced blob to be removed, stat err = %v", err)
	}
	keptPath, _ := s.path(keptHash)
	if _, err := os.Stat(keptPath); err != nil {
		t.Errorf("expected referenced blob to survive: %v", err)
	}
}

func TestGCSweeper_SkipsBlobsYoungerThanRetention(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	hash, _ := s.Put([]byte("fresh"))

	checker := &fakeChecker{}
	g := NewGCSweeper(s, checker, 24*time.Hour, nil)
	g.sweepOnce()

	path, _ := s.path(hash)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("fresh blob should survive a sweep: %v", err)
	}
}

func TestGCSweeper_IgnoresNonHashFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	stray := filepath.Join(dir, "README.md")
	if err := os.WriteFile(stray, []byte("not a blob"), 0o600); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	g := NewGCSweeper(s, &fakeChecker{}, 0, nil)
	g.sweepOnce()

	if _, err := os.Stat(stray); err != nil {
		t.Errorf("non-hash file should be left alone: %v", err)
	}
}
