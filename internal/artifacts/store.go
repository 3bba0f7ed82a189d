// Package artifacts implements the content-addressed blob store described
// by the session store's artifact table: bytes in, SHA-256 out, sharded on
// disk by the first two hex characters of the hash.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when no blob exists for the given hash.
var ErrNotFound = errors.New("artifacts: not found")

// ErrInvalidHash is returned when a caller-supplied hash isn't a
// well-formed 64-character lowercase hex string. Rejecting it here is
// what stands between a malicious call site and a path-traversal read.
var ErrInvalidHash = errors.New("artifacts: invalid hash")

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is a directory-backed content-addressed blob store. It is safe
// for concurrent use: writes land in a per-write temp file before an
// atomic rename, so concurrent Put calls for the same content never
// observe a partially written blob.
type Store struct {
	baseDir string
}

// NewStore creates (if needed) baseDir with owner-only permissions and
// returns a Store rooted there.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("artifacts: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put writes data under its SHA-256 hash and returns the hash. Putting
// the same bytes twice returns the same hash and leaves exactly one file
// on disk; the second call is a cheap no-op once the shard directory and
// file already exist.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.baseDir, hash[:2])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("artifacts: create shard dir: %w", err)
	}

	dest := filepath.Join(dir, hash)
	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	}

	tmp := filepath.Join(dir, "."+hash+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("artifacts: write temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("artifacts: rename into place: %w", err)
	}
	return hash, nil
}

// Get returns the bytes stored under hash, or ErrNotFound if none exist.
func (s *Store) Get(hash string) ([]byte, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifacts: read: %w", err)
	}
	return data, nil
}

// Open returns a reader over the blob stored under hash, for callers that
// don't want the whole thing in memory at once.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifacts: open: %w", err)
	}
	return f, nil
}

func (s *Store) path(hash string) (string, error) {
	if !hashPattern.MatchString(hash) {
		return "", ErrInvalidHash
	}
	return filepath.Join(s.baseDir, hash[:2], hash), nil
}
