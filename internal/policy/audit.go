package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opsdiag/agentcore/pkg/models"
)

// Record is one JSON-lines entry in the audit log, matching §4.3's
// {ts, session_id, call_id, tool, risk, decision, reason, args_redacted},
// extended with the privacy tier and (on a result record) a redacted
// output preview per the three-tier redaction the prototype's
// PolicyEngine.audit_log applies.
type Record struct {
	Timestamp    time.Time            `json:"ts"`
	SessionID    string               `json:"session_id"`
	CallID       string               `json:"call_id"`
	Tool         string               `json:"tool"`
	Risk         models.RiskLevel     `json:"risk"`
	Privacy      models.PrivacyScope  `json:"privacy,omitempty"`
	Decision     models.PolicyVerdict `json:"decision"`
	Reason       string               `json:"reason"`
	ArgsRedacted json.RawMessage      `json:"args_redacted,omitempty"`
	Output       string               `json:"output,omitempty"`
}

// AuditWriter appends one JSON line per policy decision to an append-only
// file, rotating it once it crosses MaxSizeBytes. Concurrent writers in
// the same process serialize through mu. Rotation only renames files
// (audit.jsonl.N-1 to .N, then the active file to .1) and reopens a fresh
// active file; no file is copied or rewritten, so a crash mid-rotation
// never truncates a line a reader sees.
type AuditWriter struct {
	mu           sync.Mutex
	path         string
	file         *os.File
	size         int64
	maxSizeBytes int64
	keepFiles    int

	// OnRotate, if set, is invoked after a successful rotation. It exists
	// so a caller (the CLI's runtime wiring) can feed a rotation counter into its
	// metrics without this package importing anything metrics-shaped.
	OnRotate func()
}

// NewAuditWriter opens (or creates) the audit file at path with owner-only
// permissions, as the persisted-state layout requires.
func NewAuditWriter(path string, maxSizeBytes int64, keepFiles int) (*AuditWriter, error) {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 10 << 20 // 10MiB
	}
	if keepFiles <= 0 {
		keepFiles = 5
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: stat %s: %w", path, err)
	}
	return &AuditWriter{
		path:         path,
		file:         f,
		size:         info.Size(),
		maxSizeBytes: maxSizeBytes,
		keepFiles:    keepFiles,
	}, nil
}

// Write appends one record as a single JSON line. A marshal failure is
// logged to the record itself as a best-effort fallback line rather than
// silently dropping the decision — losing an audit entry is worse than a
// malformed one.
func (w *AuditWriter) Write(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"ts":%q,"session_id":%q,"call_id":%q,"error":"marshal failed: %s"}`,
			rec.Timestamp.Format(time.RFC3339Nano), rec.SessionID, rec.CallID, err))
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(line)) > w.maxSizeBytes {
		if err := w.rotateLocked(); err != nil {
			// Rotation failure must not lose the decision: keep writing to
			// the current file past the threshold rather than drop it.
			w.appendLocked(line)
			return
		}
		if w.OnRotate != nil {
			w.OnRotate()
		}
	}
	w.appendLocked(line)
}

func (w *AuditWriter) appendLocked(line []byte) {
	n, err := w.file.Write(line)
	if err != nil {
		return
	}
	w.size += int64(n)
}

// rotateLocked shifts audit.jsonl.<n> generations up by one
// (audit.jsonl.1 -> audit.jsonl.2, ...) and moves the current file into
// slot 1, then opens a fresh audit.jsonl. Renames within the same
// directory are atomic, so a line either lands in the old generation
// entirely or the new file entirely — never split across both.
func (w *AuditWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	for n := w.keepFiles - 1; n >= 1; n-- {
		src := w.generationPath(n)
		dst := w.generationPath(n + 1)
		if _, err := os.Stat(src); err == nil {
			if n+1 > w.keepFiles {
				os.Remove(src)
				continue
			}
			os.Rename(src, dst)
		}
	}
	if err := os.Rename(w.path, w.generationPath(1)); err != nil && !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	return nil
}

func (w *AuditWriter) generationPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// Close flushes and closes the underlying file handle.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
