package backend

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
)

// maxOutputBytes caps how much of a command's combined stdout/stderr is
// kept, so a runaway process (e.g. a `tail -f` invoked as a "diagnostic")
// can't grow the log or the model's context window without bound.
const maxOutputBytes = 64 * 1024

// LocalBackend runs shell commands as subprocesses on the machine the
// agent itself is running on. It is the one concrete, out-of-scope-per-spec
// execution backend this module ships as runnable glue; remote/SSH
// backends are left to the operator's own implementation of Backend.
type LocalBackend struct{}

// NewLocalBackend returns a backend that shells out on the local host.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Resolve(_ context.Context, target string) (TargetInfo, error) {
	return TargetInfo{Target: target, Type: "host", Labels: map[string]string{"os": runtime.GOOS}}, nil
}

// RunDiagnostic on the local backend just runs action as a shell command
// with args ignored beyond being unavailable to name-based dispatch — a
// real diagnostics catalog entry would map action to a fixed command
// line; that mapping is the catalog's job, not this backend's.
func (b *LocalBackend) RunDiagnostic(ctx context.Context, target, action string, args map[string]any) (Result, error) {
	return b.RunShell(ctx, target, action)
}

func (b *LocalBackend) RunShell(ctx context.Context, target, command string) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var out limitedBuffer
	out.limit = maxOutputBytes
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, &BackendError{Code: ErrCodeTimeout, Target: target, Message: "command cancelled or timed out", Cause: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Output: out.String(), ExitCode: exitErr.ExitCode()}, nil
		}
		return Result{}, &BackendError{Code: ErrCodeExecFailed, Target: target, Message: "failed to start command", Cause: err}
	}
	return Result{Output: out.String(), ExitCode: 0}, nil
}

// limitedBuffer is a bytes.Buffer that silently drops writes past limit
// rather than growing unbounded, so a chatty subprocess can't exhaust
// memory or blow the packer's token budget on its own.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.Buffer.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.Buffer.Write(p[:remaining])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
