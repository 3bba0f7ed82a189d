package backend

import (
	"context"
	"errors"
	"testing"
)

type stubBackend struct{ name string }

func (s *stubBackend) Resolve(_ context.Context, target string) (TargetInfo, error) {
	return TargetInfo{Target: target, Type: s.name}, nil
}
func (s *stubBackend) RunDiagnostic(_ context.Context, _, _ string, _ map[string]any) (Result, error) {
	return Result{}, nil
}
func (s *stubBackend) RunShell(_ context.Context, _, _ string) (Result, error) {
	return Result{}, nil
}

func TestRouter_ResolvesExplicitlyRegisteredTarget(t *testing.T) {
	r := NewRouter()
	prod := &stubBackend{name: "prod"}
	r.Register("prod-01", prod)

	got, err := r.Resolve("prod-01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != prod {
		t.Fatal("resolve returned the wrong backend")
	}
}

func TestRouter_FallsThroughLocalAliasesToDefault(t *testing.T) {
	r := NewRouter()
	def := &stubBackend{name: "default"}
	r.SetDefault(def)

	for _, alias := range []string{"localhost", "local", "127.0.0.1", ""} {
		got, err := r.Resolve(alias)
		if err != nil {
			t.Fatalf("resolve(%q): %v", alias, err)
		}
		if got != def {
			t.Errorf("resolve(%q) did not return the default backend", alias)
		}
	}
}

func TestRouter_UnregisteredTargetReturnsTypedError(t *testing.T) {
	r := NewRouter()
	r.SetDefault(&stubBackend{name: "default"})

	_, err := r.Resolve("some-other-host")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if backendErr.Code != ErrCodeUnknownTarget {
		t.Errorf("code = %s, want %s", backendErr.Code, ErrCodeUnknownTarget)
	}
}

func TestRouter_ExplicitRegistrationBeatsDefault(t *testing.T) {
	r := NewRouter()
	r.SetDefault(&stubBackend{name: "default"})
	local := &stubBackend{name: "local-explicit"}
	r.Register("localhost", local)

	got, err := r.Resolve("localhost")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != local {
		t.Fatal("explicit registration should win over the default alias fallback")
	}
}

func TestCatalog_ListForTargetFiltersByType(t *testing.T) {
	c := NewCatalog()
	c.Register(DiagnosticAction{Name: "ping", TargetTypes: []string{"host"}})
	c.Register(DiagnosticAction{Name: "describe-pod", TargetTypes: []string{"k8s"}})
	c.Register(DiagnosticAction{Name: "uptime"}) // applies to every type

	hostActions := c.ListForTarget("host")
	names := make(map[string]bool)
	for _, a := range hostActions {
		names[a.Name] = true
	}
	if !names["ping"] || !names["uptime"] || names["describe-pod"] {
		t.Fatalf("host actions = %+v", hostActions)
	}
}

func TestLocalBackend_RunShellCapturesOutputAndExitCode(t *testing.T) {
	b := NewLocalBackend()
	res, err := b.RunShell(context.Background(), "localhost", "echo hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Output != "hi\n" {
		t.Errorf("output = %q, want %q", res.Output, "hi\n")
	}
}

func TestLocalBackend_RunShellReportsNonZeroExit(t *testing.T) {
	b := NewLocalBackend()
	res, err := b.RunShell(context.Background(), "localhost", "exit 3")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestLimitedBuffer_TruncatesBeyondLimit(t *testing.T) {
	var b limitedBuffer
	b.limit = 5
	b.Write([]byte("hello world"))
	if b.String() != "hello" {
		t.Errorf("buffer = %q, want %q", b.String(), "hello")
	}
}
