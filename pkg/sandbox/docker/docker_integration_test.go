package docker

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/buildfy/pkg/sandbox"
)

// setupProvider returns a provider and a started sandbox, skipping when no
// docker daemon or test image is available.
func setupProvider(t *testing.T) (*Provider, sandbox.Sandbox) {
	t.Helper()
	image := os.Getenv("BUILDFY_TEST_IMAGE")
	if image == "" {
		t.Skip("BUILDFY_TEST_IMAGE not set, skipping docker integration test")
	}
	p, err := New(Options{Port: 3000})
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	sb, err := p.Create(ctx, image)
	if err != nil {
		p.Close()
		t.Skipf("Creating sandbox failed, skipping: %v", err)
	}
	t.Cleanup(func() {
		p.Destroy(context.Background(), sb.ID())
		p.Close()
	})
	return p, sb
}

func TestIntegrationWriteReadRoundTrip(t *testing.T) {
	_, sb := setupProvider(t)
	ctx, c := context.WithTimeout(context.Background(), 30*time.Second)
	defer c()

	if err := sb.WriteFile(ctx, "nested/dir/a.txt", "hello\nworld"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := sb.ReadFile(ctx, "nested/dir/a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "hello\nworld" {
		t.Errorf("expected %q, got %q", "hello\nworld", got)
	}
}

func TestIntegrationRunCommandExitCode(t *testing.T) {
	_, sb := setupProvider(t)
	ctx, c := context.WithTimeout(context.Background(), 30*time.Second)
	defer c()

	res, err := sb.RunCommand(ctx, "echo out; echo err >&2; exit 3", sandbox.CommandOptions{})
	var ce *sandbox.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if ce.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", ce.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("unexpected output: %+v", res)
	}
}

func TestIntegrationConnectAfterDestroy(t *testing.T) {
	p, sb := setupProvider(t)
	ctx := context.Background()

	if _, err := p.Connect(ctx, sb.ID()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := p.Destroy(ctx, sb.ID()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := p.Connect(ctx, sb.ID()); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
