package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/metrics"
	"github.com/nstogner/buildfy/pkg/sandbox"
	"github.com/nstogner/buildfy/pkg/sandbox/sandboxtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts Options) (*Manager, *sandboxtest.Provider) {
	t.Helper()
	p := sandboxtest.NewProvider()
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	return New(p, opts), p
}

func TestCreateInstallsSetupFiles(t *testing.T) {
	m, p := newManager(t, Options{
		Template: "nextjs",
		Setup:    []domain.File{{Path: "public/edit-mode.js", Content: "// edit"}},
	})

	sb, err := m.Create(context.Background(), "")
	require.NoError(t, err)

	fake, ok := p.Get(sb.ID())
	require.True(t, ok)
	assert.Equal(t, "nextjs", fake.Template())
	assert.Equal(t, map[string]string{"public/edit-mode.js": "// edit"}, fake.Files())
}

func TestCreateError(t *testing.T) {
	m, p := newManager(t, Options{})
	p.CreateErr = errors.New("quota exceeded")

	_, err := m.Create(context.Background(), "nextjs")
	require.ErrorContains(t, err, "quota exceeded")
}

func TestURL(t *testing.T) {
	m, p := newManager(t, Options{})
	sb, err := p.Create(context.Background(), "nextjs")
	require.NoError(t, err)
	assert.Equal(t, "https://3000-sbx-1.sandbox.test", m.URL(sb))

	m = New(p, Options{Scheme: "http", Port: 8080})
	assert.Equal(t, "http://8080-sbx-1.sandbox.test", m.URL(sb))
}

func TestHealthCheckReportsBrokenAsDead(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, p := newManager(t, Options{Metrics: metrics.New(reg)})
	ctx := context.Background()

	var ids []string
	for range 6 {
		sb, err := p.Create(ctx, "nextjs")
		require.NoError(t, err)
		ids = append(ids, sb.ID())
	}
	broken := map[string]bool{ids[1]: true, ids[3]: true, ids[4]: true}
	for id := range broken {
		p.Break(id)
	}
	ids = append(ids, "does-not-exist")

	results, err := m.HealthCheck(ctx, ids)
	require.NoError(t, err)
	require.Len(t, results, len(ids))

	dead := 0
	for i, r := range results {
		assert.Equal(t, ids[i], r.SandboxID, "results keep input order")
		if r.Status == Dead {
			dead++
			assert.NotEmpty(t, r.Error)
		}
		if broken[r.SandboxID] {
			assert.Equal(t, Dead, r.Status)
		}
	}
	assert.Equal(t, 4, dead)
	count, err := testutil.GatherAndCount(reg, "buildfy_sandbox_health_checks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "alive and dead series")
}

func TestHealthCheckTimesOutEachIDSeparately(t *testing.T) {
	m, p := newManager(t, Options{CheckTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	var ids []string
	for range 3 {
		sb, err := p.Create(ctx, "nextjs")
		require.NoError(t, err)
		ids = append(ids, sb.ID())
	}
	p.Hang(ids[1])

	start := time.Now()
	results, err := m.HealthCheck(ctx, ids)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, Alive, results[0].Status)
	assert.Equal(t, Dead, results[1].Status)
	assert.Contains(t, results[1].Error, context.DeadlineExceeded.Error())
	assert.Equal(t, Alive, results[2].Status)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestHealthCheckBatchCap(t *testing.T) {
	m, _ := newManager(t, Options{})
	ids := make([]string, 21)
	for i := range ids {
		ids[i] = fmt.Sprintf("sbx-%d", i)
	}

	_, err := m.HealthCheck(context.Background(), ids)
	require.ErrorIs(t, err, ErrBatchTooLarge)

	results, err := m.HealthCheck(context.Background(), ids[:20])
	require.NoError(t, err)
	assert.Len(t, results, 20)
}

func TestHealthCheckEmpty(t *testing.T) {
	m, _ := newManager(t, Options{})
	results, err := m.HealthCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRestartRoundTrip(t *testing.T) {
	m, p := newManager(t, Options{})
	ctx := context.Background()

	old, err := p.Create(ctx, "nextjs")
	require.NoError(t, err)
	p.Break(old.ID())

	files := map[string]string{
		"app/page.tsx":          "export default function Page() { return <div>hi</div> }",
		"components/button.tsx": "export const Button = () => null",
		"lib/utils.ts":          "",
	}
	newID, newURL, err := m.Restart(ctx, old.ID(), files, "nextjs")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), newID)
	assert.Equal(t, "https://3000-"+newID+".sandbox.test", newURL)

	sb, err := m.Resume(ctx, newID)
	require.NoError(t, err)
	for path, content := range files {
		got, err := sb.ReadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, content, got, path)
	}
	assert.Contains(t, p.Destroyed(), old.ID())
}

func TestRestartWithoutPrevious(t *testing.T) {
	m, p := newManager(t, Options{})
	newID, _, err := m.Restart(context.Background(), "", map[string]string{"a.txt": "a"}, "nextjs")
	require.NoError(t, err)
	assert.NotEmpty(t, newID)
	assert.Empty(t, p.Destroyed())
}

func TestRestartCreateFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, p := newManager(t, Options{Metrics: metrics.New(reg)})
	p.CreateErr = errors.New("no capacity")

	_, _, err := m.Restart(context.Background(), "sbx-old", map[string]string{"a.txt": "a"}, "nextjs")
	require.ErrorContains(t, err, "no capacity")
	assert.Empty(t, p.Destroyed(), "previous sandbox is kept when the restart fails")
	count, err := testutil.GatherAndCount(reg, "buildfy_sandbox_restarts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncRetriesTransientWrites(t *testing.T) {
	m, p := newManager(t, Options{WriteTries: 2})
	ctx := context.Background()
	sb, err := p.Create(ctx, "nextjs")
	require.NoError(t, err)
	fake, _ := p.Get(sb.ID())

	fake.FailWrite("bad.txt", errors.New("disk full"))
	err = m.Sync(ctx, sb.ID(), map[string]string{"good.txt": "ok", "bad.txt": "nope"})
	require.ErrorContains(t, err, "writing bad.txt")
	require.ErrorContains(t, err, "disk full")
}

func TestSyncStopsOnMissingSandbox(t *testing.T) {
	m, p := newManager(t, Options{WriteTries: 5})
	ctx := context.Background()
	sb, err := p.Create(ctx, "nextjs")
	require.NoError(t, err)
	fake, _ := p.Get(sb.ID())
	fake.FailWrite("a.txt", sandbox.ErrNotFound)

	err = m.Sync(ctx, sb.ID(), map[string]string{"a.txt": "a"})
	require.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestSyncUnknownSandbox(t *testing.T) {
	m, _ := newManager(t, Options{})
	err := m.Sync(context.Background(), "sbx-404", map[string]string{"a.txt": "a"})
	require.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestSyncWritesFiles(t *testing.T) {
	m, p := newManager(t, Options{})
	ctx := context.Background()
	sb, err := p.Create(ctx, "nextjs")
	require.NoError(t, err)

	files := map[string]string{"a.txt": "a", "dir/b.txt": "b"}
	require.NoError(t, m.Sync(ctx, sb.ID(), files))
	fake, _ := p.Get(sb.ID())
	assert.Equal(t, files, fake.Files())
}

func TestDestroy(t *testing.T) {
	m, p := newManager(t, Options{})
	require.NoError(t, m.Destroy(context.Background(), "sbx-9"))
	assert.Equal(t, []string{"sbx-9"}, p.Destroyed())
}
