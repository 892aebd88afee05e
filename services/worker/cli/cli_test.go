package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-recycler/internal/admin"
	"github.com/ramiqadoumi/go-task-recycler/internal/harness"
	"github.com/ramiqadoumi/go-task-recycler/services/worker/config"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testHarness(t *testing.T) *harness.Harness {
	t.Helper()
	h, err := newHarness(config.Config{ViewBytes: 1 << 10, TaskTimeout: time.Second}, discardLogger)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunDemo_ReproducesAndRepairs(t *testing.T) {
	h := testHarness(t)
	var out bytes.Buffer

	res, err := runDemo(testCtx(t), h, &out)
	require.NoError(t, err)
	assert.True(t, res.Reproduced(), out.String())
	assert.Contains(t, out.String(), "collided=true")
	assert.Contains(t, out.String(), "RETAINED_STALE")
	assert.Contains(t, out.String(), "leak reproduced and repaired")
}

func TestAdminClient_RoundTrip(t *testing.T) {
	h := testHarness(t)
	srv := httptest.NewServer(admin.NewREST(h, h.Registry(), discardLogger).Router())
	defer srv.Close()

	c := newAdminClient(srv.URL + "/")
	ctx := testCtx(t)

	rep, err := c.createLeak(ctx, "remote")
	require.NoError(t, err)
	assert.True(t, rep.Collided)

	insp, err := c.inspect(ctx, "remote")
	require.NoError(t, err)
	assert.True(t, insp.Reachable)

	workers, err := c.workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Retention.Stale)

	flushed, err := c.flush(ctx)
	require.NoError(t, err)
	assert.Len(t, flushed.Flushed, 1)

	insp, err = c.inspect(ctx, "remote")
	require.NoError(t, err)
	assert.False(t, insp.Reachable)
}

func TestAdminClient_SurfacesAPIError(t *testing.T) {
	h := testHarness(t)
	srv := httptest.NewServer(admin.NewREST(h, h.Registry(), discardLogger).Router())
	defer srv.Close()

	_, err := newAdminClient(srv.URL).inspect(testCtx(t), "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "leak not found")
}

func TestInitCmd_WritesDefaultConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "recycler.yaml")
	prev := cfgFile
	cfgFile = dest
	t.Cleanup(func() { cfgFile = prev })

	cmd := newInitCmd(serviceName, defaultYAML)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "admin_addr")
	assert.Contains(t, out.String(), dest)

	again := newInitCmd(serviceName, defaultYAML)
	again.SetArgs([]string{})
	again.SetOut(io.Discard)
	again.SetErr(io.Discard)
	err = again.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestReadiness(t *testing.T) {
	h := testHarness(t)
	ready := readiness(h)
	require.NoError(t, ready(), "no workers yet is ready")

	ctx, cancel := context.WithCancel(context.Background())
	w := h.StartWorker(ctx, "probe")
	require.NoError(t, ready())

	cancel()
	<-w.Done()
	assert.EqualError(t, ready(), "no live workers")
}
