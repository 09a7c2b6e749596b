package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "loom.db")
	cfg.Instance.ID = "test-instance"
	cfg.Providers.AnthropicAPIKey = "sk-test-key"
	cfg.Logging.Console = false
	return cfg
}

func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	cfg := testConfig(t)

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)

	d, err := New("", cfg, log)
	require.NoError(t, err)

	return d, log
}

func TestNew(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()
	defer d.db.Close()

	assert.NotNil(t, d.Store())
	assert.NotNil(t, d.Registry())
	assert.NotNil(t, d.Coordinator())
	assert.NotNil(t, d.Orchestrator())
	assert.False(t, d.Running())
}

func TestNewWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.AnthropicAPIKey = ""

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()

	_, err = New("", cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestDaemonStartStop(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	err := d.Start()
	require.NoError(t, err)
	assert.True(t, d.Running())

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = d.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, d.Running())
}

func TestReloadSwapsPipeline(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()
	defer d.db.Close()

	before := d.Orchestrator()

	next := testConfig(t)
	next.Database.Path = d.Config().Database.Path
	next.Run.MaxIterations = 7
	d.onReload(next)

	assert.Equal(t, 7, d.Config().Run.MaxIterations)
	assert.NotSame(t, before, d.Orchestrator())
}

func TestReloadKeepsPipelineOnBadConfig(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()
	defer d.db.Close()

	before := d.Orchestrator()

	next := testConfig(t)
	next.Providers.AnthropicAPIKey = ""
	d.onReload(next)

	assert.Same(t, before, d.Orchestrator())
}
