package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "loom.json")
	writeConfig(t, path, `{"data_dir": "`+tmpDir+`", "run": {"max_iterations": 5}}`)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, zerolog.Nop(), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 5, w.Current().Run.MaxIterations)

	writeConfig(t, path, `{"data_dir": "`+tmpDir+`", "run": {"max_iterations": 9}}`)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Run.MaxIterations)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}

	assert.Equal(t, 9, w.Current().Run.MaxIterations)
}

func TestWatcherKeepsPreviousConfigOnInvalidEdit(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "loom.json")
	writeConfig(t, path, `{"data_dir": "`+tmpDir+`", "run": {"max_iterations": 5}}`)

	w, err := NewWatcher(path, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer w.Close()

	// Invalid value must not replace the current config.
	writeConfig(t, path, `{"data_dir": "`+tmpDir+`", "run": {"max_iterations": -1}}`)

	// Give the watcher a moment to observe and reject the edit.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 5, w.Current().Run.MaxIterations)
}
