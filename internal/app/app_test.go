package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigMerge(t *testing.T) {
	configs = [][]byte{
		[]byte("app:\n  data_dir: /tmp/one\nlog:\n  level: debug\n"),
		[]byte("app:\n  data_dir: /tmp/two\n"),
	}
	t.Cleanup(func() { configs = nil })

	var cfg struct {
		App struct {
			DataDir string `yaml:"data_dir"`
		} `yaml:"app"`
		Log map[string]string `yaml:"log"`
	}
	LoadConfig(&cfg)

	// later sources win, earlier keys survive
	require.Equal(t, "/tmp/two", cfg.App.DataDir)
	require.Equal(t, "debug", cfg.Log["level"])
}

func TestDataDirFromConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	configs = [][]byte{[]byte("app:\n  data_dir: " + dir + "\n")}
	t.Cleanup(func() { configs = nil })

	got, err := DataDir()
	require.NoError(t, err)
	require.Equal(t, dir, got)
	require.DirExists(t, got)
}
