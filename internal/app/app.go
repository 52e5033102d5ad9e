package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var Version = "0.9.0"
var UserAgent = "psremote/" + Version

var ConfigPath string

// Init loads the config sources and sets up logging. confs entries are
// file paths or raw YAML (starting with '{').
func Init(confs []string) {
	if confs == nil {
		confs = []string{"psremote.yaml"}
	}

	for _, conf := range confs {
		if conf == "" {
			continue
		}
		if conf[0] == '{' {
			// config as raw YAML or JSON
			configs = append(configs, []byte(conf))
		} else {
			// config as file
			if ConfigPath == "" {
				ConfigPath = conf
			}

			data, _ := os.ReadFile(conf)
			if data == nil {
				continue
			}
			configs = append(configs, data)
		}
	}

	if ConfigPath != "" && !filepath.IsAbs(ConfigPath) {
		if cwd, err := os.Getwd(); err == nil {
			ConfigPath = filepath.Join(cwd, ConfigPath)
		}
	}

	initLogger()

	platform := fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	log.Debug().Str("version", Version).Str("platform", platform).Msg("psremote")
}

// LoadConfig merges every config source into v, later sources win.
func LoadConfig(v any) {
	for _, data := range configs {
		if err := yaml.Unmarshal(data, v); err != nil {
			Logger.Warn().Err(err).Msg("[app] read config")
		}
	}
}

// DataDir returns the directory for persistent files (device records,
// credentials), creating it on first use.
func DataDir() (string, error) {
	var cfg struct {
		App struct {
			DataDir string `yaml:"data_dir"`
		} `yaml:"app"`
	}
	LoadConfig(&cfg)

	dir := cfg.App.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".psremote")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

var configs [][]byte
