package app

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Logger zerolog.Logger

// GetLogger returns a logger for one module, honoring a per-module level
// from the `log:` config section.
func GetLogger(module string) zerolog.Logger {
	if s, ok := modules[module]; ok {
		lvl, err := zerolog.ParseLevel(s)
		if err == nil {
			return Logger.Level(lvl)
		}
		Logger.Warn().Err(err).Caller().Send()
	}

	return Logger
}

// log config:
// - format: empty (autodetect color support), color, json, text
// - level:  disabled, trace, debug, info, warn, error...
// - plus per-module levels, e.g. `control: debug`
func initLogger() {
	var cfg struct {
		Mod map[string]string `yaml:"log"`
	}

	cfg.Mod = modules // defaults

	LoadConfig(&cfg)

	writer := os.Stderr

	var out zerolog.LevelWriter
	if format := modules["format"]; format != "json" {
		console := &zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05.000"}

		switch format {
		case "text":
			console.NoColor = true
		case "color":
			console.NoColor = false // useless, but anyway
		default:
			console.NoColor = !isatty.IsTerminal(writer.Fd())
		}

		out = zerolog.MultiLevelWriter(console)
	} else {
		out = zerolog.MultiLevelWriter(writer)
	}

	lvl, _ := zerolog.ParseLevel(modules["level"])
	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	log.Logger = Logger
}

// modules log levels
var modules = map[string]string{
	"format": "",
	"level":  "info",
}
