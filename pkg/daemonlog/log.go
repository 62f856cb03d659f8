// Package daemonlog provides the daemon's structured logging setup: a
// global zerolog.Logger plus child-logger helpers that attach the
// identifiers handlers most often log against.
package daemonlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/dorad/pkg/ids"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level represents a logging verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDataflow creates a child logger tagged with a dataflow id.
func WithDataflow(id ids.DataflowID) zerolog.Logger {
	return Logger.With().Str("dataflow_id", id.String()).Logger()
}

// WithNode creates a child logger tagged with a dataflow and node id.
func WithNode(dataflow ids.DataflowID, node ids.NodeID) zerolog.Logger {
	return Logger.With().
		Str("dataflow_id", dataflow.String()).
		Str("node_id", string(node)).
		Logger()
}

// WithDropToken creates a child logger tagged with a drop token.
func WithDropToken(token ids.DropToken) zerolog.Logger {
	return Logger.With().Uint64("drop_token", uint64(token)).Logger()
}

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
