// Package logging provides the structured emit and invariant-violation
// primitives the reactor core treats as an external collaborator: the
// core only assumes Emit (never throws, best-effort across threads) and
// a terminal invariant-violation call.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the wire format for emitted log lines.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls the logger's minimum level and output format.
type Config struct {
	Level  string
	Format Format
}

// Logger wraps zerolog.Logger with the narrow Emit/invariant surface the
// reactor core depends on (reactor.Logger is satisfied structurally).
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger configured for either JSON (production, Loki-style
// ingestion) or human-readable pretty output (local development).
func New(cfg Config) Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	z := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	return Logger{z: z}
}

func (l Logger) Infof(format string, args ...any)  { l.z.Info().Msgf(format, args...) }
func (l Logger) Warnf(format string, args ...any)  { l.z.Warn().Msgf(format, args...) }
func (l Logger) Errorf(format string, args ...any) { l.z.Error().Msgf(format, args...) }

// Fatalf logs at critical and terminates the process (os.Exit via
// zerolog's Fatal level).
func (l Logger) Fatalf(format string, args ...any) { l.z.Fatal().Msgf(format, args...) }

// Invariant adapts Logger to channel.Invariant: log at critical and
// terminate. Duplicate fd in pool, destroying a non-empty pool, and
// similar programming errors are fatal, not recoverable runtime
// conditions.
func (l Logger) Invariant(msg string, args ...any) {
	l.z.Fatal().Fields(kvFields(args)).Msg(msg)
}

func kvFields(args []any) map[string]any {
	fields := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return fields
}
