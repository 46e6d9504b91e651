// Package logging builds the zerolog logger and the structured events the
// trading loop emits.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AppName is attached to every log line.
const AppName = "spot-trader"

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	Out        io.Writer // console destination, stderr when nil
	NoColor    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// New builds the process logger: a human console writer for the trading
// loop plus a rotating JSON file. Caller locations are only recorded at
// debug level.
func New(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		out := cfg.Out
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:          out,
			NoColor:      cfg.NoColor,
			TimeFormat:   "15:04:05",
			PartsExclude: []string{zerolog.CallerFieldName},
		})
	}

	var fileErr error
	if cfg.File {
		fileErr = os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755)
		if fileErr == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	ctx := zerolog.New(writer).With().Timestamp().Str("app", AppName)
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("path", cfg.FilePath).Msg("Log file disabled")
	}
	return logger
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithStrategy adds the strategy tag to the logger context.
func WithStrategy(logger zerolog.Logger, tag string) zerolog.Logger {
	return logger.With().Str("strategy", tag).Logger()
}

// LogTransition logs a position state change.
func LogTransition(logger zerolog.Logger, from, to, reason string) {
	logger.Info().
		Str("event", "transition").
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("Position state changed")
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, clientOrderID, symbol, side, orderType string, qty, price float64) {
	logger.Info().
		Str("event", "order").
		Str("client_order_id", clientOrderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("type", orderType).
		Float64("quantity", qty).
		Float64("price", price).
		Msg("Order sent")
}

// LogLedger logs a ledger append.
func LogLedger(logger zerolog.Logger, action string, price, qty, pnl float64) {
	logger.Info().
		Str("event", "ledger").
		Str("action", action).
		Float64("price", price).
		Float64("quantity", qty).
		Float64("pnl", pnl).
		Msg("Ledger row appended")
}

// LogAPICall logs an API call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
