// Package logging configures the global zerolog logger from CLI flags.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
	// MaxSizeMB and MaxAgeDays bound the rotated log file.
	MaxSizeMB  int
	MaxAgeDays int
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "text", MaxSizeMB: 100, MaxAgeDays: 28}
}

// Writer returns the sink for s: a rotating file when File is set, stderr otherwise.
func (s Settings) Writer() (io.Writer, error) {
	var w io.Writer = os.Stderr
	if s.File != "" {
		w = &lumberjack.Logger{
			Filename: s.File,
			MaxSize:  s.MaxSizeMB,
			MaxAge:   s.MaxAgeDays,
			Compress: true,
		}
	}
	switch strings.ToLower(s.Format) {
	case "", "text":
		if s.File != "" {
			return zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}, nil
		}
		return zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}, nil
	case "json":
		return w, nil
	}
	return nil, errors.Errorf("unknown log format %q", s.Format)
}

// Init replaces the global logger.
func Init(s Settings) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", s.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	w, err := s.Writer()
	if err != nil {
		return err
	}
	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger().Level(level)
	zerolog.SetGlobalLevel(level)
	return nil
}
