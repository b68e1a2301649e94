package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// levelSplitWriter sends warnings and errors to err and everything else
// to out.
type levelSplitWriter struct {
	out io.Writer
	err io.Writer
}

func (w levelSplitWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

func (w levelSplitWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= zerolog.WarnLevel && level != zerolog.NoLevel {
		return w.err.Write(p)
	}
	return w.out.Write(p)
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	output := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	output.FormatLevel = func(i interface{}) string {
		if s, ok := i.(string); ok {
			return strings.ToUpper(s)
		}
		return ""
	}
	return output
}

func newLogWriter(stdout, stderr io.Writer, json bool) zerolog.LevelWriter {
	if json {
		return levelSplitWriter{out: stdout, err: stderr}
	}
	return levelSplitWriter{out: consoleWriter(stdout), err: consoleWriter(stderr)}
}

func setupLogging() {
	log.Logger = zerolog.New(newLogWriter(os.Stdout, os.Stderr, jsonOutput)).With().Timestamp().Logger()

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
