package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLevelSplitWriter(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger := zerolog.New(newLogWriter(&stdout, &stderr, true))

	logger.Info().Msg("deploying module")
	logger.Debug().Msg("listing")
	logger.Warn().Msg("could not set permissions")
	logger.Error().Msg("cannot connect")

	assert.Contains(t, stdout.String(), "deploying module")
	assert.Contains(t, stdout.String(), "listing")
	assert.NotContains(t, stdout.String(), "cannot connect")
	assert.Contains(t, stderr.String(), "could not set permissions")
	assert.Contains(t, stderr.String(), "cannot connect")
	assert.NotContains(t, stderr.String(), "deploying module")
}

func TestLevelSplitWriter_Console(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger := zerolog.New(newLogWriter(&stdout, &stderr, false))

	logger.Error().Str("host", "bas1").Msg("cannot connect")

	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "ERROR")
	assert.Contains(t, stderr.String(), "bas1")
	assert.Contains(t, stderr.String(), "cannot connect")
}
