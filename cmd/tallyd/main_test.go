package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/store"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"tallyd", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "serve")
	assert.Contains(t, stdout.String(), "health")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"tallyd", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestOpenStoreSelectsBackendByScheme(t *testing.T) {
	st, err := openStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	_, ok := st.(*store.SQLite)
	assert.True(t, ok)
}

func TestSetupLoggerLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "weird"} {
		log := setupLogger(level)
		require.NotNil(t, log, level)
	}
}

func TestRunMigrateWithSQLite(t *testing.T) {
	t.Setenv("DATABASE_URL", ":memory:")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"tallyd", "migrate"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "schema up to date")
}

func TestHealthFailsWhenServerDown(t *testing.T) {
	t.Setenv("PORT", "59999")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"tallyd", "health"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.True(t, strings.Contains(stderr.String(), "health check failed"))
}
