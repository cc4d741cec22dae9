package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetLoggingState(t *testing.T) {
	t.Helper()
	loggersMu.Lock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
	debugMode = false
	jsonFormat = false
	logsDir = ""
}

func TestInitializeCreatesLogsDirWhenDebugEnabled(t *testing.T) {
	tempDir := t.TempDir()
	defer resetLoggingState(t)

	require.NoError(t, Initialize(tempDir, true, "debug", false))

	logging := filepath.Join(tempDir, ".kiro", "logs")
	info, err := os.Stat(logging)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestInitializeNoOpWhenDebugDisabled(t *testing.T) {
	tempDir := t.TempDir()
	defer resetLoggingState(t)

	require.NoError(t, Initialize(tempDir, false, "info", false))

	Get(CategoryEngine).Info("should not be written")

	_, err := os.Stat(filepath.Join(tempDir, ".kiro", "logs"))
	require.True(t, os.IsNotExist(err))
}

func TestCategoryLoggersWriteSeparateFiles(t *testing.T) {
	tempDir := t.TempDir()
	defer resetLoggingState(t)

	require.NoError(t, Initialize(tempDir, true, "debug", false))

	Engine("batch %d started", 0)
	Spawner("spawned agent %s", "agent-1")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".kiro", "logs"))
	require.NoError(t, err)

	var sawEngine, sawSpawner bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "engine") {
			sawEngine = true
		}
		if strings.Contains(e.Name(), "spawner") {
			sawSpawner = true
		}
	}
	require.True(t, sawEngine, "expected an engine log file")
	require.True(t, sawSpawner, "expected a spawner log file")
}

func TestJSONFormatEmitsStructuredLines(t *testing.T) {
	tempDir := t.TempDir()
	defer resetLoggingState(t)

	require.NoError(t, Initialize(tempDir, true, "debug", true))
	Get(CategoryMonitor).Info("spec %s completed", "build-api")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".kiro", "logs"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var data []byte
	for _, e := range entries {
		if strings.Contains(e.Name(), "monitor") {
			data, err = os.ReadFile(filepath.Join(tempDir, ".kiro", "logs", e.Name()))
			require.NoError(t, err)
		}
	}
	require.Contains(t, string(data), `"cat":"monitor"`)
}

func TestTimerStopWithInfoReturnsElapsed(t *testing.T) {
	tempDir := t.TempDir()
	defer resetLoggingState(t)
	require.NoError(t, Initialize(tempDir, true, "debug", false))

	timer := StartTimer(CategoryEngine, "unit-test-op")
	elapsed := timer.StopWithInfo()
	require.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}
