package testutil

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offliner/internal/config"
	"github.com/TheMichaelB/offliner/internal/events"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Time      time.Time `json:"time"`
	Component string    `json:"component,omitempty"`
	MachineID string    `json:"machine_id,omitempty"`
	SyncID    string    `json:"sync_id,omitempty"`
}

// TestHelpers provides common test helper functions.
type TestHelpers struct {
	t       *testing.T
	tempDir string
}

// NewTestHelpers creates test helpers.
func NewTestHelpers(t *testing.T) *TestHelpers {
	return &TestHelpers{
		t:       t,
		tempDir: t.TempDir(),
	}
}

// TempDir returns the temporary directory for this test.
func (h *TestHelpers) TempDir() string {
	return h.tempDir
}

// Dir creates and returns a named directory under the temp dir.
func (h *TestHelpers) Dir(name string) string {
	p := filepath.Join(h.tempDir, name)
	require.NoError(h.t, os.MkdirAll(p, 0755))
	return p
}

// WriteDoc creates a document under root. rel is slash separated.
func (h *TestHelpers) WriteDoc(root, rel, content string) string {
	p := filepath.Join(root, filepath.FromSlash(rel))

	err := os.MkdirAll(filepath.Dir(p), 0755)
	require.NoError(h.t, err)

	err = os.WriteFile(p, []byte(content), 0644)
	require.NoError(h.t, err)

	return p
}

// AssertFileContent checks file content matches expected.
func (h *TestHelpers) AssertFileContent(root, rel, expectedContent string) {
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(h.t, err)
	assert.Equal(h.t, expectedContent, string(content))
}

// AssertFileNotExists checks that a file does not exist.
func (h *TestHelpers) AssertFileNotExists(root, rel string) {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	assert.True(h.t, os.IsNotExist(err), "File should not exist: %s", rel)
}

// TestTimeout provides timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}

// TestConfigWithDir creates a configuration for a library at root that
// keeps its metadata under dataDir.
func TestConfigWithDir(root, dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Library.Root = root
	cfg.Storage.DataDir = dataDir
	cfg.Storage.MetadataDir = filepath.Join(dataDir, "metadata")
	cfg.Sync.LockTimeout = 500 * time.Millisecond
	cfg.Log = config.LogConfig{
		Level:  "debug",
		Format: "json",
		Color:  false,
	}
	return cfg
}

// NewTestLogger returns a JSON debug logger writing to out.
func NewTestLogger(out *LogOutput) *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", out)
}

// LogOutput captures log output for testing.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer to capture log output.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	var entry LogEntry
	if err := json.Unmarshal(p, &entry); err == nil {
		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// HasLevel checks if any log entry has the specified level.
func (lo *LogOutput) HasLevel(level string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if entry.Level == level {
			return true
		}
	}
	return false
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

// Clear clears all captured entries.
func (lo *LogOutput) Clear() {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	lo.entries = nil
}

// SkipIfShort skips test if testing.Short() is true.
func SkipIfShort(t *testing.T, reason string) {
	if testing.Short() {
		t.Skipf("Skipping test in short mode: %s", reason)
	}
}
