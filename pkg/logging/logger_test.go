package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	debug := New(Options{Debug: true})
	assert.Equal(t, logrus.DebugLevel, debug.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, debug.Formatter)

	prod := New(Options{})
	assert.Equal(t, logrus.InfoLevel, prod.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, prod.Formatter)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsite.log")
	logger := New(Options{FilePath: path})
	logger.WithField("role", "test").Info("hello file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
	assert.Contains(t, string(data), `"role":"test"`)
}

func TestRecentLinesKeepsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsite.log")
	var lines []string
	for i := 1; i <= 50; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	out, err := RecentLines(path, 30)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "--------------------------- RECENT LOGS"))
	assert.NotContains(t, out, "line 20\n")
	assert.Contains(t, out, "line 21\n")
	assert.Contains(t, out, "line 50\n")
}

func TestRecentLinesMissingFile(t *testing.T) {
	_, err := RecentLines(filepath.Join(t.TempDir(), "missing.log"), 10)
	assert.Error(t, err)
}
