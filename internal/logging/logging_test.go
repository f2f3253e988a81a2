package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := New(Config{Dir: dir})
	require.NoError(t, err)

	logger.Info("immersion auto-completed", "codigo", "IM-1")
	logger.Debug("hidden at info level")

	data, err := os.ReadFile(filepath.Join(dir, "diveops.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "immersion auto-completed")
	assert.Contains(t, string(data), "codigo=IM-1")
	assert.NotContains(t, string(data), "hidden at info level")
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := Discard()
	assert.Same(t, l, OrDiscard(l))
}
