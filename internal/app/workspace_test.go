package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diveops/internal/config"
	"diveops/internal/domain"
)

func TestInitWritesConfigOnce(t *testing.T) {
	dir := t.TempDir()

	created, err := Init(dir, false)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = Init(dir, false)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("# edited\n"), 0o644))
	created, err = Init(dir, true)
	require.NoError(t, err)
	assert.True(t, created)
	data, err := os.ReadFile(config.Path(dir))
	require.NoError(t, err)
	assert.Equal(t, config.GenerateDefault(), string(data))
}

func TestOpenWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("scheduler:\n  logbook_reminder_after: 4h\n"), 0o644))

	ws, err := Open(Options{Workspace: dir})
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, 4*time.Hour, ws.Config.Scheduler.LogbookReminderAfter)
	assert.DirExists(t, filepath.Join(dir, ".diveops", "logs"))

	e := ws.Engine()
	_, err = e.CreateCompany(context.Background(), domain.Company{ID: "co-1", Name: "Acme", Type: domain.CompanyOperator}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, e.Scheduler().ReminderAfter)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("scheduler:\n  interval: 0s\n"), 0o644))
	_, err := Open(Options{Workspace: dir})
	assert.Error(t, err)
}
