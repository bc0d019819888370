package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gotuner/internal/config"
	"github.com/3leaps/gotuner/internal/server/handlers"
	"github.com/3leaps/gotuner/pkg/workspace"
)

func serveFlags() *cobra.Command {
	c := &cobra.Command{}
	c.Flags().StringVar(&serveHost, "host", "", "")
	c.Flags().IntVar(&servePort, "port", 0, "")
	c.Flags().StringVar(&serveWorkspace, "workspace", "", "")
	return c
}

func TestServeOverrides(t *testing.T) {
	c := serveFlags()
	assert.Empty(t, serveOverrides(c))

	require.NoError(t, c.Flags().Set("port", "9000"))
	require.NoError(t, c.Flags().Set("host", "127.0.0.1"))
	require.NoError(t, c.Flags().Set("workspace", "/tmp/ws"))

	assert.Equal(t, map[string]any{
		"server":    map[string]any{"host": "127.0.0.1", "port": 9000},
		"workspace": map[string]any{"root": "/tmp/ws"},
	}, serveOverrides(c))

	cfg, err := config.Load(context.Background(), "", serveOverrides(c))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/tmp/ws", cfg.Workspace.Root)
}

func TestWorkspaceHealthChecker(t *testing.T) {
	paths := workspace.New(t.TempDir())
	checker := workspaceHealthChecker{paths: paths}

	assert.Error(t, checker.CheckHealth(context.Background()))

	require.NoError(t, paths.Init())
	assert.NoError(t, checker.CheckHealth(context.Background()))
}

func TestRegisterHealthCheckers(t *testing.T) {
	trainerDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(trainerDir, "train.py"), nil, 0644))
	paths := workspace.New(t.TempDir())
	require.NoError(t, paths.Init())

	cfg, err := config.Load(context.Background(), "", map[string]any{
		"trainer": map[string]any{"dir": trainerDir},
	})
	require.NoError(t, err)

	m := handlers.NewHealthManager("test")
	registerHealthCheckers(m, cfg, paths)

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, map[string]string{"workspace": "healthy", "trainer": "healthy"}, resp.Checks)

	assert.NoError(t, trainerHealthChecker{cfg: cfg.Trainer}.CheckHealth(context.Background()))
	assert.Error(t, trainerHealthChecker{cfg: config.TrainerConfig{Dir: filepath.Join(trainerDir, "x"), Command: []string{"python"}}}.CheckHealth(context.Background()))
}
