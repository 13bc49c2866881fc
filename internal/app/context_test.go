package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine/auth"
	"steward/internal/repo"
)

func TestResolveConfigFallsBackToBuiltin(t *testing.T) {
	cfg, source, err := ResolveConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, BuiltinPolicy, source)
	assert.Equal(t, "northwind", cfg.Organization.ID)
}

func TestResolveConfigPrefersWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := strings.Replace(config.GenerateDefault(), "id: northwind", "id: southwind", 1)
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	cfg, source, err := ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, config.Path(dir), source)
	assert.Equal(t, "southwind", cfg.Organization.ID)
}

func TestResolveConfigRejectsBrokenPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte("agents: [\n"), 0o644))
	_, _, err := ResolveConfig(t.TempDir(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestOpenInMemory(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(context.Background(), dir, Options{})
	require.NoError(t, err)
	defer w.Close(context.Background())

	assert.Nil(t, w.DB)
	assert.Nil(t, w.Engine.Repo)
	_, err = os.Stat(db.Path(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestOpenDurablePersistsAudit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(ctx, dir, Options{Durable: true})
	require.NoError(t, err)

	v := w.Engine.CheckAccess(ctx, domain.Actor{ID: "agent-builder", Type: domain.ActorAgent}, "code:read", "platform", auth.AccessContext{})
	require.True(t, v.Allowed, v.Reason)
	require.NoError(t, w.Close(ctx))

	w, err = Open(ctx, dir, Options{Durable: true})
	require.NoError(t, err)
	defer w.Close(ctx)
	entries, total, err := w.Engine.DurableAudit(ctx, repo.AuditQuery{Actor: "agent-builder"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "code:read", entries[0].Action)
}
