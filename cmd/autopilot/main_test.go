package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/config"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCronNext(t *testing.T) {
	out, err := run(t, "cron", "next", "*/5 * * * *", "--from", "2026-05-01T10:12:00Z", "-n", "3")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2026-05-01T10:15:00Z",
		"2026-05-01T10:20:00Z",
		"2026-05-01T10:25:00Z",
	}, strings.Fields(out))

	_, err = run(t, "cron", "next", "61 * * * *")
	assert.Error(t, err)

	_, err = run(t, "cron", "next")
	assert.Error(t, err, "expression is required")
}

func TestAuditQueryFiltersByAction(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+filepath.Join(dir, "db")+"\nlogging:\n  level: error\n"), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	st, err := openStore(cfg.Store, utils.DiscardLogger())
	require.NoError(t, err)
	log := audit.NewLogger(st, utils.DiscardLogger())
	ctx := context.Background()
	_, err = log.Log(ctx, models.AuditLog{Action: "rule_created", Actor: models.ActorUser})
	require.NoError(t, err)
	_, err = log.Log(ctx, models.AuditLog{Action: "task_executed"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := run(t, "--config", cfgPath, "audit", "query", "--action", "rule_created")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"action":"rule_created"`)
	assert.Contains(t, lines[0], `"actor":"user"`)
}
