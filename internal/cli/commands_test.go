package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/config"
)

func execute(t *testing.T, h *harness, args ...string) (string, error) {
	t.Setenv("ENVIRONMENT", "development")
	opts := &rootOptions{
		newApp: func(ctx context.Context, cfg *config.Config) (*App, error) {
			return &App{Config: cfg, Engine: h.engine(t), Store: h.store, Catalog: h.cat}, nil
		},
		now: func() time.Time { return time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC) },
	}
	cmd := newRootCmd(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommandDefaultsToYesterday(t *testing.T) {
	out, err := execute(t, newHarness(t, "u1"), "run")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.Contains(out, "pipeline=api  logical_date=2025-06-01  state=SUCCEEDED"), out)
	assert.Equal(t, true, strings.Contains(out, "pipeline=songs  logical_date=2025-06-01  state=SUCCEEDED"), out)
	assert.Equal(t, true, strings.Contains(out, "user_sessions_user_matched"), out)
}

func TestRunCommandFailsWhenBlocked(t *testing.T) {
	out, err := execute(t, newHarness(t, "ghost"), "run", "--date", "2025-06-01")
	assert.Equal(t, tunepipe.ErrCodeQuality, tunepipe.CodeOf(err))
	assert.Equal(t, true, strings.Contains(out, "pipeline=api  logical_date=2025-06-01  state=BLOCKED"), out)
	assert.Equal(t, true, strings.Contains(out, "pipeline=songs  logical_date=2025-06-01  state=SUCCEEDED"), out)

	_, err = execute(t, newHarness(t, "ghost"), "run", "-p", SongsPipeline, "--date", "2025-06-01")
	assert.Equal(t, nil, err)

	_, err = execute(t, newHarness(t, "u1"), "run", "--date", "06/01/2025")
	assert.NotEqual(t, nil, err)
}

func TestBackfillCommand(t *testing.T) {
	out, err := execute(t, newHarness(t, "u1"), "backfill", "--from", "2025-06-01", "--to", "2025-06-03")
	assert.Equal(t, nil, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, 7, len(lines))
	for i, date := range []string{"2025-06-01", "2025-06-02", "2025-06-03"} {
		for j, pipeline := range PipelineNames {
			fields := strings.Fields(lines[1+2*i+j])
			assert.Equal(t, date, fields[0])
			assert.Equal(t, pipeline, fields[1])
			assert.Equal(t, "SUCCEEDED", fields[3])
		}
	}
}

func TestVacuumCommand(t *testing.T) {
	h := newHarness(t, "u1")
	for i := 0; i < 2; i++ {
		_, err := execute(t, h, "run", "--date", "2025-06-01")
		assert.Equal(t, nil, err)
	}
	users, err := h.deps.Entities.Get("users")
	assert.Equal(t, nil, err)

	_, err = execute(t, h, "vacuum", "--retain", "0", users.TableName())
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))

	out, err := execute(t, h, "vacuum", "--retain", "1", users.TableName())
	assert.Equal(t, nil, err)
	assert.Equal(t, users.TableName()+": removed 1 files\n", out)
	rows, err := h.cat.ReadPartition(context.Background(), users.TableName(), logicalDate)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(rows))

	out, err = execute(t, h, "vacuum")
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(strings.Split(strings.TrimSpace(out), "\n")))
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunepipe.yaml")
	assert.Equal(t, nil, os.WriteFile(path, []byte("landing:\n  kind: memory\nschedules:\n  api: \"@daily\"\n"), 0o644))
	out, err := execute(t, newHarness(t, "u1"), "validate", "--config", path)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.HasPrefix(out, "configuration ok: environment=development, entities=3,"), out)

	assert.Equal(t, nil, os.WriteFile(path, []byte("rejection_ceiling: 2\nlanding:\n  kind: tape\n"), 0o644))
	_, err = execute(t, newHarness(t, "u1"), "validate", "-c", path)
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
	assert.Equal(t, true, strings.Contains(err.Error(), "unknown landing store"))
}

func TestNewAppWithMemoryStores(t *testing.T) {
	cfg := config.Default()
	cfg.Landing.Kind = config.StoreMemory
	app, err := NewApp(context.Background(), cfg)
	assert.Equal(t, nil, err)
	assert.Equal(t, PipelineNames, app.Engine.Pipelines())
	assert.Equal(t, nil, app.Close())

	cfg.EntitiesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = NewApp(context.Background(), cfg)
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
}
