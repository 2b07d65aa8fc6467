package modeler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/chararch/tunepipe"
)

// Vars are handed to every model run.
type Vars struct {
	LogicalDate string            `json:"logical_date"`
	Schema      string            `json:"schema"`
	Inputs      map[string]string `json:"inputs"`
}

// Runner executes one model in the external SQL transformation tool and returns the
// number of rows it produced.
type Runner interface {
	Run(ctx context.Context, m Model, vars Vars) (int64, error)
}

// CommandRunner shells out to a dbt compatible CLI:
// <Command> run --select <model> --vars <json> and reads target/run_results.json.
type CommandRunner struct {
	Command    string
	ProjectDir string
	Args       []string
	Env        []string
}

type runResults struct {
	Results []struct {
		UniqueID        string `json:"unique_id"`
		Status          string `json:"status"`
		Message         string `json:"message"`
		AdapterResponse struct {
			RowsAffected int64 `json:"rows_affected"`
		} `json:"adapter_response"`
	} `json:"results"`
}

func (r *CommandRunner) Run(ctx context.Context, m Model, vars Vars) (int64, error) {
	command := r.Command
	if command == "" {
		command = "dbt"
	}
	v, err := json.Marshal(vars)
	if err != nil {
		return 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "encode vars of model %s", m.Name, err)
	}
	args := append([]string{"run", "--select", m.Name, "--vars", string(v)}, r.Args...)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = r.ProjectDir
	cmd.Env = append(os.Environ(), r.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err = cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, tunepipe.NewBatchError(tunepipe.ErrCodeTimeout, "model %s interrupted", m.Name, ctx.Err())
		}
		return 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "model %s failed: %s", m.Name, tail(stderr.String(), 512), err)
	}
	data, err := os.ReadFile(filepath.Join(r.ProjectDir, "target", "run_results.json"))
	if err != nil {
		return 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "read run results of model %s", m.Name, errors.WithStack(err))
	}
	return parseRunResults(m.Name, data)
}

func parseRunResults(model string, data []byte) (int64, error) {
	var res runResults
	if err := json.Unmarshal(data, &res); err != nil {
		return 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "decode run results of model %s", model, err)
	}
	var rows int64
	for _, r := range res.Results {
		if r.Status != "success" {
			return 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "model %s: %s %s: %s", model, r.UniqueID, r.Status, r.Message)
		}
		rows += r.AdapterResponse.RowsAffected
	}
	return rows, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

// SQLRunner executes the model SQL directly against the warehouse in one transaction.
// {schema} and {logical_date} are substituted; statements are separated by semicolons.
type SQLRunner struct {
	DB *sql.DB
}

func (r *SQLRunner) Run(ctx context.Context, m Model, vars Vars) (rows int64, err error) {
	text := strings.NewReplacer("{schema}", vars.Schema, "{logical_date}", vars.LogicalDate).Replace(m.SQL)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "begin model %s", m.Name, err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				tunepipe.DefaultLogger.Error(ctx, "rollback model:%v error:%v", m.Name, rerr)
			}
		}
	}()
	for _, stmt := range strings.Split(text, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "model %s", m.Name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			rows = n
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "commit model %s", m.Name, err)
	}
	return rows, nil
}
