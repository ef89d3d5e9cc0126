package treadle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treadle.dev/core/notifier"
	"treadle.dev/core/treadle/config"
	"treadle.dev/core/treadle/db"
	"treadle.dev/core/treadle/engine"
	"treadle.dev/core/treadle/models"
	"treadle.dev/core/treadle/secrets"
	"treadle.dev/core/workflow"
)

type fakeStep struct {
	name    string
	command string
}

func (s fakeStep) Name() string          { return s.name }
func (s fakeStep) Command() string       { return s.command }
func (s fakeStep) Kind() models.StepKind { return models.StepKindUser }

// fakeEngine runs steps in-process: it records what ran and fails a
// configured step with a non-zero exit code.
type fakeEngine struct {
	failAt  int   // step index that fails, -1 for none
	failErr error // error for the failing step, StepError{2} if nil
	ran     []string
}

func (e *fakeEngine) InitWorkflow(cw workflow.CompiledWorkflow, p *models.Pipeline) (*models.Workflow, error) {
	wf := &models.Workflow{Name: cw.Name}
	for _, st := range cw.Workflow.Steps {
		wf.Steps = append(wf.Steps, fakeStep{name: st.Name, command: st.Command})
	}
	return wf, nil
}

func (e *fakeEngine) SetupWorkflow(ctx context.Context, wid models.WorkflowId, wf *models.Workflow) error {
	return nil
}

func (e *fakeEngine) WorkflowTimeout() time.Duration {
	return time.Minute
}

func (e *fakeEngine) DestroyWorkflow(ctx context.Context, wid models.WorkflowId) error {
	return nil
}

func (e *fakeEngine) RunStep(ctx context.Context, wid models.WorkflowId, wf *models.Workflow, idx int, _ []secrets.UnlockedSecret, wfLogger *models.WorkflowLogger) error {
	step := wf.Steps[idx]
	e.ran = append(e.ran, step.Name())

	fmt.Fprintf(wfLogger.DataWriter(idx, "stdout"), "ran %s\n", step.Command())

	if idx == e.failAt {
		if e.failErr != nil {
			return e.failErr
		}
		return &engine.StepError{ExitCode: 2}
	}
	return nil
}

func newTestTreadle(t *testing.T, eng engine.Engine) *Treadle {
	t.Helper()
	dir := t.TempDir()

	d, err := db.Make(filepath.Join(dir, "treadle.db"))
	require.NoError(t, err)

	sm, err := secrets.NewSQLiteManager(filepath.Join(dir, "secrets.db"))
	require.NoError(t, err)

	n := notifier.New()

	return &Treadle{
		db:      d,
		l:       slog.New(slog.DiscardHandler),
		n:       &n,
		eng:     eng,
		secrets: sm,
		cfg: &config.Config{
			Pipelines: config.Pipelines{
				LogDir: filepath.Join(dir, "logs"),
			},
		},
	}
}

func testPipeline(workflows ...workflow.Workflow) *models.Pipeline {
	trigger := workflow.TriggerMetadata{
		Kind: workflow.TriggerKindPush,
		Repo: &workflow.TriggerRepo{
			Name:          "acme/widgets",
			CloneURL:      "https://example.com/acme/widgets",
			DefaultBranch: "main",
		},
		Push: &workflow.PushTriggerData{
			Ref:    "refs/heads/main",
			NewSha: "deadbeef",
		},
	}

	compiled := workflow.Compiled{Trigger: trigger}
	for _, wf := range workflows {
		compiled.Workflows = append(compiled.Workflows, workflow.CompiledWorkflow{Workflow: wf})
	}

	return &models.Pipeline{
		Id:       models.NewPipelineId(),
		Trigger:  trigger,
		Compiled: compiled,
	}
}

func TestRunPipelineSuccess(t *testing.T) {
	eng := &fakeEngine{failAt: -1}
	s := newTestTreadle(t, eng)

	p := testPipeline(workflow.Workflow{
		Name: "test.yml",
		Steps: []workflow.Step{
			{Name: "build", Command: "cargo build --verbose"},
			{Name: "test", Command: "cargo test --verbose"},
		},
	})
	require.NoError(t, s.db.CreatePipeline(p.Id, p.Trigger, s.n))

	require.NoError(t, s.runPipeline(context.Background(), p))

	assert.Equal(t, []string{"build", "test"}, eng.ran)

	rec, err := s.db.GetPipeline(p.Id)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineSuccess, rec.Status)
	assert.NotEmpty(t, rec.FinishedAt)

	wid := models.WorkflowId{PipelineId: p.Id, Name: "test.yml"}
	status, err := s.db.GetStatus(wid)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindSuccess, status.Status)
}

func TestRunPipelineFailFast(t *testing.T) {
	eng := &fakeEngine{failAt: 0}
	s := newTestTreadle(t, eng)

	p := testPipeline(workflow.Workflow{
		Name: "test.yml",
		Steps: []workflow.Step{
			{Name: "fmt", Command: "cargo fmt --check"},
			{Name: "test", Command: "cargo test"},
		},
	})
	require.NoError(t, s.db.CreatePipeline(p.Id, p.Trigger, s.n))

	err := s.runPipeline(context.Background(), p)
	require.NoError(t, err)

	// the failing step stops the workflow
	assert.Equal(t, []string{"fmt"}, eng.ran)

	rec, err := s.db.GetPipeline(p.Id)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineFailed, rec.Status)
	assert.Equal(t, 2, rec.ExitCode)

	wid := models.WorkflowId{PipelineId: p.Id, Name: "test.yml"}
	status, err := s.db.GetStatus(wid)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, status.Status)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, int64(2), *status.ExitCode)
}

func TestRunPipelineOOMKill(t *testing.T) {
	eng := &fakeEngine{failAt: 0, failErr: engine.ErrOOMKilled}
	s := newTestTreadle(t, eng)

	p := testPipeline(workflow.Workflow{
		Name:  "test.yml",
		Steps: []workflow.Step{{Name: "build", Command: "cargo build"}},
	})
	require.NoError(t, s.db.CreatePipeline(p.Id, p.Trigger, s.n))

	require.NoError(t, s.runPipeline(context.Background(), p))

	rec, err := s.db.GetPipeline(p.Id)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineFailed, rec.Status)
	assert.Equal(t, oomExitCode, rec.ExitCode)
	assert.Equal(t, "oom killed", rec.Error)

	status, err := s.db.GetStatus(models.WorkflowId{PipelineId: p.Id, Name: "test.yml"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, status.Status)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, int64(oomExitCode), *status.ExitCode)
}

func TestRunPipelineWorkflowsRunIndependently(t *testing.T) {
	eng := &fakeEngine{failAt: -1}
	s := newTestTreadle(t, eng)

	p := testPipeline(
		workflow.Workflow{Name: "a.yml", Steps: []workflow.Step{{Name: "a", Command: "true"}}},
		workflow.Workflow{Name: "b.yml", Steps: []workflow.Step{{Name: "b", Command: "true"}}},
	)
	require.NoError(t, s.db.CreatePipeline(p.Id, p.Trigger, s.n))

	require.NoError(t, s.runPipeline(context.Background(), p))

	assert.ElementsMatch(t, []string{"a", "b"}, eng.ran)

	for _, name := range []string{"a.yml", "b.yml"} {
		status, err := s.db.GetStatus(models.WorkflowId{PipelineId: p.Id, Name: name})
		require.NoError(t, err)
		assert.Equal(t, models.StatusKindSuccess, status.Status)
	}
}

func TestRunWorkflowWritesLog(t *testing.T) {
	eng := &fakeEngine{failAt: -1}
	s := newTestTreadle(t, eng)

	p := testPipeline(workflow.Workflow{
		Name:  "test.yml",
		Steps: []workflow.Step{{Name: "build", Command: "cargo build"}},
	})
	require.NoError(t, s.db.CreatePipeline(p.Id, p.Trigger, s.n))
	require.NoError(t, s.runPipeline(context.Background(), p))

	wid := models.WorkflowId{PipelineId: p.Id, Name: "test.yml"}
	f, err := os.Open(models.LogFilePath(s.cfg.Pipelines.LogDir, wid))
	require.NoError(t, err)
	defer f.Close()

	var lines []models.LogLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line models.LogLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}

	// started control, data, success control
	require.Len(t, lines, 3)
	assert.Equal(t, "control", lines[0].Type)
	assert.Equal(t, models.StepStarted, lines[0].StepStatus)
	assert.Equal(t, "data", lines[1].Type)
	assert.Contains(t, lines[1].Data, "cargo build")
	assert.Equal(t, models.StepSuccess, lines[2].StepStatus)
}
