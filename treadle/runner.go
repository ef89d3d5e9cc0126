package treadle

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"treadle.dev/core/treadle/engine"
	"treadle.dev/core/treadle/models"
	"treadle.dev/core/treadle/queue"
	"treadle.dev/core/treadle/repofetch"
	"treadle.dev/core/treadle/secrets"
	"treadle.dev/core/workflow"
)

// exit code of a SIGKILLed process, reported when the kernel
// oom-kills a step container
const oomExitCode = 137

// HookResult is what a trigger submission returns: the pipeline id if
// one was enqueued, plus compile diagnostics.
type HookResult struct {
	Id       models.PipelineId `json:"id,omitempty"`
	Enqueued bool              `json:"enqueued"`
	Errors   []string          `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`

	Diagnostics workflow.Diagnostics `json:"-"`
}

func newHookResult(d workflow.Diagnostics) *HookResult {
	result := &HookResult{Diagnostics: d}
	for _, e := range d.Errors {
		result.Errors = append(result.Errors, e.String())
	}
	for _, w := range d.Warnings {
		result.Warnings = append(result.Warnings, w.String())
	}
	return result
}

// processPipeline resolves a trigger into a compiled pipeline and
// enqueues it: fetch the repo tree at the triggering commit, compile
// the workflow files against the trigger, record the pipeline, queue
// the run.
func (s *Treadle) processPipeline(ctx context.Context, trigger workflow.TriggerMetadata) (*HookResult, error) {
	repo, err := repofetch.Fetch(ctx, trigger)
	if err != nil {
		return nil, err
	}

	raw, err := repo.Workflows()
	if err != nil {
		return nil, err
	}

	compiler := workflow.Compiler{
		Trigger: trigger,
		Keys:    workflow.NewKeyContext(repo.FS()),
	}
	compiled := compiler.Compile(compiler.Parse(raw))

	result := newHookResult(compiler.Diagnostics)
	if compiler.Diagnostics.IsErr() {
		// record the pipeline as failed so the diagnostics are
		// visible in the status API, not just in the hook response
		id := models.NewPipelineId()
		if err := s.db.CreatePipeline(id, trigger, s.n); err != nil {
			return nil, err
		}
		if err := s.db.MarkPipelineFailed(id, -1, strings.Join(result.Errors, "; "), s.n); err != nil {
			return nil, err
		}
		result.Id = id
		return result, nil
	}
	if len(compiled.Workflows) == 0 {
		s.l.Info("no workflows matched trigger", "repo", trigger.Repo.Name, "kind", trigger.Kind)
		return result, nil
	}

	p := &models.Pipeline{
		Id:       models.NewPipelineId(),
		Trigger:  trigger,
		Compiled: compiled,
	}

	if err := s.db.CreatePipeline(p.Id, trigger, s.n); err != nil {
		return nil, err
	}

	for _, cw := range compiled.Workflows {
		wid := models.WorkflowId{PipelineId: p.Id, Name: cw.Name}
		if err := s.db.StatusPending(wid, s.n); err != nil {
			return nil, err
		}
	}

	// the request context dies with the response; the run must not
	runCtx := context.WithoutCancel(ctx)

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			return s.runPipeline(runCtx, p)
		},
		OnFail: func(jobError error) {
			s.l.Error("pipeline run failed", "error", jobError)
		},
	})
	if ok {
		s.l.Info("pipeline enqueued successfully", "id", p.Id)
	} else {
		s.l.Error("failed to enqueue pipeline: queue is full")
		if err := s.db.MarkPipelineFailed(p.Id, -1, "queue is full", s.n); err != nil {
			return nil, err
		}
	}

	result.Id = p.Id
	result.Enqueued = ok

	return result, nil
}

// runPipeline starts all workflows in parallel and resolves the
// pipeline's terminal status from their combined outcome.
func (s *Treadle) runPipeline(ctx context.Context, p *models.Pipeline) error {
	s.l.Info("starting all workflows in parallel", "pipeline", p.Id)

	if err := s.db.MarkPipelineRunning(p.Id, s.n); err != nil {
		return err
	}

	g := errgroup.Group{}
	for _, cw := range p.Compiled.Workflows {
		g.Go(func() error {
			return s.runWorkflow(ctx, p, cw)
		})
	}

	err := g.Wait()

	var stepErr *engine.StepError
	switch {
	case err == nil:
		s.l.Info("pipeline success!", "id", p.Id)
		return s.db.MarkPipelineSuccess(p.Id, s.n)
	case errors.Is(err, engine.ErrTimedOut):
		s.l.Error("pipeline timed out", "id", p.Id)
		return s.db.MarkPipelineTimeout(p.Id, s.n)
	case errors.Is(err, engine.ErrOOMKilled):
		s.l.Error("pipeline ran out of memory", "id", p.Id)
		return s.db.MarkPipelineFailed(p.Id, oomExitCode, err.Error(), s.n)
	case errors.As(err, &stepErr):
		s.l.Error("pipeline failed!", "id", p.Id, "exit_code", stepErr.ExitCode)
		return s.db.MarkPipelineFailed(p.Id, stepErr.ExitCode, err.Error(), s.n)
	default:
		s.l.Error("pipeline failed!", "id", p.Id, "error", err.Error())
		return s.db.MarkPipelineFailed(p.Id, -1, err.Error(), s.n)
	}
}

// runWorkflow drives a single workflow through the engine: init,
// setup, each step in order, teardown. The first failing step stops
// the workflow.
func (s *Treadle) runWorkflow(ctx context.Context, p *models.Pipeline, cw workflow.CompiledWorkflow) error {
	wid := models.WorkflowId{PipelineId: p.Id, Name: cw.Name}
	l := s.l.With("workflow", wid)

	fail := func(err error) error {
		var stepErr *engine.StepError
		switch {
		case errors.Is(err, engine.ErrTimedOut):
			s.db.StatusTimeout(wid, s.n)
		case errors.Is(err, engine.ErrOOMKilled):
			s.db.StatusFailed(wid, err.Error(), oomExitCode, s.n)
		case errors.As(err, &stepErr):
			s.db.StatusFailed(wid, err.Error(), int64(stepErr.ExitCode), s.n)
		default:
			s.db.StatusFailed(wid, err.Error(), -1, s.n)
		}
		return err
	}

	wf, err := s.eng.InitWorkflow(cw, p)
	if err != nil {
		l.Error("failed to init workflow", "error", err)
		return fail(err)
	}

	wfLogger, err := models.NewWorkflowLogger(s.cfg.Pipelines.LogDir, wid)
	if err != nil {
		l.Error("failed to create workflow logger", "error", err)
		return fail(err)
	}
	defer wfLogger.Close()

	ctx, cancel := context.WithTimeout(ctx, s.eng.WorkflowTimeout())
	defer cancel()

	if err := s.eng.SetupWorkflow(ctx, wid, wf); err != nil {
		l.Error("failed to setup workflow", "error", err)
		return fail(err)
	}
	defer s.eng.DestroyWorkflow(context.WithoutCancel(ctx), wid)

	unlocked, err := s.secrets.GetSecretsUnlocked(ctx, secrets.RepoName(p.RepoName()))
	if err != nil {
		l.Error("failed to load secrets", "error", err)
		return fail(err)
	}

	if err := s.db.StatusRunning(wid, s.n); err != nil {
		return err
	}

	for idx, step := range wf.Steps {
		wfLogger.Control(idx, step, models.StepStarted)

		if err := s.eng.RunStep(ctx, wid, wf, idx, unlocked, wfLogger); err != nil {
			wfLogger.Control(idx, step, models.StepFailed)
			l.Error("step failed", "step", step.Name(), "error", err)
			return fail(err)
		}

		wfLogger.Control(idx, step, models.StepSuccess)
	}

	return s.db.StatusSuccess(wid, s.n)
}
