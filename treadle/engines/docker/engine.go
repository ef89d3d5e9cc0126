package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"treadle.dev/core/log"
	"treadle.dev/core/treadle/cache"
	"treadle.dev/core/treadle/config"
	"treadle.dev/core/treadle/engine"
	"treadle.dev/core/treadle/models"
	"treadle.dev/core/treadle/secrets"
	"treadle.dev/core/workflow"
)

const (
	workspaceDir = "/treadle/workspace"
)

type cleanupFunc func(context.Context) error

var _ engine.Engine = (*Engine)(nil)

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config
	store  *cache.Store

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

type Step struct {
	name        string
	kind        models.StepKind
	command     string
	environment map[string]string
}

func (s Step) Name() string {
	return s.name
}

func (s Step) Command() string {
	return s.command
}

func (s Step) Kind() models.StepKind {
	return s.kind
}

// setupSteps get added to start of Steps
type setupSteps []models.Step

// addStep adds a step to the beginning of the workflow's steps.
func (ss *setupSteps) addStep(step models.Step) {
	*ss = append(*ss, step)
}

type addlFields struct {
	image string
	env   map[string]string

	// cache bookkeeping for this run
	repo      string
	cacheKey  string
	stageName string
}

func New(ctx context.Context, cfg *config.Config, store *cache.Store) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("component", "docker")

	e := &Engine{
		docker: dcli,
		l:      l,
		cfg:    cfg,
		store:  store,
	}

	e.cleanup = make(map[string][]cleanupFunc)

	return e, nil
}

// InitWorkflow builds the runtime step list for a compiled workflow:
// clone, cache restore, the user's steps, then a cache save when the
// exact key has no entry yet.
func (e *Engine) InitWorkflow(cw workflow.CompiledWorkflow, p *models.Pipeline) (*models.Workflow, error) {
	swf := &models.Workflow{
		Name: cw.Name,
	}

	addl := addlFields{
		image: cw.Image,
		env:   cw.Environment,
		repo:  p.RepoName(),
	}
	if addl.image == "" {
		addl.image = e.cfg.Pipelines.DefaultImage
	}

	setup := &setupSteps{}

	cloneStep, err := models.BuildCloneStep(cw, p.Trigger)
	if err != nil {
		return nil, err
	}
	if !cloneStep.IsZero() {
		setup.addStep(cloneStep)
	}

	var saveStep models.Step
	if cw.Workflow.Cache != nil {
		addl.cacheKey = cw.CacheKey

		entry, err := e.store.Lookup(context.Background(), addl.repo, cw.CacheKey, cw.RestoreKeys)
		if err != nil {
			return nil, fmt.Errorf("cache lookup: %w", err)
		}

		var blob string
		if entry != nil {
			blob = entry.Blob
		}
		setup.addStep(models.BuildCacheRestoreStep(cw.CacheKey, blob))

		// an exact hit means the key already has a blob; skip the save.
		// likewise with no paths there is nothing to archive.
		if (entry == nil || entry.Key != cw.CacheKey) && len(cw.Workflow.Cache.Paths) > 0 {
			addl.stageName = e.store.StageName()
			saveStep = models.BuildCacheSaveStep(cw.CacheKey, addl.stageName, cw.Workflow.Cache.Paths)
		}
	}

	for _, ustep := range cw.Workflow.Steps {
		swf.Steps = append(swf.Steps, Step{
			name:        ustep.Name,
			kind:        models.StepKindUser,
			command:     ustep.Command,
			environment: ustep.Environment,
		})
	}

	swf.Steps = append(*setup, swf.Steps...)
	if saveStep != nil {
		swf.Steps = append(swf.Steps, saveStep)
	}
	swf.Data = addl

	return swf, nil
}

func (e *Engine) WorkflowTimeout() time.Duration {
	workflowTimeoutStr := e.cfg.Pipelines.WorkflowTimeout
	workflowTimeout, err := time.ParseDuration(workflowTimeoutStr)
	if err != nil {
		e.l.Error("failed to parse workflow timeout", "error", err, "timeout", workflowTimeoutStr)
		workflowTimeout = 5 * time.Minute
	}

	return workflowTimeout
}

// SetupWorkflow sets up a new network for the workflow and a volume
// for the workspace. These are persisted across steps and are
// destroyed at the end of the workflow.
func (e *Engine) SetupWorkflow(ctx context.Context, wid models.WorkflowId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "workflow", wid)

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(wid),
		Driver: "local",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(wid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(wid), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(wid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(wid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(wid))
	})

	addl := wf.Data.(addlFields)

	err = retry.Do(
		func() error {
			reader, err := e.docker.ImagePull(ctx, addl.image, image.PullOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()
			_, err = io.Copy(io.Discard, reader)
			return err
		},
		retry.Attempts(3),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.l.Warn("image pull failed, retrying", "image", addl.image, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		e.l.Error("pipeline image pull failed!", "image", addl.image, "workflowId", wid, "error", err.Error())
		return fmt.Errorf("pulling image: %w", err)
	}

	return nil
}

func (e *Engine) RunStep(ctx context.Context, wid models.WorkflowId, w *models.Workflow, idx int, secrets []secrets.UnlockedSecret, wfLogger *models.WorkflowLogger) error {
	addl := w.Data.(addlFields)

	workflowEnvs := engine.ConstructEnvs(addl.env)
	for _, s := range secrets {
		workflowEnvs.AddEnv(s.Key, s.Value)
	}

	step := w.Steps[idx]

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	envs := append(engine.EnvVars(nil), workflowEnvs...)
	if dstep, ok := step.(Step); ok {
		for k, v := range dstep.environment {
			envs.AddEnv(k, v)
		}
	}
	envs.AddEnv("HOME", workspaceDir)
	e.l.Debug("envs for step", "step", step.Name(), "envs", envs.Slice())

	hostConfig := e.hostConfig(wid, step.Kind())
	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      addl.image,
		Cmd:        []string{"sh", "-c", step.Command()},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "treadle",
		Env:        envs.Slice(),
	}, hostConfig, nil, nil, "")
	defer e.DestroyStep(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}

	err = e.docker.NetworkConnect(ctx, networkName(wid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name())

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, wfLogger, resp.ID, idx)
	}()

	// wait for container completion or timeout
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:

		// wait for tailing to complete
		<-tailDone

	case <-ctx.Done():
		e.l.Warn("step timed out; killing container", "container", resp.ID, "step", step.Name())
		err = e.DestroyStep(context.Background(), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return engine.ErrTimedOut
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if waitErr != nil {
		return waitErr
	}

	err = e.DestroyStep(ctx, resp.ID)
	if err != nil {
		return err
	}

	if state.ExitCode != 0 {
		e.l.Error("workflow failed!", "workflow_id", wid.String(), "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return engine.ErrOOMKilled
		}
		return &engine.StepError{ExitCode: state.ExitCode}
	}

	// the save step wrote a staged tarball; index it
	if step.Kind() == models.StepKindCacheSave && addl.stageName != "" {
		if err := e.store.Commit(ctx, addl.repo, addl.cacheKey, addl.stageName); err != nil {
			e.l.Error("failed to commit cache entry", "key", addl.cacheKey, "error", err)
		}
	}

	return nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Info("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, wfLogger *models.WorkflowLogger, containerID string, stepIdx int) error {
	if wfLogger == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(
		wfLogger.DataWriter(stepIdx, "stdout"),
		wfLogger.DataWriter(stepIdx, "stderr"),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyWorkflow(ctx context.Context, wid models.WorkflowId) error {
	e.cleanupMu.Lock()
	key := wid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup workflow resource", "workflowId", wid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(wid models.WorkflowId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := wid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func workspaceVolume(wid models.WorkflowId) string {
	return fmt.Sprintf("workspace-%s", wid)
}

func networkName(wid models.WorkflowId) string {
	return fmt.Sprintf("workflow-network-%s", wid)
}

// hostConfig mounts the workspace volume into every step. Cache steps
// additionally get the host cache dir; restore steps read-only, save
// steps writable.
func (e *Engine) hostConfig(wid models.WorkflowId, kind models.StepKind) *container.HostConfig {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(wid),
				Target: workspaceDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}

	switch kind {
	case models.StepKindCacheRestore:
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   e.store.Dir(),
			Target:   models.CacheMountDir,
			ReadOnly: true,
		})
	case models.StepKindCacheSave:
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: e.store.Dir(),
			Target: models.CacheMountDir,
		})
	}

	return hostConfig
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
