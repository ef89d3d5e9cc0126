package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"treadle.dev/core/notifier"
	"treadle.dev/core/treadle/models"
	"treadle.dev/core/workflow"
)

func testDB(t *testing.T) (*DB, *notifier.Notifier) {
	t.Helper()
	d, err := Make(filepath.Join(t.TempDir(), "treadle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	n := notifier.New()
	return d, &n
}

func testTrigger() workflow.TriggerMetadata {
	return workflow.TriggerMetadata{
		Kind: workflow.TriggerKindPush,
		Repo: &workflow.TriggerRepo{
			Name:     "acme/widgets",
			CloneURL: "https://git.example.com/acme/widgets",
		},
		Push: &workflow.PushTriggerData{
			Ref:    "refs/heads/main",
			NewSha: "decafbad",
		},
	}
}

func TestPipelineLifecycle(t *testing.T) {
	d, n := testDB(t)

	id := models.NewPipelineId()
	require.NoError(t, d.CreatePipeline(id, testTrigger(), n))

	p, err := d.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, PipelinePending, p.Status)
	assert.Equal(t, "acme/widgets", p.Repo)
	assert.Equal(t, "push", p.Kind)
	assert.Equal(t, "decafbad", p.Sha)
	assert.Empty(t, p.FinishedAt)

	require.NoError(t, d.MarkPipelineRunning(id, n))
	p, err = d.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, PipelineRunning, p.Status)
	assert.Empty(t, p.FinishedAt)

	require.NoError(t, d.MarkPipelineFailed(id, 101, "step failed", n))
	p, err = d.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, PipelineFailed, p.Status)
	assert.Equal(t, 101, p.ExitCode)
	assert.Equal(t, "step failed", p.Error)
	assert.NotEmpty(t, p.FinishedAt)
}

func TestPipelineSuccessSetsFinishedAt(t *testing.T) {
	d, n := testDB(t)

	id := models.NewPipelineId()
	require.NoError(t, d.CreatePipeline(id, testTrigger(), n))
	require.NoError(t, d.MarkPipelineSuccess(id, n))

	p, err := d.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, PipelineSuccess, p.Status)
	assert.NotEmpty(t, p.FinishedAt)
}

func TestGetPipelinesCursor(t *testing.T) {
	d, n := testDB(t)

	for range 3 {
		require.NoError(t, d.CreatePipeline(models.NewPipelineId(), testTrigger(), n))
	}

	all, err := d.GetPipelines("")
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := d.GetPipelines(string(all[0].Id))
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestGetPipelinesNewestFirst(t *testing.T) {
	d, n := testDB(t)

	old := models.NewPipelineId()
	require.NoError(t, d.CreatePipeline(old, testTrigger(), n))
	_, err := d.Exec(`update pipelines set created_at = '2020-01-01T00:00:00Z' where id = ?`, old)
	require.NoError(t, err)

	recent := models.NewPipelineId()
	require.NoError(t, d.CreatePipeline(recent, testTrigger(), n))

	ps, err := d.GetPipelines("")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, recent, ps[0].Id)
	assert.Equal(t, old, ps[1].Id)

	// paging past the newest row yields the older one
	rest, err := d.GetPipelines(string(recent))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, old, rest[0].Id)
}

func TestStatusEvents(t *testing.T) {
	d, n := testDB(t)

	id := models.NewPipelineId()
	wid := models.WorkflowId{PipelineId: id, Name: "build.yml"}

	require.NoError(t, d.StatusPending(wid, n))
	require.NoError(t, d.StatusRunning(wid, n))
	require.NoError(t, d.StatusFailed(wid, "exit status 1", 1, n))

	evts, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, evts, 3)

	// events come back oldest first; cursor skips consumed ones
	newer, err := d.GetEvents(evts[1].Created)
	require.NoError(t, err)
	require.Len(t, newer, 1)

	st, err := d.GetStatus(wid)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, st.Status)
	require.NotNil(t, st.ExitCode)
	assert.EqualValues(t, 1, *st.ExitCode)
	require.NotNil(t, st.Error)
	assert.Equal(t, "exit status 1", *st.Error)
}

func TestNotifierSignalsOnEvents(t *testing.T) {
	d, n := testDB(t)

	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	wid := models.WorkflowId{PipelineId: models.NewPipelineId(), Name: "build.yml"}
	require.NoError(t, d.StatusPending(wid, n))

	select {
	case <-ch:
	default:
		t.Fatal("expected a notification after inserting an event")
	}
}
