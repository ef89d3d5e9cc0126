package db

import (
	"database/sql"
	"fmt"

	"treadle.dev/core/notifier"
	"treadle.dev/core/treadle/models"
	"treadle.dev/core/workflow"
)

type PipelineStatus string

var (
	PipelinePending PipelineStatus = "pending"
	PipelineRunning PipelineStatus = "running"
	PipelineFailed  PipelineStatus = "failed"
	PipelineTimeout PipelineStatus = "timeout"
	PipelineSuccess PipelineStatus = "success"
)

type Pipeline struct {
	Id     models.PipelineId `json:"id"`
	Repo   string            `json:"repo"`
	Kind   string            `json:"kind"`
	Sha    string            `json:"sha"`
	Status PipelineStatus    `json:"status"`

	// only if Failed
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`

	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func (db *DB) CreatePipeline(id models.PipelineId, tr workflow.TriggerMetadata, n *notifier.Notifier) error {
	repo := ""
	if tr.Repo != nil {
		repo = tr.Repo.Name
	}

	_, err := db.Exec(`
		insert into pipelines (id, repo, kind, sha, status)
		values (?, ?, ?, ?, ?)
	`, id, repo, tr.Kind, tr.Sha(), PipelinePending)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkPipelineRunning(id models.PipelineId, n *notifier.Notifier) error {
	return db.markPipeline(id, PipelineRunning, false, n)
}

func (db *DB) MarkPipelineTimeout(id models.PipelineId, n *notifier.Notifier) error {
	return db.markPipeline(id, PipelineTimeout, true, n)
}

func (db *DB) MarkPipelineSuccess(id models.PipelineId, n *notifier.Notifier) error {
	return db.markPipeline(id, PipelineSuccess, true, n)
}

func (db *DB) markPipeline(id models.PipelineId, status PipelineStatus, finished bool, n *notifier.Notifier) error {
	finishedExpr := "finished_at"
	if finished {
		finishedExpr = "strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"
	}

	_, err := db.Exec(fmt.Sprintf(`
		update pipelines
		set status = ?,
		    updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'),
		    finished_at = %s
		where id = ?
	`, finishedExpr), status, id)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkPipelineFailed(id models.PipelineId, exitCode int, errorMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update pipelines
		set status = ?,
		    exit_code = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, PipelineFailed, exitCode, errorMsg, id)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetPipeline(id models.PipelineId) (Pipeline, error) {
	var p Pipeline
	var finishedAt sql.NullString
	err := db.QueryRow(`
		select id, repo, kind, sha, status, error, exit_code, created_at, updated_at, finished_at
		from pipelines
		where id = ?
	`, id).Scan(&p.Id, &p.Repo, &p.Kind, &p.Sha, &p.Status, &p.Error, &p.ExitCode, &p.CreatedAt, &p.UpdatedAt, &finishedAt)
	p.FinishedAt = finishedAt.String
	return p, err
}

func (db *DB) GetPipelines(cursor string) ([]Pipeline, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		// rows created before the cursor row
		whereClause = `where (created_at, id) < (select created_at, id from pipelines where id = ?)`
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, repo, kind, sha, status, error, exit_code, created_at, updated_at, finished_at
		from pipelines
		%s
		order by created_at desc, id desc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		var p Pipeline
		var finishedAt sql.NullString
		if err := rows.Scan(&p.Id, &p.Repo, &p.Kind, &p.Sha, &p.Status, &p.Error, &p.ExitCode, &p.CreatedAt, &p.UpdatedAt, &finishedAt); err != nil {
			return nil, err
		}
		p.FinishedAt = finishedAt.String
		pipelines = append(pipelines, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pipelines, nil
}
