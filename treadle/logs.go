package treadle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"

	"treadle.dev/core/treadle/models"
)

// Logs streams a workflow's log file over a websocket, line by line.
// Running workflows are followed until they reach a terminal status.
func (s *Treadle) Logs(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Logs")

	pipelineId := chi.URLParam(r, "pipeline")
	workflowName := chi.URLParam(r, "workflow")
	if pipelineId == "" || workflowName == "" {
		http.Error(w, "missing pipeline ID or workflow", http.StatusBadRequest)
		return
	}

	wid := models.WorkflowId{
		PipelineId: models.PipelineId(pipelineId),
		Name:       workflowName,
	}

	// URL params never escape the log dir
	path, err := securejoin.SecureJoin(s.cfg.Pipelines.LogDir, fmt.Sprintf("%s.log", wid.String()))
	if err != nil {
		http.Error(w, "bad log path", http.StatusBadRequest)
		return
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("no log file", "path", path, "err", err)
		http.Error(w, "log not found", http.StatusNotFound)
		return
	}
	defer t.Stop()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	// watch for the workflow reaching a terminal status; after that
	// the file only needs draining
	finished := make(chan struct{})
	go func() {
		ch := s.n.Subscribe()
		defer s.n.Unsubscribe(ch)

		for {
			if s.isFinished(wid) {
				close(finished)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				return
			}
		case <-finished:
			s.drainLog(ctx, conn, t)
			return
		}
	}
}

// drainLog flushes whatever the tail still holds once the workflow is
// done writing.
func (s *Treadle) drainLog(ctx context.Context, conn *websocket.Conn, t *tail.Tail) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				return
			}
		case <-time.After(500 * time.Millisecond):
			return
		}
	}
}

func (s *Treadle) isFinished(wid models.WorkflowId) bool {
	status, err := s.db.GetStatus(wid)
	if err != nil {
		return false
	}

	switch status.Status {
	case models.StatusKindFailed, models.StatusKindSuccess, models.StatusKindTimeout:
		return true
	}
	return false
}
