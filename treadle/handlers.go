package treadle

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"treadle.dev/core/treadle/models"
	"treadle.dev/core/treadle/secrets"
)

// Pipelines lists pipeline records, newest first. The cursor param
// pages by pipeline id.
func (s *Treadle) Pipelines(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")

	ps, err := s.db.GetPipelines(cursor)
	if err != nil {
		s.l.Error("failed to list pipelines", "error", err)
		http.Error(w, "failed to list pipelines", http.StatusInternalServerError)
		return
	}

	writeJSON(w, ps)
}

func (s *Treadle) Pipeline(w http.ResponseWriter, r *http.Request) {
	id := models.PipelineId(chi.URLParam(r, "pipeline"))

	p, err := s.db.GetPipeline(id)
	if err != nil {
		http.Error(w, "pipeline not found", http.StatusNotFound)
		return
	}

	writeJSON(w, p)
}

type secretBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Treadle) ListSecrets(w http.ResponseWriter, r *http.Request) {
	repo := repoParam(r)

	locked, err := s.secrets.GetSecretsLocked(r.Context(), repo)
	if err != nil {
		s.l.Error("failed to list secrets", "repo", repo, "error", err)
		http.Error(w, "failed to list secrets", http.StatusInternalServerError)
		return
	}

	type lockedSecret struct {
		Key       string `json:"key"`
		CreatedAt string `json:"created_at"`
	}

	resp := make([]lockedSecret, 0, len(locked))
	for _, ls := range locked {
		resp = append(resp, lockedSecret{
			Key:       ls.Key,
			CreatedAt: ls.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

func (s *Treadle) AddSecret(w http.ResponseWriter, r *http.Request) {
	repo := repoParam(r)

	var body secretBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	err := s.secrets.AddSecret(r.Context(), secrets.UnlockedSecret{
		Key:   body.Key,
		Value: body.Value,
		Repo:  repo,
	})
	switch {
	case errors.Is(err, secrets.ErrKeyAlreadyPresent):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, secrets.ErrInvalidKeyIdent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		s.l.Error("failed to add secret", "repo", repo, "error", err)
		http.Error(w, "failed to add secret", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Treadle) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	repo := repoParam(r)
	key := chi.URLParam(r, "key")

	err := s.secrets.RemoveSecret(r.Context(), secrets.Secret[any]{
		Key:  key,
		Repo: repo,
	})
	switch {
	case errors.Is(err, secrets.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		s.l.Error("failed to remove secret", "repo", repo, "error", err)
		http.Error(w, "failed to remove secret", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func repoParam(r *http.Request) secrets.RepoName {
	return secrets.RepoName(chi.URLParam(r, "repoOwner") + "/" + chi.URLParam(r, "repoName"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
