package treadle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"treadle.dev/core/workflow"
)

const signatureHeader = "X-Treadle-Signature"

// Hooks ingests a trigger from a forge webhook. The body is a
// TriggerMetadata document signed with the shared webhook secret.
func (s *Treadle) Hooks(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Hooks")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !verifySignature(s.cfg.Server.WebhookSecret, body, r.Header.Get(signatureHeader)) {
		l.Error("signature verification failed")
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var trigger workflow.TriggerMetadata
	if err := json.Unmarshal(body, &trigger); err != nil {
		l.Error("failed to parse trigger", "error", err)
		http.Error(w, "bad trigger", http.StatusBadRequest)
		return
	}

	if err := trigger.Validate(); err != nil {
		l.Error("invalid trigger", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.processPipeline(r.Context(), trigger)
	if err != nil {
		l.Error("failed to process pipeline", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Diagnostics.IsErr() {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(result)
}

// verifySignature checks a hex HMAC-SHA256 of the body, with an
// optional "sha256=" prefix, in constant time.
func verifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody produces the signature header value for a payload. Clients
// triggering manual runs use this.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Authorized guards mutating endpoints with the same shared secret,
// presented as a bearer token.
func (s *Treadle) Authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtleCompare(token, s.cfg.Server.WebhookSecret) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func subtleCompare(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
