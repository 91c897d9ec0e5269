package intake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"sitegen/internal/genqueue"
	"sitegen/internal/overboard"
	"sitegen/internal/trigger"
	logx "sitegen/pkg/logx"
)

const maxBody = 64 << 10

// RebuildResponse answers POST /v1/rebuild and trigger fires.
type RebuildResponse struct {
	Request  genqueue.Request `json:"request"`
	Decision string           `json:"decision"`
	Admitted bool             `json:"admitted"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decode reads one JSON document, rejecting unknown fields and trailing data.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after the JSON document")
	}
	return nil
}

// submitStatus maps queue errors onto HTTP statuses.
func submitStatus(err error) (int, errorResponse) {
	var reqErr *genqueue.RequestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Field: reqErr.Field}
	case errors.Is(err, genqueue.ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, genqueue.ErrStopped), errors.Is(err, genqueue.ErrInboxFull):
		return http.StatusServiceUnavailable, errorResponse{Error: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, errorResponse{Error: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error()}
	}
}

func rebuildReply(w http.ResponseWriter, req genqueue.Request, d genqueue.Decision) {
	status := http.StatusOK
	if d == genqueue.Admitted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, RebuildResponse{Request: req, Decision: d.String(), Admitted: d == genqueue.Admitted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var m genqueue.Message
	if err := decode(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, "bad message: "+err.Error())
		return
	}
	req, d, err := s.deps.Queue.SubmitMessage(r.Context(), m)
	if err != nil {
		status, body := submitStatus(err)
		writeJSON(w, status, body)
		return
	}
	rebuildReply(w, req, d)
}

func (s *Server) handleOverboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Overboard == nil {
		writeError(w, http.StatusNotFound, "overboard not configured")
		return
	}
	var b overboard.Bump
	if err := decode(w, r, &b); err != nil {
		writeError(w, http.StatusBadRequest, "bad bump: "+err.Error())
		return
	}
	if err := b.Validate(); err != nil {
		body := errorResponse{Error: err.Error()}
		var inv *overboard.InvalidError
		if errors.As(err, &inv) {
			body.Field = inv.Field
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}
	res, err := s.deps.Overboard.Reaggregate(r.Context(), b)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, overboard.ErrDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, overboard.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Warn("overboard reaggregation failed", logx.String("board", b.Board), logx.Int64("thread", b.Thread), logx.Err(err))
		status, body := submitStatus(err)
		writeJSON(w, status, body)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Queue.Snapshot(r.Context())
	if err != nil {
		status, body := submitStatus(err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generations == nil {
		writeError(w, http.StatusNotFound, "generation log not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	gens, err := s.deps.Generations.RecentGenerations(r.Context(), limit)
	if err != nil {
		s.log.Warn("generation log read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "generation log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, gens)
}

func (s *Server) handleTriggers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Triggers == nil {
		writeJSON(w, http.StatusOK, []trigger.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Triggers.Statuses())
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triggers == nil {
		writeError(w, http.StatusNotFound, "no triggers configured")
		return
	}
	name := chi.URLParam(r, "name")
	d, err := s.deps.Triggers.Fire(r.Context(), name)
	if errors.Is(err, trigger.ErrUnknownTrigger) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		status, body := submitStatus(err)
		writeJSON(w, status, body)
		return
	}
	status := http.StatusOK
	if d == genqueue.Admitted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"trigger": name, "decision": d.String(), "admitted": d == genqueue.Admitted})
}
