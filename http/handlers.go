package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"modelhub/engine"
)

// Kinds produced by the transport itself rather than the engine.
const (
	kindRateLimited engine.Kind = "rate_limited"
	kindTimeout     engine.Kind = "timeout"
	kindTooLarge    engine.Kind = "request_too_large"
)

// API serves the model endpoints on top of an engine.
type API struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewAPI(e *engine.Engine, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{engine: e, logger: logger}
}

// Register adds the model routes to mux. Every path is served with and
// without a trailing slash.
func (a *API) Register(mux *http.ServeMux) {
	handle(mux, "GET /health", a.handleHealth)
	handle(mux, "GET /models", a.handleList)
	handle(mux, "POST /models", a.handleCreate)
	handle(mux, "GET /models/types", a.handleTypes)
	handle(mux, "GET /models/{id}", a.handleGet)
	handle(mux, "POST /models/{id}/train", a.handleTrain)
	handle(mux, "GET /models/{id}/predict", a.handlePredict)
}

func handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, h)
	mux.HandleFunc(pattern+"/{$}", h)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": a.engine.ModelTypes()})
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	req, err := engine.ParseCreateRequest(body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	id, err := a.engine.Create(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := a.modelID(w, r)
	if !ok {
		return
	}
	m, err := a.engine.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleTrain(w http.ResponseWriter, r *http.Request) {
	id, ok := a.modelID(w, r)
	if !ok {
		return
	}
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	req, err := engine.ParseTrainRequest(body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.engine.Train(r.Context(), id, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	id, ok := a.modelID(w, r)
	if !ok {
		return
	}
	p, err := a.engine.PredictEncoded(r.Context(), id, r.URL.Query().Get("x"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	models, err := a.engine.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (a *API) modelID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, engine.KindTypeMismatch, "id: expected an integer, got "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, kindTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return nil, false
	}
	writeError(w, http.StatusBadRequest, engine.KindMalformedInput, "cannot read request body")
	return nil, false
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, engine.KindInternal, "internal error")
		return
	}
	writeError(w, status, engine.KindOf(err), err.Error())
}

// statusOf maps an engine error kind to its HTTP status.
func statusOf(err error) int {
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  engine.Kind `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, kind engine.Kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
