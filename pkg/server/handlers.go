package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/mutation"
	"github.com/jmylchreest/triage/pkg/search"
	"github.com/jmylchreest/triage/pkg/triage"
	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/rs/zerolog"
)

type handler struct {
	svc *triage.Service
}

// =============================================================================
// Response helpers
// =============================================================================

type errorBody struct {
	Error string `json:"error"`
	Param string `json:"param,omitempty"`
}

func jsonResponse(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}

// StatusOf maps an error kind onto an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, findings.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, findings.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, findings.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, findings.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, findings.ErrIndexNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	body := errorBody{Error: err.Error(), Param: findings.ParamOf(err)}
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		body = errorBody{Error: "internal error"}
	}
	jsonResponse(w, r, body, status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return findings.Validation("body", "invalid JSON or request too large")
	}
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if st, err := h.svc.Store().IndexStatus(r.Context()); err == nil {
		status["index"] = string(st)
	}
	jsonResponse(w, r, status, http.StatusOK)
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	req, err := ParseSearchRequest(r.URL.Query())
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	res, err := h.svc.Search(r.Context(), req, ActorFrom(r.Context()))
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, res, http.StatusOK)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	req, err := ParseSearchRequest(r.URL.Query())
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	res, err := h.svc.List(r.Context(), req, ActorFrom(r.Context()))
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, res, http.StatusOK)
}

type bulkRequest struct {
	Keys []string `json:"keys"`
	mutation.Operations
}

func (h *handler) bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(w, r, &req); err != nil {
		errorResponse(w, r, err)
		return
	}
	res, err := h.svc.Bulk(r.Context(), req.Keys, req.Operations, ActorFrom(r.Context()))
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, res, http.StatusOK)
}

type findingResponse struct {
	*findings.Finding
	Transitions []string `json:"transitions"`
}

func transitionKeys(ts []workflow.Transition) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Key
	}
	return out
}

func (h *handler) show(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)
	f, err := h.svc.Finding(ctx, chi.URLParam(r, "key"), actor)
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, findingResponse{Finding: f, Transitions: transitionKeys(h.svc.TransitionsFor(ctx, f, actor))}, http.StatusOK)
}

func (h *handler) transitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)
	f, err := h.svc.Finding(ctx, chi.URLParam(r, "key"), actor)
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, map[string][]string{"transitions": transitionKeys(h.svc.TransitionsFor(ctx, f, actor))}, http.StatusOK)
}

func (h *handler) changelog(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Changelog(r.Context(), chi.URLParam(r, "key"), ActorFrom(r.Context()))
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	if events == nil {
		events = []findings.ChangeEvent{}
	}
	jsonResponse(w, r, map[string]any{"changelog": events}, http.StatusOK)
}

func (h *handler) comments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.svc.Comments(r.Context(), chi.URLParam(r, "key"), ActorFrom(r.Context()))
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	if comments == nil {
		comments = []findings.Comment{}
	}
	jsonResponse(w, r, map[string]any{"comments": comments}, http.StatusOK)
}

type transitionRequest struct {
	Transition string              `json:"transition"`
	Status     findings.Status     `json:"status"`
	Resolution findings.Resolution `json:"resolution"`
}

type mutationResponse struct {
	Finding *findings.Finding `json:"finding"`
	Changed bool              `json:"changed"`
}

func (h *handler) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		errorResponse(w, r, err)
		return
	}
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	var (
		res *mutation.Result
		err error
	)
	switch {
	case req.Transition != "" && req.Status != "":
		err = findings.Validation("transition", "Only one of 'transition' and 'status' can be provided")
	case req.Transition != "":
		res, err = h.svc.DoTransition(ctx, key, ActorFrom(ctx), req.Transition)
	case req.Status != "":
		res, err = h.svc.Transition(ctx, key, ActorFrom(ctx), req.Status, req.Resolution)
	default:
		err = findings.Validation("status", "Either 'transition' or 'status' must be provided")
	}
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, mutationResponse{Finding: res.Finding, Changed: res.Changed}, http.StatusOK)
}

func (h *handler) assign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Assignee string `json:"assignee"`
	}
	if err := decode(w, r, &req); err != nil {
		errorResponse(w, r, err)
		return
	}
	ctx := r.Context()
	res, err := h.svc.Assign(ctx, chi.URLParam(r, "key"), ActorFrom(ctx), req.Assignee)
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, mutationResponse{Finding: res.Finding, Changed: res.Changed}, http.StatusOK)
}

func (h *handler) severity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Severity findings.Severity `json:"severity"`
	}
	if err := decode(w, r, &req); err != nil {
		errorResponse(w, r, err)
		return
	}
	ctx := r.Context()
	res, err := h.svc.SetSeverity(ctx, chi.URLParam(r, "key"), ActorFrom(ctx), req.Severity)
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, mutationResponse{Finding: res.Finding, Changed: res.Changed}, http.StatusOK)
}

type commentRequest struct {
	Text string `json:"text"`
}

func (h *handler) addComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decode(w, r, &req); err != nil {
		errorResponse(w, r, err)
		return
	}
	ctx := r.Context()
	c, err := h.svc.AddComment(ctx, chi.URLParam(r, "key"), ActorFrom(ctx), req.Text)
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, c, http.StatusCreated)
}

func (h *handler) editComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decode(w, r, &req); err != nil {
		errorResponse(w, r, err)
		return
	}
	ctx := r.Context()
	c, err := h.svc.EditComment(ctx, chi.URLParam(r, "key"), ActorFrom(ctx), req.Text)
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, c, http.StatusOK)
}

func (h *handler) deleteComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.svc.DeleteComment(ctx, chi.URLParam(r, "key"), ActorFrom(ctx)); err != nil {
		errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) measures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := h.svc.Measures(ctx, chi.URLParam(r, "id"), ActorFrom(ctx))
	if err != nil {
		errorResponse(w, r, err)
		return
	}
	jsonResponse(w, r, m, http.StatusOK)
}

// =============================================================================
// Query parsing
// =============================================================================

// ParseSearchRequest reads a search request from URL query parameters.
// Multi-valued parameters are comma separated. Each security taxonomy is its
// own parameter, named after the taxonomy.
func ParseSearchRequest(q map[string][]string) (search.Request, error) {
	get := func(name string) string {
		if v := q[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	list := func(name string) []string {
		var out []string
		for _, v := range q[name] {
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	}

	req := search.Request{
		Project:     get("project"),
		Branch:      get("branch"),
		PullRequest: get("pullRequest"),
		Status:      findings.Status(get("status")),
		Resolution:  findings.Resolution(get("resolution")),
		Files:       list("files"),
	}

	switch kind := get("kind"); kind {
	case "hotspots":
		req.Hotspots = true
		req.Keys = list("hotspots")
	case "", "issues":
		req.Keys = list("issues")
	default:
		return req, findings.Validation("kind", "Value of parameter 'kind' (%s) must be one of: [hotspots, issues]", kind)
	}

	for _, t := range list("types") {
		req.Types = append(req.Types, findings.Type(t))
	}
	for _, t := range findings.Taxonomies {
		if codes := list(string(t)); len(codes) > 0 {
			if req.Standards == nil {
				req.Standards = map[findings.Taxonomy][]string{}
			}
			req.Standards[t] = codes
		}
	}

	var err error
	if req.ASVSLevel, err = intParam(get, "owaspAsvsLevel"); err != nil {
		return req, err
	}
	if req.Page, err = intParam(get, "p"); err != nil {
		return req, err
	}
	if req.PageSize, err = intParam(get, "ps"); err != nil {
		return req, err
	}
	if req.InNewCodePeriod, err = boolParam(get, "inNewCodePeriod"); err != nil {
		return req, err
	}
	if req.OnlyMine, err = boolParam(get, "onlyMine"); err != nil {
		return req, err
	}
	return req, nil
}

func intParam(get func(string) string, name string) (int, error) {
	v := get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, findings.Validation(name, "Value of parameter '%s' (%s) is not an integer", name, v)
	}
	return n, nil
}

func boolParam(get func(string) string, name string) (bool, error) {
	v := get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, findings.Validation(name, "Value of parameter '%s' (%s) must be a boolean", name, v)
	}
	return b, nil
}
