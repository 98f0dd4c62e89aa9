// Package api exposes the fusion engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingredient-fusion/internal/fusion"
	"github.com/sells-group/ingredient-fusion/internal/ingredient"
)

// maxBodyBytes bounds request bodies; batch uploads are the largest.
const maxBodyBytes = 8 << 20

// Service is the subset of fusion.Engine the handlers call.
type Service interface {
	ResolveOrCreate(ctx context.Context, req fusion.ResolveRequest) (*fusion.ResolveResult, error)
	BatchResolve(ctx context.Context, reqs []fusion.ResolveRequest) ([]fusion.BatchItemResult, error)
	Merge(ctx context.Context, keepID, mergeID, reason, operator string) (*ingredient.CanonicalIngredient, error)
	GetMapping(ctx context.Context, canonicalID string) (*ingredient.CanonicalIngredient, error)
	ListMappings(ctx context.Context, category string, page, pageSize int) (*fusion.Page, error)
	GetConflicts(ctx context.Context, threshold float64) ([]ingredient.CanonicalIngredient, error)
	GetAuditLog(ctx context.Context, filter ingredient.AuditFilter) ([]ingredient.AuditEntry, error)
	UpdateSourceCost(ctx context.Context, canonicalID string, upd fusion.CostUpdate) (*ingredient.CanonicalIngredient, error)
	ResolveConflict(ctx context.Context, canonicalID, operator, note string) (*ingredient.CanonicalIngredient, error)
	Rename(ctx context.Context, canonicalID, name, operator string) (*ingredient.CanonicalIngredient, error)
}

// Options configures the router.
type Options struct {
	// CORSOrigins lists allowed origins. Empty disables CORS headers.
	CORSOrigins []string
	// ConflictThreshold is used by GET /v1/conflicts when no threshold is given.
	ConflictThreshold float64
}

type handler struct {
	svc  Service
	opts Options
}

// NewRouter builds the HTTP routes for svc.
func NewRouter(svc Service, opts Options) http.Handler {
	h := &handler{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/resolve", h.resolve)
		r.Post("/resolve/batch", h.resolveBatch)
		r.Post("/merge", h.merge)
		r.Get("/conflicts", h.conflicts)
		r.Get("/audit", h.audit)
		r.Route("/ingredients", func(r chi.Router) {
			r.Get("/", h.list)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.get)
				r.Put("/costs/{source}", h.updateCost)
				r.Post("/resolve-conflict", h.resolveConflict)
				r.Post("/rename", h.rename)
			})
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	var req fusion.ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.ResolveOrCreate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type batchRequest struct {
	Items []fusion.ResolveRequest `json:"items"`
}

type batchResponse struct {
	Results   []fusion.BatchItemResult `json:"results"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
}

func (h *handler) resolveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := h.svc.BatchResolve(r.Context(), req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := batchResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []fusion.BatchItemResult{}
	}
	for _, item := range results {
		if item.OK() {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type mergeRequest struct {
	KeepID   string `json:"keep_id"`
	MergeID  string `json:"merge_id"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

func (h *handler) merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.Merge(r.Context(), req.KeepID, req.MergeID, req.Reason, req.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetMapping(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := intParam(q.Get("page_size"), "page_size")
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.ListMappings(r.Context(), q.Get("category"), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) conflicts(w http.ResponseWriter, r *http.Request) {
	threshold := h.opts.ConflictThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, eris.Wrapf(ingredient.ErrInvalidInput, "threshold %q is not a number", raw))
			return
		}
		threshold = v
	}
	items, err := h.svc.GetConflicts(r.Context(), threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "threshold": threshold})
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.svc.GetAuditLog(r.Context(), ingredient.AuditFilter{
		CanonicalID:  q.Get("canonical_id"),
		SourceSystem: q.Get("source_system"),
		Limit:        limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []ingredient.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (h *handler) updateCost(w http.ResponseWriter, r *http.Request) {
	var upd fusion.CostUpdate
	if !decode(w, r, &upd) {
		return
	}
	upd.SourceSystem = chi.URLParam(r, "source")
	rec, err := h.svc.UpdateSourceCost(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resolveConflictRequest struct {
	Operator string `json:"operator"`
	Note     string `json:"note"`
}

func (h *handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveConflictRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Operator, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type renameRequest struct {
	Name     string `json:"name"`
	Operator string `json:"operator"`
}

func (h *handler) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.Rename(r.Context(), chi.URLParam(r, "id"), req.Name, req.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, eris.Wrapf(ingredient.ErrInvalidInput, "invalid request body: %v", err))
		return false
	}
	return true
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, eris.Wrapf(ingredient.ErrInvalidInput, "%s %q is not an integer", name, raw)
	}
	return v, nil
}

// StatusCode maps the error taxonomy onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ingredient.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ingredient.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingredient.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ingredient.ErrIdentityConflict):
		return http.StatusConflict
	case errors.Is(err, ingredient.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
