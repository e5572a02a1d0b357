package export

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/typenote/capability"
	"github.com/hazyhaar/typenote/delivery"
	"github.com/hazyhaar/typenote/internal/safefile"
	"github.com/hazyhaar/typenote/journal"
	"github.com/hazyhaar/typenote/observability"
	"github.com/hazyhaar/typenote/raster"
	"github.com/hazyhaar/typenote/shield"
)

// draftKeys are the kv keys clients may read and write.
var draftKeys = map[string]bool{
	journal.KeyMutePref:      true,
	journal.KeyAnswerDraft:   true,
	journal.KeyAppRoute:      true,
	journal.KeyAnswerMapping: true,
}

// maxQuestions caps one PUT /api/questions body.
const maxQuestions = 500

// Handler is the HTTP surface of the export service.
type Handler struct {
	svc       *Service
	store     *journal.Store
	downloads *delivery.Downloads
	exports   *observability.ExportLog
	fonts     fs.FS
}

// NewHandler wires the routes. store, downloads, exports and fonts may be
// nil; their routes then answer 404.
func NewHandler(svc *Service, store *journal.Store, downloads *delivery.Downloads, exports *observability.ExportLog, fonts fs.FS) *Handler {
	return &Handler{svc: svc, store: store, downloads: downloads, exports: exports, fonts: fonts}
}

// Router returns the chi router with the request ID, recoverer and the
// given shield stack applied.
func (h *Handler) Router(stack ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	for _, mw := range stack {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "exporting": h.svc.Busy()})
	})

	r.Post("/api/export", h.handleExport)
	r.Post("/api/export/redeliver", h.handleRedeliver)
	r.Get("/api/exports", h.handleRecentExports)
	r.Get("/api/metrics", h.handleMetrics)
	r.Get("/downloads/{token}", h.handleDownload)
	r.Get("/fonts/{file}", h.handleFont)

	r.Route("/api/questions", func(r chi.Router) {
		r.Get("/", h.handleListQuestions)
		r.Put("/", h.handleUpsertQuestions)
		r.Get("/{id}", h.handleGetQuestion)
	})
	r.Route("/api/drafts/{key}", func(r chi.Router) {
		r.Get("/", h.handleGetDraft)
		r.Put("/", h.handlePutDraft)
		r.Delete("/", h.handleDeleteDraft)
	})
	return r
}

// POST /api/export
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	req.Env = capability.FromRequest(r)

	resp, err := h.svc.Export(r.Context(), req)
	if err != nil {
		h.writeExportError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/export/redeliver
func (h *Handler) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Redeliver(r.Context())
	if err != nil {
		h.writeExportError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeExportError(w http.ResponseWriter, r *http.Request, resp *Response, err error) {
	var (
		invalid     *ErrInvalidRequest
		render      *raster.ErrRenderFailed
		undelivered *delivery.ErrDeliveryFailed
	)
	switch {
	case errors.Is(err, ErrExportInFlight):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ErrNothingToRedeliver):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &render):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.As(err, &undelivered):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "export": resp, "retry": "/api/export/redeliver"})
	default:
		shield.Logger(r.Context()).Error("export: unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

// GET /api/exports?status=&limit=
func (h *Handler) handleRecentExports(w http.ResponseWriter, r *http.Request) {
	if h.exports == nil {
		http.NotFound(w, r)
		return
	}
	entries, err := h.exports.Recent(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*observability.ExportEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/metrics?window=24h
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.svc.metrics == nil {
		http.NotFound(w, r)
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("window must be a positive duration"))
			return
		}
		window = d
	}
	if err := h.svc.metrics.Flush(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	overview, err := h.svc.metrics.Overview(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": window.String(), "series": overview})
}

// GET /downloads/{token}
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if h.downloads == nil {
		http.NotFound(w, r)
		return
	}
	h.downloads.ServeToken(w, r, chi.URLParam(r, "token"))
}

// GET /fonts/{name}.ttf
func (h *Handler) handleFont(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	if h.fonts == nil || !strings.HasSuffix(file, ".ttf") || safefile.ValidName(file) != nil {
		http.NotFound(w, r)
		return
	}
	if _, err := fs.Stat(h.fonts, "fonts/"+file); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "font/ttf")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFileFS(w, r, h.fonts, "fonts/"+file)
}

// GET /api/questions
func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	qs, err := h.store.Questions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if qs == nil {
		qs = []journal.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}

// GET /api/questions/{id}
func (h *Handler) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	q, err := h.store.Question(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// PUT /api/questions
func (h *Handler) handleUpsertQuestions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	var qs []journal.Question
	if err := json.NewDecoder(r.Body).Decode(&qs); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if len(qs) == 0 || len(qs) > maxQuestions {
		writeError(w, http.StatusBadRequest, errors.New("between 1 and 500 questions required"))
		return
	}
	if err := h.store.Upsert(r.Context(), qs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(qs)})
}

type draftBody struct {
	Value string `json:"value"`
}

func (h *Handler) draftKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if h.store == nil || !draftKeys[key] {
		http.NotFound(w, r)
		return "", false
	}
	return key, true
}

// GET /api/drafts/{key}
func (h *Handler) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	key, ok := h.draftKey(w, r)
	if !ok {
		return
	}
	v, err := h.store.Get(r.Context(), key)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, draftBody{Value: v})
}

// PUT /api/drafts/{key}
func (h *Handler) handlePutDraft(w http.ResponseWriter, r *http.Request) {
	key, ok := h.draftKey(w, r)
	if !ok {
		return
	}
	var body draftBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.store.Put(r.Context(), key, body.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/drafts/{key}
func (h *Handler) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	key, ok := h.draftKey(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
