// Package server adapts the HTTP surface to the component contracts: JSON
// envelopes, request ids, error-kind mapping and destructive-action gating.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/bilibili"
	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/jobs"
	"github.com/untoldecay/midas/internal/merge"
	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/types"
	"github.com/untoldecay/midas/internal/xiaohongshu"
)

// Server wires the component graph into an http.Handler.
type Server struct {
	cfg      *config.Handle
	store    storage.Store
	bili     *bilibili.Pipeline
	xhs      *xiaohongshu.Pipeline
	auth     *xiaohongshu.AuthManager
	jobs     *jobs.Manager
	cooldown *xiaohongshu.CooldownTracker
	merges   *merge.Engine
	logger   *zap.Logger
}

func New(cfg *config.Handle, store storage.Store, bili *bilibili.Pipeline,
	xhs *xiaohongshu.Pipeline, auth *xiaohongshu.AuthManager, jobs *jobs.Manager,
	cooldown *xiaohongshu.CooldownTracker, merges *merge.Engine, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		bili:     bili,
		xhs:      xhs,
		auth:     auth,
		jobs:     jobs,
		cooldown: cooldown,
		merges:   merges,
		logger:   logger,
	}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/bilibili/summarize", s.handleBilibiliSummarize)

		// Kind-agnostic alias for job polling.
		r.Get("/jobs/{id}", s.handleSyncGet)

		r.Route("/xiaohongshu", func(r chi.Router) {
			r.Post("/summarize-url", s.handleXHSSummarizeURL)
			r.Post("/sync/jobs", s.handleSyncSubmit)
			r.Get("/sync/jobs/{id}", s.handleSyncGet)
			r.Get("/sync/cooldown", s.handleCooldown)
			r.Post("/auth/update", s.handleAuthUpdate)
			r.Post("/capture/refresh", s.handleCaptureRefresh)
		})

		r.Route("/notes", func(r chi.Router) {
			r.Post("/xiaohongshu/synced/prune", s.handlePrune)

			r.Route("/merge", func(r chi.Router) {
				r.Post("/suggest", s.handleMergeSuggest)
				r.Post("/preview", s.handleMergePreview)
				r.Post("/commit", s.handleMergeCommit)
				r.Post("/rollback", s.handleMergeRollback)
				r.Post("/finalize", s.handleMergeFinalize)
			})

			r.Route("/{source}", func(r chi.Router) {
				r.Post("/save", s.handleNoteSave)
				r.Get("/", s.handleNoteList)
				r.Get("/{id}", s.handleNoteGet)
				r.Delete("/{id}", s.handleNoteDelete)
				r.Delete("/", s.handleNoteClear)
			})
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/editable", s.handleConfigGet)
			r.Put("/editable", s.handleConfigPatch)
			r.Post("/editable/reset", s.handleConfigReset)
		})
	})

	return r
}

// envelope is the unified response framing.
type envelope struct {
	OK        bool        `json:"ok"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id"`
}

func (s *Server) writeOK(w http.ResponseWriter, r *http.Request, data interface{}) {
	s.writeJSON(w, http.StatusOK, envelope{
		OK:        true,
		Code:      "OK",
		Message:   "ok",
		Data:      data,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeErr maps a component error to its wire code and HTTP status. Client
// errors surface their message; internal errors never leak details.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	message := err.Error()
	if kind == types.KindInternal {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal error"
	}

	resp := envelope{
		OK:        false,
		Code:      string(kind),
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}
	if meta := types.MetaOf(err); len(meta) > 0 {
		resp.Data = meta
	}
	s.writeJSON(w, httpStatus(kind), resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("writing response failed", zap.Error(err))
	}
}

func httpStatus(kind types.Kind) int {
	switch kind {
	case types.KindInvalidInput:
		return http.StatusBadRequest
	case types.KindAuthExpired:
		return http.StatusUnauthorized
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindDependencyMissing:
		return http.StatusServiceUnavailable
	case types.KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return types.E(types.KindInvalidInput, "request body is not valid JSON: %v", err)
	}
	return nil
}

// sourceParam validates the {source} path segment.
func sourceParam(r *http.Request) (types.Source, error) {
	source := types.Source(chi.URLParam(r, "source"))
	if !types.ValidSource(source) {
		return "", types.E(types.KindInvalidInput, "unknown source %q", source)
	}
	return source, nil
}
