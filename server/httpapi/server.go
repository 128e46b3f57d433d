// Package httpapi is the inbound JSON API of the localization data
// manager, plus the per-file websocket event channel.
package httpapi

import (
	"context"
	"log"
	"net/http"

	"github.com/kasuganosora/ldm/pkg/bus"
	"github.com/kasuganosora/ldm/pkg/config"
	"github.com/kasuganosora/ldm/pkg/editing"
	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/task"
	"github.com/kasuganosora/ldm/pkg/tmsearch"
	"github.com/kasuganosora/ldm/pkg/tmsync"
)

// Server is the HTTP API server
type Server struct {
	cfg      *config.Config
	store    *store.Store
	sync     *tmsync.Manager
	searcher *tmsearch.Searcher
	editing  *editing.Service
	hub      *bus.Hub
	tracker  *task.Tracker

	httpServer *http.Server
}

// NewServer wires the API over the assembled services
func NewServer(cfg *config.Config, st *store.Store, syncMgr *tmsync.Manager, searcher *tmsearch.Searcher, editSvc *editing.Service, hub *bus.Hub, tracker *task.Tracker) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		sync:     syncMgr,
		searcher: searcher,
		editing:  editSvc,
		hub:      hub,
		tracker:  tracker,
	}
}

// Handler builds the full route table with the middleware chain
// Recovery → CORS → Logging → Identity.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: "1.0.0"})
	})

	// row store
	mux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/v1/projects/{id}/tree", s.handleProjectTree)
	mux.HandleFunc("POST /api/v1/projects/{id}/rename", s.handleRenameProject)
	mux.HandleFunc("POST /api/v1/projects/{id}/link-tm", s.handleLinkTM)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("POST /api/v1/projects/{id}/folders", s.handleCreateFolder)
	mux.HandleFunc("POST /api/v1/folders/{id}/rename", s.handleRenameFolder)
	mux.HandleFunc("POST /api/v1/projects/{id}/files", s.handleUploadFile)
	mux.HandleFunc("POST /api/v1/files/{id}/rename", s.handleRenameFile)
	mux.HandleFunc("DELETE /api/v1/files/{id}", s.handleDeleteFile)
	mux.HandleFunc("GET /api/v1/files/{id}/export", s.handleExportFile)
	mux.HandleFunc("GET /api/v1/files/{id}/rows", s.handleGetRows)
	mux.HandleFunc("POST /api/v1/rows/{id}", s.handleUpdateRow)

	// editing
	mux.HandleFunc("POST /api/v1/rows/{id}/begin-edit", s.handleBeginEdit)
	mux.HandleFunc("POST /api/v1/rows/{id}/refresh-lock", s.handleRefreshLock)
	mux.HandleFunc("POST /api/v1/rows/{id}/cancel-edit", s.handleCancelEdit)
	mux.HandleFunc("POST /api/v1/rows/{id}/mark-translated", s.handleMarkTranslated)
	mux.HandleFunc("POST /api/v1/rows/{id}/confirm-review", s.handleConfirmReview)
	mux.HandleFunc("POST /api/v1/rows/{id}/approve", s.handleApprove)

	// translation memory
	mux.HandleFunc("GET /api/v1/tms", s.handleListTMs)
	mux.HandleFunc("POST /api/v1/tms", s.handleCreateTM)
	mux.HandleFunc("DELETE /api/v1/tms/{id}", s.handleDeleteTM)
	mux.HandleFunc("POST /api/v1/tms/{id}/import", s.handleImportTM)
	mux.HandleFunc("GET /api/v1/tms/{id}/export", s.handleExportTM)
	mux.HandleFunc("GET /api/v1/tms/{id}/search", s.handleSearchTM)
	mux.HandleFunc("POST /api/v1/tms/{id}/entries", s.handleUpsertEntry)
	mux.HandleFunc("DELETE /api/v1/tm-entries/{id}", s.handleDeleteEntry)
	mux.HandleFunc("POST /api/v1/tms/{id}/sync", s.handleSyncTM)
	mux.HandleFunc("POST /api/v1/tms/{id}/rebuild", s.handleRebuildTM)
	mux.HandleFunc("GET /api/v1/tms/{id}/status", s.handleTMStatus)
	mux.HandleFunc("POST /api/v1/tms/{id}/engine", s.handleSetTMEngine)

	// tasks
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)

	// offline
	mux.HandleFunc("GET /api/v1/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /api/v1/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/v1/subscriptions", s.handleUnsubscribe)
	mux.HandleFunc("POST /api/v1/outbox", s.handlePushOutbox)
	mux.HandleFunc("GET /api/v1/pull-status", s.handlePullStatus)

	// event channel
	mux.HandleFunc("GET /api/v1/files/{id}/events", s.handleFileEvents)

	return RecoveryMiddleware(CORSMiddleware(LoggingMiddleware(IdentityMiddleware(mux))))
}

// Start starts the HTTP API server (blocking)
func (s *Server) Start() error {
	addr := s.cfg.GetListenAddress()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	log.Printf("[HTTP API] listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP API server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
