package httpapi

import (
	"context"
	"net/http"

	"github.com/kasuganosora/ldm/pkg/types"
)

func (s *Server) handleBeginEdit(w http.ResponseWriter, r *http.Request) {
	rowID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	lock, err := s.editing.BeginEdit(r.Context(), rowID, UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleRefreshLock(w http.ResponseWriter, r *http.Request) {
	rowID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	lock, err := s.editing.RefreshLock(r.Context(), rowID, UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleCancelEdit(w http.ResponseWriter, r *http.Request) {
	rowID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.editing.CancelEdit(r.Context(), rowID, UserFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rowTransition factors the shared shape of the status endpoints
func (s *Server) rowTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, rowID int64, user string) (*types.Row, error)) {
	rowID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	row, err := fn(r.Context(), rowID, UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleMarkTranslated(w http.ResponseWriter, r *http.Request) {
	s.rowTransition(w, r, s.editing.MarkTranslated)
}

func (s *Server) handleConfirmReview(w http.ResponseWriter, r *http.Request) {
	s.rowTransition(w, r, s.editing.ConfirmReview)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.rowTransition(w, r, s.editing.Approve)
}
