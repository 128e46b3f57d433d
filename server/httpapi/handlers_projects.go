package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/types"
)

// decodeBody decodes a JSON request body
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.E(types.KindBadFormat, "invalid request body: %v", err)
	}
	return nil
}

// pathInt64 parses a numeric {id} path segment
func pathInt64(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, types.E(types.KindBadFormat, "invalid %s %q", name, raw)
	}
	return id, nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []*types.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.store.CreateProject(r.Context(), req.Name, UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProjectTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.store.GetProjectTree(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleRenameProject(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RenameProject(r.Context(), r.PathValue("id"), req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLinkTM(w http.ResponseWriter, r *http.Request) {
	var req LinkTMRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetLinkedTM(r.Context(), r.PathValue("id"), req.TMID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req CreateFolderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	f, err := s.store.CreateFolder(r.Context(), r.PathValue("id"), req.ParentID, req.Name, req.SortOrder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RenameFolder(r.Context(), r.PathValue("id"), req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	var req UploadFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	f, err := s.store.ImportFile(r.Context(), store.ImportRequest{
		ProjectID: r.PathValue("id"),
		FolderID:  req.FolderID,
		Name:      req.Name,
		Format:    types.FileFormat(req.Format),
		Data:      req.Content,
		User:      UserFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RenameFile(r.Context(), r.PathValue("id"), req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFile(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	file, err := s.store.GetFile(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.store.ExportFile(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleGetRows(w http.ResponseWriter, r *http.Request) {
	q := store.RowQuery{
		FileID: r.PathValue("id"),
		Status: types.RowStatus(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
	}
	q.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if q.Status != "" && !q.Status.Valid() {
		writeError(w, types.E(types.KindBadFormat, "unknown status %q", q.Status))
		return
	}

	// existence check so an empty page and a missing file are distinguishable
	if _, err := s.store.GetFile(r.Context(), q.FileID); err != nil {
		writeError(w, err)
		return
	}

	rows, total, err := s.store.GetRows(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []*types.Row{}
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 100
	}
	writeJSON(w, http.StatusOK, RowsResponse{Rows: rows, Total: total, Page: q.Page, Limit: q.Limit})
}

func (s *Server) handleUpdateRow(w http.ResponseWriter, r *http.Request) {
	rowID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req UpdateRowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	row, err := s.editing.Commit(r.Context(), rowID, UserFromContext(r.Context()), req.Target, req.ExpectedVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}
