package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/kasuganosora/ldm/pkg/store/format"
	"github.com/kasuganosora/ldm/pkg/tmsearch"
	"github.com/kasuganosora/ldm/pkg/types"
)

func (s *Server) handleListTMs(w http.ResponseWriter, r *http.Request) {
	// project_id narrows the list to the project's linked TM
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		project, err := s.store.GetProject(r.Context(), projectID)
		if err != nil {
			writeError(w, err)
			return
		}
		tms := []*types.TM{}
		if project.LinkedTMID != "" {
			tm, err := s.store.GetTM(r.Context(), project.LinkedTMID)
			if err != nil {
				writeError(w, err)
				return
			}
			tms = append(tms, tm)
		}
		writeJSON(w, http.StatusOK, tms)
		return
	}

	tms, err := s.store.ListTMs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tms == nil {
		tms = []*types.TM{}
	}
	writeJSON(w, http.StatusOK, tms)
}

func (s *Server) handleCreateTM(w http.ResponseWriter, r *http.Request) {
	var req CreateTMRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	engine := types.EngineKind(req.Engine)
	if req.Engine == "" {
		engine = types.EngineKind(s.cfg.TM.EngineDefault)
	}
	tm, err := s.store.CreateTM(r.Context(), req.Name, req.SourceLang, req.TargetLang, engine)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tm)
}

func (s *Server) handleDeleteTM(w http.ResponseWriter, r *http.Request) {
	tmID := r.PathValue("id")
	if err := s.store.DeleteTM(r.Context(), tmID); err != nil {
		writeError(w, err)
		return
	}
	s.sync.Forget(tmID)
	if err := s.sync.DropSnapshots(tmID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleImportTM(w http.ResponseWriter, r *http.Request) {
	tmID := r.PathValue("id")
	var req ImportTMRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var pairs []format.TMPair
	var err error
	switch req.Format {
	case "xlsx":
		pairs, err = format.ParseXLSXPairs(req.Content)
	case "tsv", "":
		pairs, err = format.ParseTSVPairs(req.Content)
	default:
		err = types.E(types.KindBadFormat, "unknown tm import format %q", req.Format)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	created, err := s.store.ImportTMPairs(r.Context(), tmID, pairs, UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	// bulk import bypasses the change queue, so refresh the indexes whole
	resp := ImportTMResponse{Created: created}
	if handle, err := s.sync.Rebuild(r.Context(), tmID); err == nil {
		resp.TaskID = handle.ID()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportTM(w http.ResponseWriter, r *http.Request) {
	tmID := r.PathValue("id")
	tm, err := s.store.GetTM(r.Context(), tmID)
	if err != nil {
		writeError(w, err)
		return
	}

	var pairs []format.TMPair
	var afterID int64
	for {
		entries, err := s.store.ListEntriesPage(r.Context(), tmID, afterID, 1000)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			pairs = append(pairs, format.TMPair{Source: e.Source, Target: e.Target})
		}
		afterID = entries[len(entries)-1].ID
	}

	exportFormat := r.URL.Query().Get("format")
	var data []byte
	var ext string
	switch exportFormat {
	case "xlsx":
		data, err = format.SerializeXLSXPairs(pairs)
		ext = "xlsx"
	case "tsv", "":
		data = format.SerializeTSVPairs(pairs)
		ext = "tsv"
	default:
		err = types.E(types.KindBadFormat, "unknown tm export format %q", exportFormat)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", tm.Name+"."+ext))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleSearchTM(w http.ResponseWriter, r *http.Request) {
	tmID := r.PathValue("id")
	query := r.URL.Query().Get("q")
	mode := tmsearch.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = tmsearch.ModeAuto
	}
	k, _ := strconv.Atoi(r.URL.Query().Get("k"))
	if k < 1 {
		k = 5
	}

	result, err := s.searcher.Search(r.Context(), tmID, query, mode, k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpsertEntry(w http.ResponseWriter, r *http.Request) {
	tmID := r.PathValue("id")
	var req UpsertEntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sourceType := types.EntrySourceType(req.SourceType)
	if req.SourceType == "" {
		sourceType = types.EntryManual
	}

	entry, created, err := s.store.UpsertEntry(r.Context(), tmID, req.Source, req.Target,
		sourceType, UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if created {
		err = s.sync.EnqueueAdd(r.Context(), entry)
	} else {
		err = s.sync.EnqueueUpdate(r.Context(), entry)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UpsertEntryResponse{Entry: entry, Created: created})
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	entryID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.store.DeleteEntry(r.Context(), entryID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sync.EnqueueDelete(r.Context(), entry.TMID, entry.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSyncTM(w http.ResponseWriter, r *http.Request) {
	handle, err := s.sync.Sync(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: handle.ID()})
}

func (s *Server) handleRebuildTM(w http.ResponseWriter, r *http.Request) {
	handle, err := s.sync.Rebuild(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: handle.ID()})
}

func (s *Server) handleTMStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sync.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSetTMEngine(w http.ResponseWriter, r *http.Request) {
	tmID := r.PathValue("id")
	var req EngineRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetTMEngine(r.Context(), tmID, types.EngineKind(req.Engine)); err != nil {
		writeError(w, err)
		return
	}

	// engine switch invalidates all vectors, so drop the in-memory state
	// and rebuild from scratch
	s.sync.Forget(tmID)
	handle, err := s.sync.Rebuild(r.Context(), tmID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: handle.ID()})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.List())
}
