package httpapi

import (
	"net/http"

	"github.com/kasuganosora/ldm/pkg/offline"
	"github.com/kasuganosora/ldm/pkg/types"
)

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscriptions(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []*types.OfflineSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == "" {
		writeError(w, types.E(types.KindUnauthorized, "identity required to subscribe"))
		return
	}
	var req SubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.store.Subscribe(r.Context(), types.SubscriptionEntity(req.EntityType),
		req.EntityID, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Unsubscribe(r.Context(), types.SubscriptionEntity(req.EntityType),
		req.EntityID, UserFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePushOutbox replays a client outbox against the central store.
// Mutations are applied in the order sent; a conflict is reported per
// mutation and does not stop the rest.
func (s *Server) handlePushOutbox(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == "" {
		writeError(w, types.E(types.KindUnauthorized, "identity required for outbox push"))
		return
	}
	var req PushOutboxRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp := PushOutboxResponse{Results: make([]MutationResult, 0, len(req.Mutations))}
	for _, m := range req.Mutations {
		result := MutationResult{Seq: m.Seq, Applied: true}
		if err := s.applyMutation(r, m, user); err != nil {
			result.Applied = false
			result.Error = err.Error()
			result.Kind = string(types.KindOf(err))
			result.Details = types.DetailOf(err)
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) applyMutation(r *http.Request, m offline.Mutation, user string) error {
	ctx := r.Context()
	switch m.Kind {
	case offline.MutationCommit:
		_, err := s.store.CommitTarget(ctx, m.RowID, m.Target, m.Status, user, m.ExpectedVersion)
		if types.IsKind(err, types.KindConflict) {
			// replaying an already-applied commit is a no-op
			if row, getErr := s.store.GetRow(ctx, m.RowID); getErr == nil &&
				row.Target == m.Target && row.Status == m.Status {
				return nil
			}
		}
		return err
	case offline.MutationTMUpsert:
		entry, created, err := s.store.UpsertEntry(ctx, m.TMID, m.Source, m.Target, m.EntrySrc, user)
		if err != nil {
			return err
		}
		if created {
			return s.sync.EnqueueAdd(ctx, entry)
		}
		return s.sync.EnqueueUpdate(ctx, entry)
	default:
		return types.E(types.KindBadFormat, "unknown mutation kind %q", m.Kind)
	}
}

func (s *Server) handlePullStatus(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscriptions(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []*types.OfflineSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}
