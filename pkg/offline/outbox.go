package offline

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kasuganosora/ldm/pkg/types"
)

// MutationKind outbox中的变更类型
type MutationKind string

const (
	// MutationCommit 行译文提交
	MutationCommit MutationKind = "commit_target"
	// MutationTMUpsert TM条目写入（含评审自动入库的回放）
	MutationTMUpsert MutationKind = "tm_entry_upsert"
)

// Mutation 一条待回放的离线变更
type Mutation struct {
	Seq  int64        `json:"seq"`
	Kind MutationKind `json:"kind"`
	User string       `json:"user"`

	// commit_target
	RowID           int64           `json:"row_id,omitempty"`
	Target          string          `json:"target,omitempty"`
	Status          types.RowStatus `json:"status,omitempty"`
	ExpectedVersion int64           `json:"expected_version,omitempty"`

	// tm_entry_upsert
	TMID       string                `json:"tm_id,omitempty"`
	Source     string                `json:"source,omitempty"`
	EntrySrc   types.EntrySourceType `json:"source_type,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	ParkReason string                `json:"park_reason,omitempty"`
}

// Central 回放目标。中心行存储原样满足本接口，
// 远端部署时可换成API客户端
type Central interface {
	CommitTarget(ctx context.Context, rowID int64, target string, status types.RowStatus, user string, expectedVersion int64) (*types.Row, error)
	UpsertEntry(ctx context.Context, tmID, source, target string, sourceType types.EntrySourceType, createdBy string) (*types.TMEntry, bool, error)
}

// Append 追加一条变更到outbox
func (r *Replica) Append(ctx context.Context, m Mutation) (int64, error) {
	m.User = r.user
	payload, err := json.Marshal(m)
	if err != nil {
		return 0, types.Wrap(types.KindInternal, err, "encode mutation")
	}
	res, err := r.store.DB().ExecContext(ctx,
		`INSERT INTO outbox (kind, payload, created_at) VALUES (?, ?, ?)`,
		string(m.Kind), string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, types.Wrap(types.KindUnavailable, err, "append outbox")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, types.Wrap(types.KindInternal, err, "outbox seq")
	}
	return seq, nil
}

// CommitLocal 本地提交译文并记入outbox
func (r *Replica) CommitLocal(ctx context.Context, rowID int64, target string, status types.RowStatus, expectedVersion int64) (*types.Row, error) {
	row, err := r.store.CommitTarget(ctx, rowID, target, status, r.user, expectedVersion)
	if err != nil {
		return nil, err
	}
	_, err = r.Append(ctx, Mutation{
		Kind:            MutationCommit,
		RowID:           rowID,
		Target:          target,
		Status:          status,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// UpsertEntryLocal 本地TM写入并记入outbox
func (r *Replica) UpsertEntryLocal(ctx context.Context, tmID, source, target string, sourceType types.EntrySourceType) (*types.TMEntry, error) {
	entry, _, err := r.store.UpsertEntry(ctx, tmID, source, target, sourceType, r.user)
	if err != nil {
		return nil, err
	}
	_, err = r.Append(ctx, Mutation{
		Kind:     MutationTMUpsert,
		TMID:     tmID,
		Source:   source,
		Target:   target,
		EntrySrc: sourceType,
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Pending 待回放的变更，按seq升序
func (r *Replica) Pending(ctx context.Context) ([]Mutation, error) {
	return r.listOutbox(ctx, false)
}

// Parked 冲突搁置的变更，等待用户裁决
func (r *Replica) Parked(ctx context.Context) ([]Mutation, error) {
	return r.listOutbox(ctx, true)
}

func (r *Replica) listOutbox(ctx context.Context, parked bool) ([]Mutation, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT seq, payload, park_reason FROM outbox WHERE parked = ? ORDER BY seq`, boolInt(parked))
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "read outbox")
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var seq int64
		var payload, reason string
		if err := rows.Scan(&seq, &payload, &reason); err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan outbox")
		}
		var m Mutation
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, types.Wrap(types.KindInternal, err, "decode mutation %d", seq)
		}
		m.Seq = seq
		m.ParkReason = reason
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReconcileReport 一次回放的结果
type ReconcileReport struct {
	Applied int `json:"applied"`
	Parked  int `json:"parked"`
}

// Reconcile 按序回放outbox到中心。
// Unavailable退避重试；Conflict搁置该条并继续；
// 其余错误中止回放。全部回放完毕即同步完成
func (r *Replica) Reconcile(ctx context.Context, central Central, maxBackoff time.Duration) (*ReconcileReport, error) {
	pending, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, m := range pending {
		err := r.replayOne(ctx, central, m, maxBackoff)
		switch {
		case err == nil:
			if err := r.deleteOutbox(ctx, m.Seq); err != nil {
				return report, err
			}
			report.Applied++
		case types.IsKind(err, types.KindConflict):
			// 不做last-write-wins，留给用户对照两个版本裁决
			if err := r.park(ctx, m.Seq, err); err != nil {
				return report, err
			}
			report.Parked++
			log.Printf("[Offline] mutation %d parked on conflict: %v", m.Seq, err)
		default:
			return report, err
		}
	}
	return report, nil
}

// replayOne 回放单条变更，Unavailable指数退避
func (r *Replica) replayOne(ctx context.Context, central Central, m Mutation, maxBackoff time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = maxBackoff / 20
	if policy.InitialInterval < time.Millisecond {
		policy.InitialInterval = time.Millisecond
	}
	policy.MaxInterval = maxBackoff
	policy.MaxElapsedTime = 10 * maxBackoff

	return backoff.Retry(func() error {
		err := r.apply(ctx, central, m)
		if err == nil {
			return nil
		}
		if types.IsKind(err, types.KindUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func (r *Replica) apply(ctx context.Context, central Central, m Mutation) error {
	switch m.Kind {
	case MutationCommit:
		_, err := central.CommitTarget(ctx, m.RowID, m.Target, m.Status, m.User, m.ExpectedVersion)
		if types.IsKind(err, types.KindConflict) {
			// 已一致的提交是幂等no-op：中心值与本地完全相同时放行
			if row, getErr := r.centralRow(ctx, central, m.RowID); getErr == nil &&
				row != nil && row.Target == m.Target && row.Status == m.Status {
				return nil
			}
		}
		return err
	case MutationTMUpsert:
		// 去重由(tm_id, normalized_source, target)唯一键兜底
		_, _, err := central.UpsertEntry(ctx, m.TMID, m.Source, m.Target, m.EntrySrc, m.User)
		return err
	default:
		return types.E(types.KindBadFormat, "unknown mutation kind %q", m.Kind)
	}
}

// centralRow 回读中心行，Central实现了读接口时用于幂等判定
func (r *Replica) centralRow(ctx context.Context, central Central, rowID int64) (*types.Row, error) {
	reader, ok := central.(interface {
		GetRow(ctx context.Context, id int64) (*types.Row, error)
	})
	if !ok {
		return nil, types.E(types.KindNotFound, "central does not expose row reads")
	}
	return reader.GetRow(ctx, rowID)
}

// ResolveParked 裁决一条搁置变更。keepLocal为真时以中心当前版本
// 重新入队本地值，否则丢弃
func (r *Replica) ResolveParked(ctx context.Context, central Central, seq int64, keepLocal bool) error {
	parked, err := r.Parked(ctx)
	if err != nil {
		return err
	}
	var target *Mutation
	for i := range parked {
		if parked[i].Seq == seq {
			target = &parked[i]
			break
		}
	}
	if target == nil {
		return types.E(types.KindNotFound, "parked mutation %d not found", seq)
	}

	if err := r.deleteOutbox(ctx, seq); err != nil {
		return err
	}
	if !keepLocal {
		return nil
	}

	if target.Kind == MutationCommit {
		if row, err := r.centralRow(ctx, central, target.RowID); err == nil && row != nil {
			target.ExpectedVersion = row.Version
		}
	}
	resolved := *target
	resolved.Seq = 0
	resolved.ParkReason = ""
	_, err = r.Append(ctx, resolved)
	return err
}

func (r *Replica) deleteOutbox(ctx context.Context, seq int64) error {
	_, err := r.store.DB().ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "truncate outbox")
	}
	return nil
}

func (r *Replica) park(ctx context.Context, seq int64, cause error) error {
	_, err := r.store.DB().ExecContext(ctx,
		`UPDATE outbox SET parked = 1, park_reason = ? WHERE seq = ?`, cause.Error(), seq)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "park mutation")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
