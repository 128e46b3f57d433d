package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/kasuganosora/ldm/pkg/types"
)

const rowColumns = `id, file_id, row_num, string_id, source, target, status,
	updated_by, updated_at, version`

// RowQuery 分页行查询
type RowQuery struct {
	FileID string
	Page   int // 从1开始
	Limit  int
	Status types.RowStatus // 空值表示不过滤
	Search string          // 源文或译文的子串过滤
}

// GetRows 分页读取行，按(row_num, id)稳定排序。
// 返回值第二项为过滤后的总行数
func (s *Store) GetRows(ctx context.Context, q RowQuery) ([]*types.Row, int64, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 100
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, 0, types.E(types.KindBadFormat, "unknown row status %q", q.Status)
	}

	where := `file_id = ?`
	args := []interface{}{q.FileID}
	if q.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if q.Search != "" {
		where += ` AND (source LIKE ? ESCAPE '\' OR target LIKE ? ESCAPE '\')`
		pattern := "%" + likeEscape(q.Search) + "%"
		args = append(args, pattern, pattern)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rows WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, types.Wrap(types.KindUnavailable, err, "count rows")
	}

	query := `SELECT ` + rowColumns + ` FROM rows WHERE ` + where +
		` ORDER BY row_num, id LIMIT ? OFFSET ?`
	args = append(args, q.Limit, (q.Page-1)*q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, types.Wrap(types.KindUnavailable, err, "query rows")
	}
	defer rows.Close()

	var out []*types.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// GetRow 按ID取行
func (s *Store) GetRow(ctx context.Context, id int64) (*types.Row, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM rows WHERE id = ?`, id)
	return scanRow(row)
}

// CommitTarget 版本校验下提交译文并迁移状态。
// 版本不匹配返回Conflict，附带当前版本与当前译文；
// 源文不可变，本操作只触碰target/status/version
func (s *Store) CommitTarget(ctx context.Context, rowID int64, target string, status types.RowStatus, user string, expectedVersion int64) (*types.Row, error) {
	var updated *types.Row
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+rowColumns+` FROM rows WHERE id = ?`, rowID)
		current, err := scanRow(row)
		if err != nil {
			return err
		}

		if current.Version != expectedVersion {
			return types.E(types.KindConflict, "row %d version mismatch", rowID).
				WithDetail("current_version", current.Version).
				WithDetail("current_target", current.Target)
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE rows SET target = ?, status = ?, updated_by = ?, updated_at = ?, version = version + 1
			 WHERE id = ?`,
			target, string(status), user, timeToDB(now), rowID); err != nil {
			return types.Wrap(types.KindUnavailable, err, "update row")
		}

		updated = current
		updated.Target = target
		updated.Status = status
		updated.UpdatedBy = user
		updated.UpdatedAt = now
		updated.Version = current.Version + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetRowStatus 仅迁移状态（不改译文），版本自增
func (s *Store) SetRowStatus(ctx context.Context, rowID int64, status types.RowStatus, user string) (*types.Row, error) {
	var updated *types.Row
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+rowColumns+` FROM rows WHERE id = ?`, rowID)
		current, err := scanRow(row)
		if err != nil {
			return err
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE rows SET status = ?, updated_by = ?, updated_at = ?, version = version + 1
			 WHERE id = ?`,
			string(status), user, timeToDB(now), rowID); err != nil {
			return types.Wrap(types.KindUnavailable, err, "update row status")
		}

		updated = current
		updated.Status = status
		updated.UpdatedBy = user
		updated.UpdatedAt = now
		updated.Version = current.Version + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanRow(sc scanner) (*types.Row, error) {
	r := &types.Row{}
	var status, updatedAt string
	err := sc.Scan(&r.ID, &r.FileID, &r.RowNum, &r.StringID, &r.Source, &r.Target,
		&status, &r.UpdatedBy, &updatedAt, &r.Version)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "row not found")
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan row")
	}
	r.Status = types.RowStatus(status)
	r.UpdatedAt = timeFromDB(updatedAt)
	return r, nil
}
