package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kasuganosora/ldm/pkg/normalizer"
	"github.com/kasuganosora/ldm/pkg/types"
)

const tmColumns = `id, name, source_lang, target_lang, created_at, embedding_engine, stale_count, last_sync_at`

const entryColumns = `id, tm_id, source, target, normalized_source, source_type,
	created_by, created_at, updated_at, confirmed, index_error`

// CreateTM 创建翻译记忆库
func (s *Store) CreateTM(ctx context.Context, name, sourceLang, targetLang string, engine types.EngineKind) (*types.TM, error) {
	if name == "" {
		return nil, types.E(types.KindBadFormat, "tm name is empty")
	}
	if engine != types.EngineFast && engine != types.EngineDeep {
		return nil, types.E(types.KindBadFormat, "unknown embedding engine %q", engine)
	}

	tm := &types.TM{
		ID:              uuid.NewString(),
		Name:            name,
		SourceLang:      sourceLang,
		TargetLang:      targetLang,
		CreatedAt:       time.Now(),
		EmbeddingEngine: engine,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tms (id, name, source_lang, target_lang, created_at, embedding_engine)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tm.ID, tm.Name, tm.SourceLang, tm.TargetLang, timeToDB(tm.CreatedAt), string(tm.EmbeddingEngine))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.E(types.KindConflict, "tm %q already exists", name)
		}
		return nil, types.Wrap(types.KindUnavailable, err, "insert tm")
	}
	return tm, nil
}

// GetTM 按ID取TM
func (s *Store) GetTM(ctx context.Context, id string) (*types.TM, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tmColumns+` FROM tms WHERE id = ?`, id)
	return scanTM(row)
}

// ListTMs 列出全部TM
func (s *Store) ListTMs(ctx context.Context) ([]*types.TM, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tmColumns+` FROM tms ORDER BY created_at, id`)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "list tms")
	}
	defer rows.Close()

	var out []*types.TM
	for rows.Next() {
		tm, err := scanTM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tm)
	}
	return out, rows.Err()
}

// SetTMEngine 变更嵌入引擎。向量索引随之整体失效，由同步层重建
func (s *Store) SetTMEngine(ctx context.Context, tmID string, engine types.EngineKind) error {
	if engine != types.EngineFast && engine != types.EngineDeep {
		return types.E(types.KindBadFormat, "unknown embedding engine %q", engine)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tms SET embedding_engine = ? WHERE id = ?`, string(engine), tmID)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "set tm engine")
	}
	return requireAffected(res, "tm", tmID)
}

// DeleteTM 删除TM及其全部条目
func (s *Store) DeleteTM(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tms WHERE id = ?`, id)
		if err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete tm")
		}
		if err := requireAffected(res, "tm", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tm_entries WHERE tm_id = ?`, id); err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete tm entries")
		}
		return nil
	})
}

// UpsertEntry 插入或确认TM条目。
// (tm_id, normalized_source, target)唯一：重复写入只刷新
// updated_at与confirmed，返回created=false。
// 源文与规范形在创建后不可变
func (s *Store) UpsertEntry(ctx context.Context, tmID, source, target string, sourceType types.EntrySourceType, createdBy string) (*types.TMEntry, bool, error) {
	if _, err := s.GetTM(ctx, tmID); err != nil {
		return nil, false, err
	}

	canonical := normalizer.Normalize(source)
	if canonical == "" {
		return nil, false, types.E(types.KindBadFormat, "entry source is empty after normalization")
	}

	now := time.Now()
	var entry *types.TMEntry
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM tm_entries
			 WHERE tm_id = ? AND normalized_source = ? AND target = ?`,
			tmID, canonical, target)
		existing, err := scanEntry(row)
		if err != nil && !types.IsKind(err, types.KindNotFound) {
			return err
		}

		if existing != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tm_entries SET updated_at = ?, confirmed = 1 WHERE id = ?`,
				timeToDB(now), existing.ID); err != nil {
				return types.Wrap(types.KindUnavailable, err, "refresh entry")
			}
			existing.UpdatedAt = now
			existing.Confirmed = true
			entry = existing
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO tm_entries (tm_id, source, target, normalized_source, source_type,
				created_by, created_at, updated_at, confirmed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			tmID, source, target, canonical, string(sourceType), createdBy,
			timeToDB(now), timeToDB(now))
		if err != nil {
			return types.Wrap(types.KindUnavailable, err, "insert entry")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return types.Wrap(types.KindInternal, err, "entry id")
		}

		created = true
		entry = &types.TMEntry{
			ID:               id,
			TMID:             tmID,
			Source:           source,
			Target:           target,
			NormalizedSource: canonical,
			SourceType:       sourceType,
			CreatedBy:        createdBy,
			CreatedAt:        now,
			UpdatedAt:        now,
			Confirmed:        true,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

// GetEntry 按ID取条目
func (s *Store) GetEntry(ctx context.Context, id int64) (*types.TMEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM tm_entries WHERE id = ?`, id)
	return scanEntry(row)
}

// GetEntries 批量取条目，结果按入参顺序，缺失的跳过
func (s *Store) GetEntries(ctx context.Context, ids []int64) ([]*types.TMEntry, error) {
	out := make([]*types.TMEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEntry(ctx, id)
		if types.IsKind(err, types.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteEntry 删除条目，返回被删条目供索引级联
func (s *Store) DeleteEntry(ctx context.Context, id int64) (*types.TMEntry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tm_entries WHERE id = ?`, id); err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "delete entry")
	}
	return entry, nil
}

// ListEntriesPage 按ID游标分页列出已确认条目，供全量重建
func (s *Store) ListEntriesPage(ctx context.Context, tmID string, afterID int64, limit int) ([]*types.TMEntry, error) {
	if limit < 1 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM tm_entries
		 WHERE tm_id = ? AND confirmed = 1 AND id > ?
		 ORDER BY id LIMIT ?`, tmID, afterID, limit)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "list entries")
	}
	defer rows.Close()

	var out []*types.TMEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntryCount 已确认条目数
func (s *Store) EntryCount(ctx context.Context, tmID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tm_entries WHERE tm_id = ? AND confirmed = 1`, tmID).Scan(&n)
	if err != nil {
		return 0, types.Wrap(types.KindUnavailable, err, "count entries")
	}
	return n, nil
}

// SetStaleCount 覆写TM的陈旧计数
func (s *Store) SetStaleCount(ctx context.Context, tmID string, n int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tms SET stale_count = ? WHERE id = ?`, n, tmID)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "set stale count")
	}
	return requireAffected(res, "tm", tmID)
}

// AdjustStaleCount 调整陈旧计数，下界为0
func (s *Store) AdjustStaleCount(ctx context.Context, tmID string, delta int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tms SET stale_count = MAX(0, stale_count + ?) WHERE id = ?`, delta, tmID)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "adjust stale count")
	}
	return requireAffected(res, "tm", tmID)
}

// TouchLastSync 记录最近一次同步完成时间
func (s *Store) TouchLastSync(ctx context.Context, tmID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tms SET last_sync_at = ? WHERE id = ?`, timeToDB(at), tmID)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "touch last sync")
	}
	return requireAffected(res, "tm", tmID)
}

// SetEntryIndexError 记录条目的索引失败原因，空串表示清除
func (s *Store) SetEntryIndexError(ctx context.Context, entryID int64, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tm_entries SET index_error = ? WHERE id = ?`, msg, entryID)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "set index error")
	}
	return requireAffected(res, "entry", "")
}

func scanTM(sc scanner) (*types.TM, error) {
	tm := &types.TM{}
	var createdAt, lastSync, engine string
	err := sc.Scan(&tm.ID, &tm.Name, &tm.SourceLang, &tm.TargetLang, &createdAt,
		&engine, &tm.StaleCount, &lastSync)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "tm not found")
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan tm")
	}
	tm.CreatedAt = timeFromDB(createdAt)
	tm.LastSyncAt = timeFromDB(lastSync)
	tm.EmbeddingEngine = types.EngineKind(engine)
	return tm, nil
}

func scanEntry(sc scanner) (*types.TMEntry, error) {
	e := &types.TMEntry{}
	var createdAt, updatedAt, sourceType string
	var confirmed int
	err := sc.Scan(&e.ID, &e.TMID, &e.Source, &e.Target, &e.NormalizedSource, &sourceType,
		&e.CreatedBy, &createdAt, &updatedAt, &confirmed, &e.IndexError)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "tm entry not found")
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan entry")
	}
	e.SourceType = types.EntrySourceType(sourceType)
	e.CreatedAt = timeFromDB(createdAt)
	e.UpdatedAt = timeFromDB(updatedAt)
	e.Confirmed = confirmed != 0
	return e, nil
}
