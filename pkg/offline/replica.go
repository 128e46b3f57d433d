// Package offline 实现单用户离线副本：
// 选定子集（平台/项目/文件）镜像到本地sqlite，写入先落本地
// 并追加到持久outbox，重连后按序回放到中心存储。
package offline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/types"
)

// Replica 本地副本。副本目录被flock独占，同一副本不允许两个进程
type Replica struct {
	user  string
	root  string
	store *store.Store
	lock  *flock.Flock

	online bool
}

// Open 打开（必要时创建）用户的本地副本
func Open(root, user string) (*Replica, error) {
	if user == "" {
		return nil, types.E(types.KindUnauthorized, "offline replica requires an identity")
	}
	dir := filepath.Join(root, user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "create replica dir")
	}

	fl := flock.New(filepath.Join(dir, "replica.lock"))
	held, err := fl.TryLock()
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "lock replica dir")
	}
	if !held {
		return nil, types.E(types.KindConflict, "replica for %s is in use by another process", user)
	}

	s, err := store.Open(filepath.Join(dir, "replica.db"))
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	r := &Replica{user: user, root: dir, store: s, lock: fl}
	if err := r.migrateOutbox(context.Background()); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Close 释放副本
func (r *Replica) Close() error {
	err := r.store.Close()
	if unlockErr := r.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// Store 本地行存储，离线读写都走它
func (r *Replica) Store() *store.Store {
	return r.store
}

// User 副本归属的用户
func (r *Replica) User() string {
	return r.user
}

// Online 当前模式
func (r *Replica) Online() bool {
	return r.online
}

// SetOnline 切换在线/离线。只翻标志，不动数据：
// 上线后由调用方触发Reconcile，下线只是停掉总线订阅
func (r *Replica) SetOnline(online bool) {
	r.online = online
}

// Pull 把订阅子集从中心存储镜像到本地。
// 两边结构一致，逐表覆盖拷贝；本地未回放的outbox不受影响
func (r *Replica) Pull(ctx context.Context, central *store.Store, sub types.OfflineSubscription) error {
	switch sub.EntityType {
	case types.SubscribePlatform:
		projects, err := central.ListProjects(ctx)
		if err != nil {
			return err
		}
		for _, p := range projects {
			if err := r.pullProject(ctx, central, p.ID); err != nil {
				return err
			}
		}
		return nil
	case types.SubscribeProject:
		return r.pullProject(ctx, central, sub.EntityID)
	case types.SubscribeFile:
		file, err := central.GetFile(ctx, sub.EntityID)
		if err != nil {
			return err
		}
		if err := r.copyRows(ctx, central, `SELECT id, name, owner, created_at, linked_tm_id FROM projects WHERE id = ?`,
			`INSERT OR REPLACE INTO projects (id, name, owner, created_at, linked_tm_id) VALUES (?, ?, ?, ?, ?)`,
			5, file.ProjectID); err != nil {
			return err
		}
		return r.pullFile(ctx, central, sub.EntityID)
	default:
		return types.E(types.KindBadFormat, "unknown subscription entity %q", sub.EntityType)
	}
}

func (r *Replica) pullProject(ctx context.Context, central *store.Store, projectID string) error {
	if err := r.copyRows(ctx, central,
		`SELECT id, name, owner, created_at, linked_tm_id FROM projects WHERE id = ?`,
		`INSERT OR REPLACE INTO projects (id, name, owner, created_at, linked_tm_id) VALUES (?, ?, ?, ?, ?)`,
		5, projectID); err != nil {
		return err
	}
	if err := r.copyRows(ctx, central,
		`SELECT id, project_id, parent_id, name, sort_order FROM folders WHERE project_id = ?`,
		`INSERT OR REPLACE INTO folders (id, project_id, parent_id, name, sort_order) VALUES (?, ?, ?, ?, ?)`,
		5, projectID); err != nil {
		return err
	}

	files, err := central.ListFiles(ctx, projectID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := r.pullFile(ctx, central, f.ID); err != nil {
			return err
		}
	}

	// 关联TM一并镜像，离线时精确检索仍可用
	p, err := central.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.LinkedTMID != "" {
		if err := r.copyRows(ctx, central,
			`SELECT id, name, source_lang, target_lang, created_at, embedding_engine, stale_count, last_sync_at FROM tms WHERE id = ?`,
			`INSERT OR REPLACE INTO tms (id, name, source_lang, target_lang, created_at, embedding_engine, stale_count, last_sync_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			8, p.LinkedTMID); err != nil {
			return err
		}
		if err := r.copyRows(ctx, central,
			`SELECT id, tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error FROM tm_entries WHERE tm_id = ?`,
			`INSERT OR REPLACE INTO tm_entries (id, tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			11, p.LinkedTMID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replica) pullFile(ctx context.Context, central *store.Store, fileID string) error {
	if err := r.copyRows(ctx, central,
		`SELECT id, project_id, folder_id, name, format, row_count, source_hash, layout_crlf, layout_trailing_newline, layout_root FROM files WHERE id = ?`,
		`INSERT OR REPLACE INTO files (id, project_id, folder_id, name, format, row_count, source_hash, layout_crlf, layout_trailing_newline, layout_root) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		10, fileID); err != nil {
		return err
	}
	return r.copyRows(ctx, central,
		`SELECT id, file_id, row_num, string_id, source, target, status, updated_by, updated_at, version, raw_cols FROM rows WHERE file_id = ?`,
		`INSERT OR REPLACE INTO rows (id, file_id, row_num, string_id, source, target, status, updated_by, updated_at, version, raw_cols) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		11, fileID)
}

// copyRows 通用的同构表拷贝
func (r *Replica) copyRows(ctx context.Context, central *store.Store, selectSQL, insertSQL string, cols int, args ...interface{}) error {
	rows, err := central.DB().QueryContext(ctx, selectSQL, args...)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "pull query")
	}
	defer rows.Close()

	tx, err := r.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "begin pull transaction")
	}
	defer func() { _ = tx.Rollback() }()

	dest := make([]interface{}, cols)
	ptrs := make([]interface{}, cols)
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return types.Wrap(types.KindInternal, err, "pull scan")
		}
		if _, err := tx.ExecContext(ctx, insertSQL, dest...); err != nil {
			return types.Wrap(types.KindUnavailable, err, "pull insert")
		}
	}
	if err := rows.Err(); err != nil {
		return types.Wrap(types.KindUnavailable, err, "pull rows")
	}
	if err := tx.Commit(); err != nil {
		return types.Wrap(types.KindUnavailable, err, "commit pull")
	}
	return nil
}

// migrateOutbox 副本库扩展outbox表
func (r *Replica) migrateOutbox(ctx context.Context) error {
	_, err := r.store.DB().ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS outbox (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	parked      INTEGER NOT NULL DEFAULT 0,
	park_reason TEXT NOT NULL DEFAULT ''
)`)
	if err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}
	return nil
}
