package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kasuganosora/ldm/pkg/types"
)

// CreateProject 创建项目。项目名全局唯一
func (s *Store) CreateProject(ctx context.Context, name, owner string) (*types.Project, error) {
	if name == "" {
		return nil, types.E(types.KindBadFormat, "project name is empty")
	}

	p := &types.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, owner, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Owner, timeToDB(p.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.E(types.KindConflict, "project %q already exists", name)
		}
		return nil, types.Wrap(types.KindUnavailable, err, "insert project")
	}
	return p, nil
}

// GetProject 按ID取项目
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner, created_at, linked_tm_id FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects 按创建时间列出全部项目
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner, created_at, linked_tm_id FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "list projects")
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RenameProject 重命名项目
func (s *Store) RenameProject(ctx context.Context, id, name string) error {
	if name == "" {
		return types.E(types.KindBadFormat, "project name is empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		if isUniqueViolation(err) {
			return types.E(types.KindConflict, "project %q already exists", name)
		}
		return types.Wrap(types.KindUnavailable, err, "rename project")
	}
	return requireAffected(res, "project", id)
}

// SetLinkedTM 设置项目的默认TM，空串表示解除
func (s *Store) SetLinkedTM(ctx context.Context, projectID, tmID string) error {
	if tmID != "" {
		if _, err := s.GetTM(ctx, tmID); err != nil {
			return err
		}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET linked_tm_id = ? WHERE id = ?`, tmID, projectID)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "set linked tm")
	}
	return requireAffected(res, "project", projectID)
}

// DeleteProject 删除项目及其目录、文件与行
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete project")
		}
		if err := requireAffected(res, "project", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rows WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)`, id); err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete project rows")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, id); err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete project files")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE project_id = ?`, id); err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete project folders")
		}
		return nil
	})
}

// CreateFolder 在项目内创建目录
func (s *Store) CreateFolder(ctx context.Context, projectID, parentID, name string, sortOrder int) (*types.Folder, error) {
	if name == "" {
		return nil, types.E(types.KindBadFormat, "folder name is empty")
	}
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	f := &types.Folder{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ParentID:  parentID,
		Name:      name,
		SortOrder: sortOrder,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO folders (id, project_id, parent_id, name, sort_order) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.ParentID, f.Name, f.SortOrder)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "insert folder")
	}
	return f, nil
}

// RenameFolder 重命名目录
func (s *Store) RenameFolder(ctx context.Context, id, name string) error {
	if name == "" {
		return types.E(types.KindBadFormat, "folder name is empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE folders SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return types.Wrap(types.KindUnavailable, err, "rename folder")
	}
	return requireAffected(res, "folder", id)
}

// ProjectTree 项目树：目录与文件的平铺列表，由调用方组装层级
type ProjectTree struct {
	Project *types.Project  `json:"project"`
	Folders []*types.Folder `json:"folders"`
	Files   []*types.File   `json:"files"`
}

// GetProjectTree 取项目树
func (s *Store) GetProjectTree(ctx context.Context, projectID string) (*ProjectTree, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tree := &ProjectTree{Project: p}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, parent_id, name, sort_order FROM folders
		 WHERE project_id = ? ORDER BY sort_order, name`, projectID)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "list folders")
	}
	defer rows.Close()
	for rows.Next() {
		f := &types.Folder{}
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.ParentID, &f.Name, &f.SortOrder); err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan folder")
		}
		tree.Folders = append(tree.Folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "list folders")
	}

	files, err := s.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tree.Files = files
	return tree, nil
}

// scanner 兼容*sql.Row与*sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(sc scanner) (*types.Project, error) {
	p := &types.Project{}
	var createdAt string
	err := sc.Scan(&p.ID, &p.Name, &p.Owner, &createdAt, &p.LinkedTMID)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "project not found")
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan project")
	}
	p.CreatedAt = timeFromDB(createdAt)
	return p, nil
}

// requireAffected 更新/删除必须命中一行，否则视为NotFound
func requireAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.Wrap(types.KindInternal, err, "rows affected")
	}
	if n == 0 {
		return types.E(types.KindNotFound, "%s %s not found", entity, id)
	}
	return nil
}
