package store

import (
	"context"
	"database/sql"

	"github.com/kasuganosora/ldm/pkg/types"
)

// fileRecord File及其往返布局信息
type fileRecord struct {
	types.File
	CRLF            bool
	TrailingNewline bool
	LayoutRoot      string
}

const fileColumns = `id, project_id, folder_id, name, format, row_count, source_hash,
	layout_crlf, layout_trailing_newline, layout_root`

// GetFile 按ID取文件
func (s *Store) GetFile(ctx context.Context, id string) (*types.File, error) {
	rec, err := s.getFileRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec.File, nil
}

func (s *Store) getFileRecord(ctx context.Context, id string) (*fileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	return scanFileRecord(row)
}

// ListFiles 列出项目下全部文件
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]*types.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? ORDER BY name, id`, projectID)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "list files")
	}
	defer rows.Close()

	var out []*types.File
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		f := rec.File
		out = append(out, &f)
	}
	return out, rows.Err()
}

// RenameFile 重命名文件
func (s *Store) RenameFile(ctx context.Context, id, name string) error {
	if name == "" {
		return types.E(types.KindBadFormat, "file name is empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE files SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		if isUniqueViolation(err) {
			return types.E(types.KindConflict, "file %q already exists in folder", name)
		}
		return types.Wrap(types.KindUnavailable, err, "rename file")
	}
	return requireAffected(res, "file", id)
}

// DeleteFile 删除文件及其全部行。行只随文件删除而销毁
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
		if err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete file")
		}
		if err := requireAffected(res, "file", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE file_id = ?`, id); err != nil {
			return types.Wrap(types.KindUnavailable, err, "delete file rows")
		}
		return nil
	})
}

func scanFileRecord(sc scanner) (*fileRecord, error) {
	rec := &fileRecord{}
	var crlf, trailing int
	err := sc.Scan(&rec.ID, &rec.ProjectID, &rec.FolderID, &rec.Name, &rec.Format,
		&rec.RowCount, &rec.SourceHash, &crlf, &trailing, &rec.LayoutRoot)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "file not found")
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan file")
	}
	rec.CRLF = crlf != 0
	rec.TrailingNewline = trailing != 0
	return rec, nil
}
