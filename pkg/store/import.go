package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kasuganosora/ldm/pkg/normalizer"
	"github.com/kasuganosora/ldm/pkg/store/format"
	"github.com/kasuganosora/ldm/pkg/types"
)

// ImportRequest 文件导入请求
type ImportRequest struct {
	ProjectID string
	FolderID  string
	Name      string
	Format    types.FileFormat
	Data      []byte
	User      string
	BatchSize int
	// Progress 每提交一批后回调(done, total)，可为nil
	Progress func(done, total int)
}

// rawLayout 行的原始列与属性，落盘为JSON以支持逐字节往返
type rawLayout struct {
	Cols  []string    `json:"cols,omitempty"`
	Attrs [][2]string `json:"attrs,omitempty"`
}

// ImportFile 导入翻译文件。
// source_hash相同的重复导入为无操作；源文有变化的再导入会
// 重建行集，并按string_id（无ID时按行号）保留已有译文与状态。
// 批内事务提交，断点可从最后提交批续传
func (s *Store) ImportFile(ctx context.Context, req ImportRequest) (*types.File, error) {
	if req.Name == "" {
		return nil, types.E(types.KindBadFormat, "file name is empty")
	}
	if req.BatchSize < 1 {
		req.BatchSize = 500
	}
	if _, err := s.GetProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	var (
		raws   []format.RawRow
		layout fileLayout
		err    error
	)
	switch req.Format {
	case types.FormatTSV:
		var l format.TSVLayout
		raws, l, err = format.ParseTSV(req.Data)
		layout.CRLF = l.CRLF
		layout.TrailingNewline = l.TrailingNewline
	case types.FormatLocStrXML:
		var l format.LocStrLayout
		raws, l, err = format.ParseLocStr(req.Data)
		layout.Root = l.Root
	default:
		return nil, types.E(types.KindBadFormat, "unknown file format %q", req.Format)
	}
	if err != nil {
		return nil, err
	}

	hash := sourceHash(raws)

	existing, err := s.findFile(ctx, req.ProjectID, req.FolderID, req.Name)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}
	if existing != nil && existing.SourceHash == hash {
		// 源文未变，无操作
		f := existing.File
		return &f, nil
	}

	// 再导入时保留旧行的译文与状态
	carry := map[string]*types.Row{}
	carryByNum := map[int64]*types.Row{}
	if existing != nil {
		old, _, err := s.GetRows(ctx, RowQuery{FileID: existing.ID, Limit: 1 << 30})
		if err != nil {
			return nil, err
		}
		for _, r := range old {
			if r.StringID != "" {
				carry[r.StringID] = r
			} else {
				carryByNum[r.RowNum] = r
			}
		}
	}

	fileID := ""
	if existing != nil {
		fileID = existing.ID
	} else {
		fileID = uuid.NewString()
	}

	// 文件头与旧行在首批事务内落位
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if existing != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE file_id = ?`, fileID); err != nil {
				return types.Wrap(types.KindUnavailable, err, "clear old rows")
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET format = ?, row_count = ?, source_hash = ?,
					layout_crlf = ?, layout_trailing_newline = ?, layout_root = ?
				 WHERE id = ?`,
				string(req.Format), len(raws), hash,
				boolToDB(layout.CRLF), boolToDB(layout.TrailingNewline), layout.Root, fileID); err != nil {
				return types.Wrap(types.KindUnavailable, err, "update file")
			}
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO files (id, project_id, folder_id, name, format, row_count, source_hash,
				layout_crlf, layout_trailing_newline, layout_root)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fileID, req.ProjectID, req.FolderID, req.Name, string(req.Format), len(raws), hash,
			boolToDB(layout.CRLF), boolToDB(layout.TrailingNewline), layout.Root)
		if err != nil {
			if isUniqueViolation(err) {
				return types.E(types.KindConflict, "file %q already exists in folder", req.Name)
			}
			return types.Wrap(types.KindUnavailable, err, "insert file")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := timeToDB(time.Now())
	for start := 0; start < len(raws); start += req.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, types.Wrap(types.KindCancelled, err, "import cancelled at row %d", start)
		}
		end := start + req.BatchSize
		if end > len(raws) {
			end = len(raws)
		}

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			for i := start; i < end; i++ {
				raw := raws[i]
				rowNum := int64(i + 1)

				target := raw.Target
				status := types.StatusEmpty
				updatedBy := req.User
				if prev := carry[raw.StringID]; raw.StringID != "" && prev != nil {
					target = prev.Target
					status = prev.Status
					updatedBy = prev.UpdatedBy
				} else if prev := carryByNum[rowNum]; raw.StringID == "" && prev != nil {
					target = prev.Target
					status = prev.Status
					updatedBy = prev.UpdatedBy
				} else if strings.TrimSpace(target) != "" {
					status = types.StatusTranslated
				}

				rawJSON, err := json.Marshal(rawLayout{Cols: raw.Cols, Attrs: raw.Attrs})
				if err != nil {
					return types.Wrap(types.KindInternal, err, "encode raw cols")
				}

				if _, err := tx.ExecContext(ctx,
					`INSERT INTO rows (file_id, row_num, string_id, source, target, status,
						updated_by, updated_at, version, raw_cols)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
					fileID, rowNum, raw.StringID, raw.Source, target, string(status),
					updatedBy, now, string(rawJSON)); err != nil {
					if isUniqueViolation(err) {
						return types.E(types.KindBadFormat, "duplicate string id %q at row %d", raw.StringID, rowNum)
					}
					return types.Wrap(types.KindUnavailable, err, "insert row %d", rowNum)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if req.Progress != nil {
			req.Progress(end, len(raws))
		}
	}

	return s.GetFile(ctx, fileID)
}

// ExportFile 导出文件，保持导入时的列布局与换行风格
func (s *Store) ExportFile(ctx context.Context, fileID string) ([]byte, error) {
	rec, err := s.getFileRecord(ctx, fileID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT string_id, source, target, raw_cols FROM rows
		 WHERE file_id = ? ORDER BY row_num, id`, fileID)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "read rows")
	}
	defer rows.Close()

	var raws []format.RawRow
	var targets []string
	for rows.Next() {
		var stringID, source, target, rawJSON string
		if err := rows.Scan(&stringID, &source, &target, &rawJSON); err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan row")
		}
		var layout rawLayout
		if rawJSON != "" {
			if err := json.Unmarshal([]byte(rawJSON), &layout); err != nil {
				return nil, types.Wrap(types.KindInternal, err, "decode raw cols")
			}
		}
		raws = append(raws, format.RawRow{
			StringID: stringID,
			Source:   source,
			Target:   target,
			Cols:     layout.Cols,
			Attrs:    layout.Attrs,
		})
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindUnavailable, err, "read rows")
	}

	switch rec.Format {
	case types.FormatTSV:
		return format.SerializeTSV(raws, targets, format.TSVLayout{
			CRLF:            rec.CRLF,
			TrailingNewline: rec.TrailingNewline,
		}), nil
	case types.FormatLocStrXML:
		return format.SerializeLocStr(raws, targets, format.LocStrLayout{Root: rec.LayoutRoot}), nil
	default:
		return nil, types.E(types.KindInternal, "file %s has unknown format %q", fileID, rec.Format)
	}
}

// ImportTMPairs 批量导入TM条目对，返回新建条目数
func (s *Store) ImportTMPairs(ctx context.Context, tmID string, pairs []format.TMPair, createdBy string) (int64, error) {
	var created int64
	for i, p := range pairs {
		if strings.TrimSpace(p.Source) == "" {
			continue
		}
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return created, types.Wrap(types.KindCancelled, err, "tm import cancelled at pair %d", i)
			}
		}
		_, isNew, err := s.UpsertEntry(ctx, tmID, p.Source, p.Target, types.EntryImport, createdBy)
		if err != nil {
			if types.IsKind(err, types.KindBadFormat) {
				continue
			}
			return created, err
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

type fileLayout struct {
	CRLF            bool
	TrailingNewline bool
	Root            string
}

func (s *Store) findFile(ctx context.Context, projectID, folderID, name string) (*fileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE project_id = ? AND folder_id = ? AND name = ?`, projectID, folderID, name)
	return scanFileRecord(row)
}

// sourceHash 规范化源文串联后的FNV-64指纹，用于识别无变化的再导入
func sourceHash(raws []format.RawRow) string {
	h := fnv.New64a()
	for _, r := range raws {
		h.Write([]byte(normalizer.Normalize(r.Source)))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func boolToDB(b bool) int {
	if b {
		return 1
	}
	return 0
}
