package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/ldm/pkg/store/format"
	"github.com/kasuganosora/ldm/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ldm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "demo", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	_, err = s.CreateProject(ctx, "demo", "bob")
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "alice", got.Owner)

	require.NoError(t, s.RenameProject(ctx, p.ID, "demo2"))
	got, err = s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo2", got.Name)

	_, err = s.GetProject(ctx, "missing")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err = s.GetProject(ctx, p.ID)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestProjectTree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "tree", "")
	require.NoError(t, err)

	root, err := s.CreateFolder(ctx, p.ID, "", "ui", 0)
	require.NoError(t, err)
	_, err = s.CreateFolder(ctx, p.ID, root.ID, "dialogs", 1)
	require.NoError(t, err)

	tree, err := s.GetProjectTree(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, tree.Folders, 2)
	assert.Equal(t, "ui", tree.Folders[0].Name)
}

func TestTMUpsertDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tm, err := s.CreateTM(ctx, "main", "en", "zh", types.EngineFast)
	require.NoError(t, err)

	e1, created, err := s.UpsertEntry(ctx, tm.ID, "Hello  world\r\n", "你好世界", types.EntryManual, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, `Hello  world\n`, e1.NormalizedSource)

	// 规范形与译文都相同：不新建，只刷新
	e2, created, err := s.UpsertEntry(ctx, tm.ID, "Hello  world\n", "你好世界", types.EntryReview, "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e1.ID, e2.ID)
	assert.True(t, e2.Confirmed)

	// 同源不同译文是新条目
	_, created, err = s.UpsertEntry(ctx, tm.ID, "Hello  world\n", "世界你好", types.EntryManual, "")
	require.NoError(t, err)
	assert.True(t, created)

	n, err := s.EntryCount(ctx, tm.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestTMEntryDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tm, err := s.CreateTM(ctx, "main", "en", "zh", types.EngineFast)
	require.NoError(t, err)
	e, _, err := s.UpsertEntry(ctx, tm.ID, "bye", "再见", types.EntryManual, "")
	require.NoError(t, err)

	deleted, err := s.DeleteEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, deleted.ID)

	_, err = s.GetEntry(ctx, e.ID)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

const sampleTSV = "menu\tmain\tsave\t0\t1\tSave game\tセーブ\textra\n" +
	"menu\tmain\tload\t0\t1\tLoad game\t\n"

func importSample(t *testing.T, s *Store, projectID string) *types.File {
	t.Helper()
	f, err := s.ImportFile(context.Background(), ImportRequest{
		ProjectID: projectID,
		Name:      "menu.tsv",
		Format:    types.FormatTSV,
		Data:      []byte(sampleTSV),
		User:      "alice",
		BatchSize: 1,
	})
	require.NoError(t, err)
	return f
}

func TestImportExportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "rt", "")
	require.NoError(t, err)
	f := importSample(t, s, p.ID)
	assert.EqualValues(t, 2, f.RowCount)

	rows, total, err := s.GetRows(ctx, RowQuery{FileID: f.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, types.StatusTranslated, rows[0].Status)
	assert.Equal(t, types.StatusEmpty, rows[1].Status)
	assert.Equal(t, "menu|main|save|0|1", rows[0].StringID)

	out, err := s.ExportFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, sampleTSV, string(out))
}

// TestExportKeepsOmittedTargetColumn 省略译文列的TSV行在导出时
// 不补尾列；提交译文后才扩展到第7列
func TestExportKeepsOmittedTargetColumn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "six-col", "")
	require.NoError(t, err)

	data := "menu\tmain\tsave\t0\t1\tSave game\n"
	f, err := s.ImportFile(ctx, ImportRequest{
		ProjectID: p.ID,
		Name:      "short.tsv",
		Format:    types.FormatTSV,
		Data:      []byte(data),
	})
	require.NoError(t, err)

	out, err := s.ExportFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, data, string(out))

	// 再导入仍是同一文件：源文哈希不受列数影响
	f2, err := s.ImportFile(ctx, ImportRequest{
		ProjectID: p.ID,
		Name:      "short.tsv",
		Format:    types.FormatTSV,
		Data:      out,
	})
	require.NoError(t, err)
	assert.Equal(t, f.ID, f2.ID)

	rows, _, err := s.GetRows(ctx, RowQuery{FileID: f.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	_, err = s.CommitTarget(ctx, rows[0].ID, "セーブ", types.StatusPending, "alice", rows[0].Version)
	require.NoError(t, err)

	out, err = s.ExportFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "menu\tmain\tsave\t0\t1\tSave game\tセーブ\n", string(out))
}

func TestImportNoOpOnSameHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "noop", "")
	require.NoError(t, err)
	f := importSample(t, s, p.ID)

	rows, _, err := s.GetRows(ctx, RowQuery{FileID: f.ID})
	require.NoError(t, err)
	_, err = s.CommitTarget(ctx, rows[1].ID, "ロード", types.StatusTranslated, "alice", rows[1].Version)
	require.NoError(t, err)

	// 源文未变：无操作，人工译文保持原样
	f2 := importSample(t, s, p.ID)
	assert.Equal(t, f.ID, f2.ID)
	rows, _, err = s.GetRows(ctx, RowQuery{FileID: f.ID})
	require.NoError(t, err)
	assert.Equal(t, "ロード", rows[1].Target)
}

func TestReimportCarriesTargets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "carry", "")
	require.NoError(t, err)
	f := importSample(t, s, p.ID)

	rows, _, err := s.GetRows(ctx, RowQuery{FileID: f.ID})
	require.NoError(t, err)
	_, err = s.CommitTarget(ctx, rows[0].ID, "保存", types.StatusReviewed, "bob", rows[0].Version)
	require.NoError(t, err)

	// 源文变化触发行集重建，同string_id的译文保留
	changed := "menu\tmain\tsave\t0\t1\tSave the game\tセーブ\textra\n" +
		"menu\tmain\tload\t0\t1\tLoad game\t\n"
	f2, err := s.ImportFile(ctx, ImportRequest{
		ProjectID: p.ID,
		Name:      "menu.tsv",
		Format:    types.FormatTSV,
		Data:      []byte(changed),
		BatchSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, f.ID, f2.ID)

	rows, _, err = s.GetRows(ctx, RowQuery{FileID: f.ID})
	require.NoError(t, err)
	assert.Equal(t, "Save the game", rows[0].Source)
	assert.Equal(t, "保存", rows[0].Target)
	assert.Equal(t, types.StatusReviewed, rows[0].Status)
}

func TestRowQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "filters", "")
	require.NoError(t, err)
	f := importSample(t, s, p.ID)

	rows, total, err := s.GetRows(ctx, RowQuery{FileID: f.ID, Status: types.StatusEmpty})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "Load game", rows[0].Source)

	rows, total, err = s.GetRows(ctx, RowQuery{FileID: f.ID, Search: "save"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "Save game", rows[0].Source)

	_, total, err = s.GetRows(ctx, RowQuery{FileID: f.ID, Search: "100%"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)

	rows, total, err = s.GetRows(ctx, RowQuery{FileID: f.ID, Page: 2, Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0].RowNum)
}

func TestCommitTargetVersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "conflict", "")
	require.NoError(t, err)
	f := importSample(t, s, p.ID)
	rows, _, err := s.GetRows(ctx, RowQuery{FileID: f.ID})
	require.NoError(t, err)
	row := rows[0]

	updated, err := s.CommitTarget(ctx, row.ID, "保存", types.StatusTranslated, "alice", row.Version)
	require.NoError(t, err)
	assert.Equal(t, row.Version+1, updated.Version)

	// 基于过期版本的提交必须失败并带回当前值
	_, err = s.CommitTarget(ctx, row.ID, "别的", types.StatusTranslated, "bob", row.Version)
	assert.Equal(t, types.KindConflict, types.KindOf(err))
	details := types.DetailOf(err)
	assert.EqualValues(t, updated.Version, details["current_version"])
	assert.Equal(t, "保存", details["current_target"])
}

func TestSubscriptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "subs", "")
	require.NoError(t, err)

	_, err = s.Subscribe(ctx, types.SubscribeProject, p.ID, "alice")
	require.NoError(t, err)
	// 重复订阅幂等
	_, err = s.Subscribe(ctx, types.SubscribeProject, p.ID, "alice")
	require.NoError(t, err)

	_, err = s.Subscribe(ctx, types.SubscribeFile, "missing", "alice")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	subs, err := s.ListSubscriptions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, types.SyncPending, subs[0].SyncStatus)

	require.NoError(t, s.SetSyncStatus(ctx, types.SubscribeProject, p.ID, "alice", types.SyncSynced))
	subs, err = s.ListSubscriptions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, subs[0].SyncStatus)
	assert.False(t, subs[0].LastSyncAt.IsZero())

	require.NoError(t, s.Unsubscribe(ctx, types.SubscribeProject, p.ID, "alice"))
	subs, err = s.ListSubscriptions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestImportTMPairs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tm, err := s.CreateTM(ctx, "glossary", "en", "ja", types.EngineFast)
	require.NoError(t, err)

	pairs := []format.TMPair{
		{Source: "Save", Target: "セーブ"},
		{Source: "Save", Target: "セーブ"}, // 重复对只算一次
		{Source: "Load", Target: "ロード"},
		{Source: "   ", Target: "skip"},
	}
	created, err := s.ImportTMPairs(ctx, tm.ID, pairs, "importer")
	require.NoError(t, err)
	assert.EqualValues(t, 2, created)
}
