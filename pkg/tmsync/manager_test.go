package tmsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/ldm/pkg/config"
	"github.com/kasuganosora/ldm/pkg/normalizer"
	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/task"
	"github.com/kasuganosora/ldm/pkg/types"
)

type fixture struct {
	store    *store.Store
	tracker  *task.Tracker
	manager  *Manager
	dataRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataRoot := t.TempDir()
	s, err := store.Open(filepath.Join(dataRoot, "ldm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig().TM
	tracker := task.NewTracker()
	return &fixture{
		store:    s,
		tracker:  tracker,
		manager:  New(s, tracker, cfg, dataRoot, nil),
		dataRoot: dataRoot,
	}
}

func (f *fixture) createTM(t *testing.T, name string) *types.TM {
	t.Helper()
	tm, err := f.store.CreateTM(context.Background(), name, "en", "zh", types.EngineFast)
	require.NoError(t, err)
	return tm
}

func (f *fixture) addEntry(t *testing.T, tmID, source, target string) *types.TMEntry {
	t.Helper()
	ctx := context.Background()
	e, _, err := f.store.UpsertEntry(ctx, tmID, source, target, types.EntryManual, "tester")
	require.NoError(t, err)
	require.NoError(t, f.manager.EnqueueAdd(ctx, e))
	return e
}

func waitDone(t *testing.T, h *task.Handle) task.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap := h.Snapshot()
		if !snap.Running() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("build did not finish")
	return task.Snapshot{}
}

func (f *fixture) syncAndWait(t *testing.T, tmID string) {
	t.Helper()
	h, err := f.manager.Sync(context.Background(), tmID)
	require.NoError(t, err)
	snap := waitDone(t, h)
	require.Equal(t, task.StatusSucceeded, snap.Status, "build error: %s", snap.Error)
}

func TestSyncIndexesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tm := f.createTM(t, "main")

	e := f.addEntry(t, tm.ID, "Save the game", "セーブ")
	f.syncAndWait(t, tm.ID)

	// 同步后陈旧计数归零
	got, err := f.store.GetTM(ctx, tm.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.StaleCount)
	assert.False(t, got.LastSyncAt.IsZero())

	// 规范源文精确命中
	ids, err := f.manager.Lookup(ctx, tm.ID, types.GranularityWhole, e.NormalizedSource)
	require.NoError(t, err)
	assert.Equal(t, []int64{e.ID}, ids)

	// 相同文本的向量检索得满分
	engine, err := f.manager.Engine(ctx, tm.ID)
	require.NoError(t, err)
	vecs, err := engine.EmbedBatch(ctx, []string{e.NormalizedSource})
	require.NoError(t, err)
	hits, err := f.manager.SearchVectors(ctx, tm.ID, types.GranularityWhole, vecs[0], 5, 0.8)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, e.ID, hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
}

func TestLineGranularity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tm := f.createTM(t, "lines")

	e := f.addEntry(t, tm.ID, "Save the game\nLoad the game", "セーブ\nロード")
	f.syncAndWait(t, tm.ID)

	ids, err := f.manager.Lookup(ctx, tm.ID, types.GranularityLine, "Load the game")
	require.NoError(t, err)
	assert.Equal(t, []int64{e.ID}, ids)

	engine, err := f.manager.Engine(ctx, tm.ID)
	require.NoError(t, err)
	vecs, err := engine.EmbedBatch(ctx, []string{"Save the game"})
	require.NoError(t, err)
	hits, err := f.manager.SearchVectors(ctx, tm.ID, types.GranularityLine, vecs[0], 5, 0.8)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	// 行命中折算回条目ID
	assert.Equal(t, e.ID, hits[0].ID)
}

func TestDeleteRemovesFromIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tm := f.createTM(t, "del")

	e := f.addEntry(t, tm.ID, "Inventory full", "持ち物がいっぱい")
	f.syncAndWait(t, tm.ID)

	_, err := f.store.DeleteEntry(ctx, e.ID)
	require.NoError(t, err)
	require.NoError(t, f.manager.EnqueueDelete(ctx, tm.ID, e.ID))
	f.syncAndWait(t, tm.ID)

	ids, err := f.manager.Lookup(ctx, tm.ID, types.GranularityWhole, e.NormalizedSource)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tm := f.createTM(t, "persist")

	e := f.addEntry(t, tm.ID, "New game", "新しいゲーム")
	f.syncAndWait(t, tm.ID)

	// 第二个管理器从磁盘快照恢复，不重建
	m2 := New(f.store, task.NewTracker(), config.DefaultConfig().TM, f.dataRoot, nil)
	ids, err := m2.Lookup(ctx, tm.ID, types.GranularityWhole, e.NormalizedSource)
	require.NoError(t, err)
	assert.Equal(t, []int64{e.ID}, ids)

	engine, err := m2.Engine(ctx, tm.ID)
	require.NoError(t, err)
	vecs, err := engine.EmbedBatch(ctx, []string{e.NormalizedSource})
	require.NoError(t, err)
	hits, err := m2.SearchVectors(ctx, tm.ID, types.GranularityWhole, vecs[0], 5, 0.8)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, e.ID, hits[0].ID)
}

func TestCorruptSnapshotFallsBackToExact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tm := f.createTM(t, "corrupt")

	e := f.addEntry(t, tm.ID, "Quit to desktop", "終了")
	f.syncAndWait(t, tm.ID)

	metaPath := filepath.Join(f.dataRoot, "tm", tm.ID, "meta.json")
	require.NoError(t, os.WriteFile(metaPath, []byte("not json"), 0o644))

	m2 := New(f.store, task.NewTracker(), config.DefaultConfig().TM, f.dataRoot, nil)

	// 精确检索立即可用
	ids, err := m2.Lookup(ctx, tm.ID, types.GranularityWhole, e.NormalizedSource)
	require.NoError(t, err)
	assert.Equal(t, []int64{e.ID}, ids)

	// 后台重建完成后向量检索恢复
	engine, err := m2.Engine(ctx, tm.ID)
	require.NoError(t, err)
	vecs, err := engine.EmbedBatch(ctx, []string{e.NormalizedSource})
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		hits, err := m2.SearchVectors(ctx, tm.ID, types.GranularityWhole, vecs[0], 5, 0.8)
		require.NoError(t, err)
		if len(hits) > 0 {
			assert.Equal(t, e.ID, hits[0].ID)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("vector search did not recover after rebuild")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSecondSyncReturnsInFlightHandle(t *testing.T) {
	f := newFixture(t)
	tm := f.createTM(t, "slot")
	f.addEntry(t, tm.ID, "Options", "設定")

	h1, err := f.manager.Sync(context.Background(), tm.ID)
	require.NoError(t, err)
	h2, err := f.manager.Sync(context.Background(), tm.ID)
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), h2.ID())
	waitDone(t, h1)
}

func TestRebuildFromScratch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tm := f.createTM(t, "rebuild")

	var entries []*types.TMEntry
	sources := []string{"Attack", "Defend", "Run away", "Use item"}
	for _, s := range sources {
		e, _, err := f.store.UpsertEntry(ctx, tm.ID, s, "訳:"+s, types.EntryImport, "")
		require.NoError(t, err)
		entries = append(entries, e)
	}

	h, err := f.manager.Rebuild(ctx, tm.ID)
	require.NoError(t, err)
	snap := waitDone(t, h)
	require.Equal(t, task.StatusSucceeded, snap.Status, "rebuild error: %s", snap.Error)

	for _, e := range entries {
		ids, err := f.manager.Lookup(ctx, tm.ID, types.GranularityWhole, normalizer.Normalize(e.Source))
		require.NoError(t, err)
		assert.Contains(t, ids, e.ID)
	}
}

func TestCoalesce(t *testing.T) {
	e := &types.TMEntry{ID: 7, NormalizedSource: "x"}
	ops := []op{
		{kind: opAdd, entryID: 7, entry: e},
		{kind: opAdd, entryID: 8, entry: &types.TMEntry{ID: 8}},
		{kind: opDelete, entryID: 7},
	}
	out := coalesce(ops)
	require.Len(t, out, 2)
	assert.Equal(t, opDelete, out[0].kind)
	assert.EqualValues(t, 7, out[0].entryID)
	assert.EqualValues(t, 8, out[1].entryID)
}
