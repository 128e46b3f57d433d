package tmsearch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/ldm/pkg/config"
	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/task"
	"github.com/kasuganosora/ldm/pkg/tmsync"
	"github.com/kasuganosora/ldm/pkg/types"
)

type fixture struct {
	store    *store.Store
	manager  *tmsync.Manager
	searcher *Searcher
	tm       *types.TM
}

func newFixture(t *testing.T, sources map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	dataRoot := t.TempDir()

	s, err := store.Open(filepath.Join(dataRoot, "ldm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	manager := tmsync.New(s, task.NewTracker(), cfg.TM, dataRoot, nil)

	tm, err := s.CreateTM(ctx, "search", "en", "ja", types.EngineFast)
	require.NoError(t, err)

	for src, dst := range sources {
		e, _, err := s.UpsertEntry(ctx, tm.ID, src, dst, types.EntryImport, "")
		require.NoError(t, err)
		require.NoError(t, manager.EnqueueAdd(ctx, e))
	}
	h, err := manager.Sync(ctx, tm.ID)
	require.NoError(t, err)
	deadline := time.Now().Add(10 * time.Second)
	for h.Snapshot().Running() {
		if time.Now().After(deadline) {
			t.Fatal("sync did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, task.StatusSucceeded, h.Snapshot().Status, h.Snapshot().Error)

	return &fixture{
		store:    s,
		manager:  manager,
		searcher: New(s, manager, cfg.TM, cfg.Search),
		tm:       tm,
	}
}

func TestExactTierStopsAuto(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Save the game":          "セーブ",
		"Save the game progress": "進行をセーブ",
	})

	res, err := f.searcher.Search(context.Background(), f.tm.ID, "Save the game", ModeAuto, 10)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, TierExact, res.Matches[0].Tier)
	assert.EqualValues(t, 1.0, res.Matches[0].Score)
	assert.Equal(t, "セーブ", res.Matches[0].Target)
	assert.False(t, res.Partial)
}

func TestContainsTier(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Save the game": "セーブ",
	})

	// 查询是条目源文的子串
	res, err := f.searcher.Search(context.Background(), f.tm.ID, "Save the", ModeContains, 10)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, TierContains, m.Tier)
	assert.InDelta(t, float64(len("Save the"))/float64(len("Save the game")), float64(m.Score), 1e-6)
	assert.GreaterOrEqual(t, m.Score, float32(0.5))
}

func TestContainsBelowThresholdDropped(t *testing.T) {
	f := newFixture(t, map[string]string{
		"OK": "OK",
	})

	// 2/20 < 0.5：包含但得分不足
	res, err := f.searcher.Search(context.Background(), f.tm.ID, "OK button cancel btn", ModeContains, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}

func TestSemanticTier(t *testing.T) {
	f := newFixture(t, map[string]string{
		"hello world!": "こんにちは世界",
	})

	// 规范形不同但分词一致：语义层满分命中
	res, err := f.searcher.Search(context.Background(), f.tm.ID, "Hello, world", ModeAuto, 10)
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	m := res.Matches[0]
	assert.Equal(t, TierSemantic, m.Tier)
	assert.GreaterOrEqual(t, m.Score, float32(0.8))
}

func TestLineFallback(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Save the game": "セーブ",
	})

	query := "Completely unrelated opening narration line\nSave the game"
	res, err := f.searcher.Search(context.Background(), f.tm.ID, query, ModeAuto, 10)
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, TierExact, res.Matches[0].Tier)
	assert.Equal(t, "セーブ", res.Matches[0].Target)
}

func TestExactBeatsLowerTiers(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Load game":          "ロード",
		"Load game and play": "ロードして遊ぶ",
	})

	res, err := f.searcher.Search(context.Background(), f.tm.ID, "Load game", ModeAuto, 10)
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	// 精确命中永远排在其他层之前
	assert.Equal(t, TierExact, res.Matches[0].Tier)
	for i := 1; i < len(res.Matches); i++ {
		assert.NotEqual(t, TierExact, res.Matches[i].Tier)
	}
}

func TestEmptyTM(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.searcher.Search(context.Background(), f.tm.ID, "anything", ModeAuto, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.False(t, res.Partial)
}

func TestUnknownModeAndTM(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.searcher.Search(context.Background(), f.tm.ID, "q", Mode("fuzzy"), 10)
	assert.Equal(t, types.KindBadFormat, types.KindOf(err))

	_, err = f.searcher.Search(context.Background(), "missing", "q", ModeAuto, 10)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
