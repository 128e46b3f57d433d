package offline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/types"
)

type fixture struct {
	central *store.Store
	replica *Replica
	project *types.Project
	file    *types.File
	rows    []*types.Row
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	central, err := store.Open(filepath.Join(t.TempDir(), "central.db"))
	require.NoError(t, err)
	t.Cleanup(func() { central.Close() })

	p, err := central.CreateProject(ctx, "game", "alice")
	require.NoError(t, err)
	f, err := central.ImportFile(ctx, store.ImportRequest{
		ProjectID: p.ID,
		Name:      "ui.tsv",
		Format:    types.FormatTSV,
		Data: []byte("u\t1\t\t\t\tSave\t\n" +
			"u\t2\t\t\t\tLoad\tロード\n"),
	})
	require.NoError(t, err)
	rows, _, err := central.GetRows(ctx, store.RowQuery{FileID: f.ID})
	require.NoError(t, err)

	replica, err := Open(t.TempDir(), "alice")
	require.NoError(t, err)
	t.Cleanup(func() { replica.Close() })

	require.NoError(t, replica.Pull(ctx, central, types.OfflineSubscription{
		EntityType: types.SubscribeProject,
		EntityID:   p.ID,
		User:       "alice",
	}))

	return &fixture{central: central, replica: replica, project: p, file: f, rows: rows}
}

func TestOpenIsExclusive(t *testing.T) {
	root := t.TempDir()
	r1, err := Open(root, "alice")
	require.NoError(t, err)
	defer r1.Close()

	_, err = Open(root, "alice")
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	// 其他用户的副本互不影响
	r2, err := Open(root, "bob")
	require.NoError(t, err)
	r2.Close()
}

func TestPullMirrorsSubset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local, _, err := f.replica.Store().GetRows(ctx, store.RowQuery{FileID: f.file.ID})
	require.NoError(t, err)
	require.Len(t, local, 2)
	assert.Equal(t, "Save", local[0].Source)
	assert.Equal(t, f.rows[0].Version, local[0].Version)

	// 再拉取是幂等覆盖
	require.NoError(t, f.replica.Pull(ctx, f.central, types.OfflineSubscription{
		EntityType: types.SubscribeProject,
		EntityID:   f.project.ID,
	}))
	local, _, err = f.replica.Store().GetRows(ctx, store.RowQuery{FileID: f.file.ID})
	require.NoError(t, err)
	assert.Len(t, local, 2)
}

func TestReconcileAppliesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.rows[0]

	_, err := f.replica.CommitLocal(ctx, row.ID, "セーブ", types.StatusPending, row.Version)
	require.NoError(t, err)
	_, err = f.replica.CommitLocal(ctx, row.ID, "セーブする", types.StatusPending, row.Version+1)
	require.NoError(t, err)

	pending, err := f.replica.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	report, err := f.replica.Reconcile(ctx, f.central, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 0, report.Parked)

	central, err := f.central.GetRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "セーブする", central.Target)

	pending, err = f.replica.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConflictParksMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.rows[0]

	// 中心端先被别人改掉
	_, err := f.central.CommitTarget(ctx, row.ID, "別訳", types.StatusPending, "bob", row.Version)
	require.NoError(t, err)

	_, err = f.replica.CommitLocal(ctx, row.ID, "セーブ", types.StatusPending, row.Version)
	require.NoError(t, err)

	report, err := f.replica.Reconcile(ctx, f.central, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Parked)

	parked, err := f.replica.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.NotEmpty(t, parked[0].ParkReason)

	// 中心译文不被覆盖
	central, err := f.central.GetRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "別訳", central.Target)
}

func TestResolveParkedKeepLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.rows[0]

	_, err := f.central.CommitTarget(ctx, row.ID, "別訳", types.StatusPending, "bob", row.Version)
	require.NoError(t, err)
	_, err = f.replica.CommitLocal(ctx, row.ID, "セーブ", types.StatusPending, row.Version)
	require.NoError(t, err)

	_, err = f.replica.Reconcile(ctx, f.central, time.Second)
	require.NoError(t, err)
	parked, err := f.replica.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)

	// 保留本地值：按中心当前版本重新入队后回放成功
	require.NoError(t, f.replica.ResolveParked(ctx, f.central, parked[0].Seq, true))
	report, err := f.replica.Reconcile(ctx, f.central, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	central, err := f.central.GetRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "セーブ", central.Target)
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.rows[0]

	m := Mutation{
		Kind:            MutationCommit,
		RowID:           row.ID,
		Target:          "セーブ",
		Status:          types.StatusPending,
		ExpectedVersion: row.Version,
	}
	_, err := f.replica.Append(ctx, m)
	require.NoError(t, err)
	_, err = f.replica.Reconcile(ctx, f.central, time.Second)
	require.NoError(t, err)

	// 中心已一致时重放同一条变更是no-op
	_, err = f.replica.Append(ctx, m)
	require.NoError(t, err)
	report, err := f.replica.Reconcile(ctx, f.central, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 0, report.Parked)

	central, err := f.central.GetRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "セーブ", central.Target)
}

func TestTMUpsertReplayDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tm, err := f.central.CreateTM(ctx, "shared", "en", "ja", types.EngineFast)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.replica.Append(ctx, Mutation{
			Kind:     MutationTMUpsert,
			TMID:     tm.ID,
			Source:   "Save",
			Target:   "セーブ",
			EntrySrc: types.EntryReview,
		})
		require.NoError(t, err)
	}

	report, err := f.replica.Reconcile(ctx, f.central, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	n, err := f.central.EntryCount(ctx, tm.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

// flakyCentral 前failures次调用返回Unavailable
type flakyCentral struct {
	inner    *store.Store
	failures int
	calls    int
}

func (f *flakyCentral) CommitTarget(ctx context.Context, rowID int64, target string, status types.RowStatus, user string, expectedVersion int64) (*types.Row, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, types.E(types.KindUnavailable, "central warming up")
	}
	return f.inner.CommitTarget(ctx, rowID, target, status, user, expectedVersion)
}

func (f *flakyCentral) UpsertEntry(ctx context.Context, tmID, source, target string, sourceType types.EntrySourceType, createdBy string) (*types.TMEntry, bool, error) {
	return f.inner.UpsertEntry(ctx, tmID, source, target, sourceType, createdBy)
}

func TestReconcileRetriesUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.rows[0]

	_, err := f.replica.CommitLocal(ctx, row.ID, "セーブ", types.StatusPending, row.Version)
	require.NoError(t, err)

	central := &flakyCentral{inner: f.central, failures: 2}
	report, err := f.replica.Reconcile(ctx, central, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Greater(t, central.calls, 2)
}

func TestOnlineFlag(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.replica.Online())
	f.replica.SetOnline(true)
	assert.True(t, f.replica.Online())
}
