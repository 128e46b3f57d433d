// Package tmsync 是翻译记忆索引的同步管理器。
// hashindex与vectorindex的一切变更都经由本包：增量入队、
// 分阶段同步、全量重建。每个TM同一时刻至多一个构建在跑，
// 不同TM的构建受信号量并行上限约束。
package tmsync

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kasuganosora/ldm/pkg/config"
	"github.com/kasuganosora/ldm/pkg/embedding"
	"github.com/kasuganosora/ldm/pkg/hashindex"
	"github.com/kasuganosora/ldm/pkg/normalizer"
	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/task"
	"github.com/kasuganosora/ldm/pkg/types"
	"github.com/kasuganosora/ldm/pkg/vectorindex"
)

// buildTaskKind 同步与重建共用一个任务键，保证每TM单构建槽
const buildTaskKind = "tm_build"

// Notifier 索引状态变化回调，用于向协作总线推送tm_index_state
type Notifier func(status types.TMStatus)

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opDelete
)

// op 入队的索引变更。delete只带entryID
type op struct {
	kind    opKind
	entryID int64
	entry   *types.TMEntry
}

// tmState 单个TM的内存索引与工作队列
type tmState struct {
	mu sync.Mutex

	engine    embedding.Engine
	hashWhole *hashindex.Index
	hashLine  *hashindex.Index
	vecWhole  *vectorindex.Index
	vecLine   *vectorindex.Index

	// 行粒度向量使用合成ID，lineOwner回溯到条目
	lineOwner  map[int64]int64
	entryLines map[int64][]int64
	nextLineID int64

	queue     []op
	buildTask *task.Handle
	// exactOnly 快照损坏后的降级：哈希可用，向量等待重建
	exactOnly bool
}

// Manager TM同步管理器
type Manager struct {
	store    *store.Store
	tracker  *task.Tracker
	cfg      config.TMConfig
	dataRoot string
	notify   Notifier

	sem *semaphore.Weighted

	mu  sync.Mutex
	tms map[string]*tmState
}

// New 创建同步管理器。notify可为nil
func New(st *store.Store, tracker *task.Tracker, cfg config.TMConfig, dataRoot string, notify Notifier) *Manager {
	return &Manager{
		store:    st,
		tracker:  tracker,
		cfg:      cfg,
		dataRoot: dataRoot,
		notify:   notify,
		sem:      semaphore.NewWeighted(int64(cfg.SyncWorkerParallelism)),
		tms:      make(map[string]*tmState),
	}
}

// state 取（必要时装载）TM的内存索引。
// 快照损坏时降级为exact-only并触发后台重建
func (m *Manager) state(ctx context.Context, tmID string) (*tmState, error) {
	m.mu.Lock()
	if st, ok := m.tms[tmID]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	tm, err := m.store.GetTM(ctx, tmID)
	if err != nil {
		return nil, err
	}
	engine, err := embedding.NewEngine(tm.EmbeddingEngine)
	if err != nil {
		return nil, err
	}

	st, loadErr := m.loadSnapshots(tmID, engine)
	if loadErr != nil {
		log.Printf("[TMSync] tm %s snapshot load failed, falling back to exact-only: %v", tmID, loadErr)
		st = newTMState(engine)
		st.exactOnly = true
		if err := m.rebuildHashFromStore(ctx, tmID, st); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if existing, ok := m.tms[tmID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.tms[tmID] = st
	m.mu.Unlock()

	if st.exactOnly && types.IsKind(loadErr, types.KindIndexCorrupt) {
		// 损坏的索引丢弃重建，期间精确检索仍然可用
		go func() {
			if _, err := m.Rebuild(context.Background(), tmID); err != nil {
				log.Printf("[TMSync] tm %s corrupt-recovery rebuild failed: %v", tmID, err)
			}
		}()
	}
	return st, nil
}

func newTMState(engine embedding.Engine) *tmState {
	vw, _ := vectorindex.New(engine.Dimension())
	vl, _ := vectorindex.New(engine.Dimension())
	return &tmState{
		engine:     engine,
		hashWhole:  hashindex.New(),
		hashLine:   hashindex.New(),
		vecWhole:   vw,
		vecLine:    vl,
		lineOwner:  make(map[int64]int64),
		entryLines: make(map[int64][]int64),
		nextLineID: 1,
	}
}

// rebuildHashFromStore 从行存储重建哈希索引（向量留给后台重建）
func (m *Manager) rebuildHashFromStore(ctx context.Context, tmID string, st *tmState) error {
	var afterID int64
	for {
		entries, err := m.store.ListEntriesPage(ctx, tmID, afterID, 1000)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			st.hashWhole.Add(e.ID, e.NormalizedSource)
			st.hashLine.Add(e.ID, normalizer.SplitLines(e.NormalizedSource)...)
			afterID = e.ID
		}
	}
}

// EnqueueAdd 追加新增条目的索引变更
func (m *Manager) EnqueueAdd(ctx context.Context, entry *types.TMEntry) error {
	return m.enqueue(ctx, entry.TMID, op{kind: opAdd, entryID: entry.ID, entry: entry})
}

// EnqueueUpdate 追加条目更新的索引变更
func (m *Manager) EnqueueUpdate(ctx context.Context, entry *types.TMEntry) error {
	return m.enqueue(ctx, entry.TMID, op{kind: opUpdate, entryID: entry.ID, entry: entry})
}

// EnqueueDelete 追加条目删除的索引变更
func (m *Manager) EnqueueDelete(ctx context.Context, tmID string, entryID int64) error {
	return m.enqueue(ctx, tmID, op{kind: opDelete, entryID: entryID})
}

func (m *Manager) enqueue(ctx context.Context, tmID string, o op) error {
	st, err := m.state(ctx, tmID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.queue = append(st.queue, o)
	st.mu.Unlock()

	if err := m.store.AdjustStaleCount(ctx, tmID, 1); err != nil {
		return err
	}
	m.publishState(ctx, tmID)
	return nil
}

// Sync 排空工作队列并落盘。构建在跑时返回在跑的进度句柄。
// 陈旧比例超过阈值时升级为全量重建
func (m *Manager) Sync(ctx context.Context, tmID string) (*task.Handle, error) {
	st, err := m.state(ctx, tmID)
	if err != nil {
		return nil, err
	}

	tm, err := m.store.GetTM(ctx, tmID)
	if err != nil {
		return nil, err
	}
	total, err := m.store.EntryCount(ctx, tmID)
	if err != nil {
		return nil, err
	}
	if total > 0 && float64(tm.StaleCount) > m.cfg.RebuildStaleRatio*float64(total) {
		return m.Rebuild(ctx, tmID)
	}

	handle, created := m.tracker.Start(context.Background(), buildTaskKind, tmID)
	if !created {
		return handle, nil
	}
	m.setBuildTask(st, handle)

	go m.runSync(handle, st, tmID)
	return handle, nil
}

// Rebuild 丢弃TM的全部索引并从行存储四阶段重建
func (m *Manager) Rebuild(ctx context.Context, tmID string) (*task.Handle, error) {
	st, err := m.state(ctx, tmID)
	if err != nil {
		return nil, err
	}

	handle, created := m.tracker.Start(context.Background(), buildTaskKind, tmID)
	if !created {
		return handle, nil
	}
	m.setBuildTask(st, handle)

	go m.runRebuild(handle, st, tmID)
	return handle, nil
}

func (m *Manager) setBuildTask(st *tmState, handle *task.Handle) {
	st.mu.Lock()
	st.buildTask = handle
	st.mu.Unlock()
}

// CancelBuild 请求取消在跑的构建
func (m *Manager) CancelBuild(tmID string) bool {
	return m.tracker.Cancel(buildTaskKind, tmID)
}

// runSync 增量同步：prepare → embed → index → persist
func (m *Manager) runSync(handle *task.Handle, st *tmState, tmID string) {
	ctx := handle.Context()
	err := func() error {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return types.Wrap(types.KindCancelled, err, "acquire build slot")
		}
		defer m.sem.Release(1)

		handle.SetStage("prepare")
		st.mu.Lock()
		pending := st.queue
		st.queue = nil
		st.mu.Unlock()
		ops := coalesce(pending)

		vectors, lineVecs, err := m.embedStage(ctx, handle, st, ops)
		if err != nil {
			// 失败构建不落盘，队列放回等待下一次
			st.mu.Lock()
			st.queue = append(pending, st.queue...)
			st.mu.Unlock()
			return err
		}

		handle.SetStage("index")
		st.mu.Lock()
		for _, o := range ops {
			applyOp(st, o, vectors, lineVecs)
		}
		st.mu.Unlock()

		handle.SetStage("persist")
		if err := m.persist(ctx, tmID, st); err != nil {
			return err
		}

		st.mu.Lock()
		remaining := int64(len(st.queue))
		st.exactOnly = false
		st.mu.Unlock()
		if err := m.store.SetStaleCount(ctx, tmID, remaining); err != nil {
			return err
		}
		return m.store.TouchLastSync(ctx, tmID, time.Now())
	}()

	handle.Finish(err)
	m.clearBuildTask(st, handle)
	m.publishState(context.Background(), tmID)
	if err != nil {
		log.Printf("[TMSync] tm %s sync failed: %v", tmID, err)
	}
}

// runRebuild 全量重建：prepare → embed → index → persist
func (m *Manager) runRebuild(handle *task.Handle, st *tmState, tmID string) {
	ctx := handle.Context()
	err := func() error {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return types.Wrap(types.KindCancelled, err, "acquire build slot")
		}
		defer m.sem.Release(1)

		handle.SetStage("prepare")
		var entries []*types.TMEntry
		var afterID int64
		for {
			if err := ctx.Err(); err != nil {
				return types.Wrap(types.KindCancelled, err, "rebuild cancelled")
			}
			page, err := m.store.ListEntriesPage(ctx, tmID, afterID, 1000)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				break
			}
			entries = append(entries, page...)
			afterID = page[len(page)-1].ID
		}

		// 重建期间的入队已被全量覆盖
		st.mu.Lock()
		st.queue = nil
		st.mu.Unlock()

		tm, err := m.store.GetTM(ctx, tmID)
		if err != nil {
			return err
		}
		engine, err := embedding.NewEngine(tm.EmbeddingEngine)
		if err != nil {
			return err
		}
		fresh := newTMState(engine)

		ops := make([]op, len(entries))
		for i, e := range entries {
			ops[i] = op{kind: opAdd, entryID: e.ID, entry: e}
		}
		vectors, lineVecs, err := m.embedStage(ctx, handle, fresh, ops)
		if err != nil {
			return err
		}

		handle.SetStage("index")
		for i, o := range ops {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return types.Wrap(types.KindCancelled, err, "rebuild cancelled")
				}
			}
			applyOp(fresh, o, vectors, lineVecs)
		}

		handle.SetStage("persist")
		if err := m.persist(ctx, tmID, fresh); err != nil {
			return err
		}

		// 原子切换内存索引，搬运重建期间新入队的变更
		st.mu.Lock()
		st.engine = fresh.engine
		st.hashWhole = fresh.hashWhole
		st.hashLine = fresh.hashLine
		st.vecWhole = fresh.vecWhole
		st.vecLine = fresh.vecLine
		st.lineOwner = fresh.lineOwner
		st.entryLines = fresh.entryLines
		st.nextLineID = fresh.nextLineID
		st.exactOnly = false
		remaining := int64(len(st.queue))
		st.mu.Unlock()

		if err := m.store.SetStaleCount(ctx, tmID, remaining); err != nil {
			return err
		}
		return m.store.TouchLastSync(ctx, tmID, time.Now())
	}()

	handle.Finish(err)
	m.clearBuildTask(st, handle)
	m.publishState(context.Background(), tmID)
	if err != nil {
		log.Printf("[TMSync] tm %s rebuild failed: %v", tmID, err)
	}
}

func (m *Manager) clearBuildTask(st *tmState, handle *task.Handle) {
	st.mu.Lock()
	if st.buildTask == handle {
		st.buildTask = nil
	}
	st.mu.Unlock()
}

// embedStage 批量嵌入待索引文本。
// 单条嵌入失败记录index_error并跳过向量，不影响整批
func (m *Manager) embedStage(ctx context.Context, handle *task.Handle, st *tmState, ops []op) (map[int64][]float32, map[int64][][]float32, error) {
	handle.SetStage("embed")

	type job struct {
		entryID int64
		line    string // 空串表示整条
		text    string
	}
	var jobs []job
	for _, o := range ops {
		if o.kind == opDelete {
			continue
		}
		jobs = append(jobs, job{entryID: o.entryID, text: o.entry.NormalizedSource})
		for _, line := range normalizer.SplitLines(o.entry.NormalizedSource) {
			jobs = append(jobs, job{entryID: o.entryID, line: line, text: line})
		}
	}

	vectors := make(map[int64][]float32)
	lineVecs := make(map[int64][][]float32)
	batch := m.cfg.EmbeddingBatch
	if batch < 1 {
		batch = 128
	}

	for start := 0; start < len(jobs); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, types.Wrap(types.KindCancelled, err, "embed cancelled")
		}
		end := start + batch
		if end > len(jobs) {
			end = len(jobs)
		}

		texts := make([]string, 0, end-start)
		for _, j := range jobs[start:end] {
			texts = append(texts, j.text)
		}
		matrix, err := st.engine.EmbedBatch(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, types.Wrap(types.KindCancelled, err, "embed cancelled")
			}
			// 整批失败退化为逐条，隔离坏条目
			for _, j := range jobs[start:end] {
				one, oneErr := st.engine.EmbedBatch(ctx, []string{j.text})
				if oneErr != nil {
					log.Printf("[TMSync] entry %d embed failed: %v", j.entryID, oneErr)
					_ = m.store.SetEntryIndexError(ctx, j.entryID, oneErr.Error())
					continue
				}
				if j.line == "" {
					vectors[j.entryID] = one[0]
				} else {
					lineVecs[j.entryID] = append(lineVecs[j.entryID], one[0])
				}
			}
		} else {
			for i, j := range jobs[start:end] {
				if j.line == "" {
					vectors[j.entryID] = matrix[i]
				} else {
					lineVecs[j.entryID] = append(lineVecs[j.entryID], matrix[i])
				}
			}
		}
		handle.Report(int64(end), int64(len(jobs)))
	}
	return vectors, lineVecs, nil
}

// applyOp 把一条变更落到内存索引，调用方持有st.mu
func applyOp(st *tmState, o op, vectors map[int64][]float32, lineVecs map[int64][][]float32) {
	// add也先清旧值，使add/update幂等
	st.hashWhole.Remove(o.entryID)
	st.hashLine.Remove(o.entryID)
	st.vecWhole.Remove(o.entryID)
	for _, lineID := range st.entryLines[o.entryID] {
		st.vecLine.Remove(lineID)
		delete(st.lineOwner, lineID)
	}
	delete(st.entryLines, o.entryID)

	if o.kind == opDelete {
		return
	}

	st.hashWhole.Add(o.entryID, o.entry.NormalizedSource)
	st.hashLine.Add(o.entryID, normalizer.SplitLines(o.entry.NormalizedSource)...)

	if vec, ok := vectors[o.entryID]; ok {
		_ = st.vecWhole.Add(o.entryID, vec)
	}
	for _, vec := range lineVecs[o.entryID] {
		lineID := st.nextLineID
		st.nextLineID++
		_ = st.vecLine.Add(lineID, vec)
		st.lineOwner[lineID] = o.entryID
		st.entryLines[o.entryID] = append(st.entryLines[o.entryID], lineID)
	}
}

// coalesce 按条目归并队列，同条目后到的变更覆盖先到的。
// 保持首次出现的相对顺序
func coalesce(ops []op) []op {
	last := make(map[int64]op, len(ops))
	order := make([]int64, 0, len(ops))
	for _, o := range ops {
		if _, seen := last[o.entryID]; !seen {
			order = append(order, o.entryID)
		}
		last[o.entryID] = o
	}
	out := make([]op, 0, len(order))
	for _, id := range order {
		out = append(out, last[id])
	}
	return out
}

// Status TM索引状态
func (m *Manager) Status(ctx context.Context, tmID string) (*types.TMStatus, error) {
	tm, err := m.store.GetTM(ctx, tmID)
	if err != nil {
		return nil, err
	}
	_, building := m.tracker.Get(buildTaskKind, tmID)
	return &types.TMStatus{
		TMID:       tmID,
		StaleCount: tm.StaleCount,
		Building:   building,
		LastSyncAt: tm.LastSyncAt,
	}, nil
}

func (m *Manager) publishState(ctx context.Context, tmID string) {
	if m.notify == nil {
		return
	}
	status, err := m.Status(ctx, tmID)
	if err != nil {
		return
	}
	m.notify(*status)
}

// Engine TM当前的嵌入引擎
func (m *Manager) Engine(ctx context.Context, tmID string) (embedding.Engine, error) {
	st, err := m.state(ctx, tmID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.engine, nil
}

// Lookup 哈希索引精确查找
func (m *Manager) Lookup(ctx context.Context, tmID string, g types.Granularity, key string) ([]int64, error) {
	st, err := m.state(ctx, tmID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if g == types.GranularityLine {
		return st.hashLine.Lookup(key), nil
	}
	return st.hashWhole.Lookup(key), nil
}

// RangeKeys 遍历哈希索引键，供包含匹配层扫描
func (m *Manager) RangeKeys(ctx context.Context, tmID string, g types.Granularity, fn func(key string, ids []int64) bool) error {
	st, err := m.state(ctx, tmID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if g == types.GranularityLine {
		st.hashLine.Range(fn)
	} else {
		st.hashWhole.Range(fn)
	}
	return nil
}

// SearchVectors 向量检索，行粒度命中折算回条目ID并按最高分聚合
func (m *Manager) SearchVectors(ctx context.Context, tmID string, g types.Granularity, query []float32, k int, floor float32) ([]vectorindex.Hit, error) {
	st, err := m.state(ctx, tmID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exactOnly {
		return nil, nil
	}

	if g != types.GranularityLine {
		return st.vecWhole.Search(query, k, floor)
	}

	// 行命中可能多行指向同一条目，取每条目最高分
	raw, err := st.vecLine.Search(query, k*4, floor)
	if err != nil {
		return nil, err
	}
	best := make(map[int64]float32)
	order := make([]int64, 0, len(raw))
	for _, h := range raw {
		entryID, ok := st.lineOwner[h.ID]
		if !ok {
			continue
		}
		if score, seen := best[entryID]; !seen || h.Score > score {
			if !seen {
				order = append(order, entryID)
			}
			best[entryID] = h.Score
		}
	}
	out := make([]vectorindex.Hit, 0, len(order))
	for _, id := range order {
		out = append(out, vectorindex.Hit{ID: id, Score: best[id]})
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Forget 丢弃TM的内存索引（删除TM后调用）
func (m *Manager) Forget(tmID string) {
	m.mu.Lock()
	delete(m.tms, tmID)
	m.mu.Unlock()
}
