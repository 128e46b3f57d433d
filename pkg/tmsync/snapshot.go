package tmsync

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/kasuganosora/ldm/pkg/embedding"
	"github.com/kasuganosora/ldm/pkg/hashindex"
	"github.com/kasuganosora/ldm/pkg/types"
	"github.com/kasuganosora/ldm/pkg/vectorindex"
)

// 每TM的落盘布局：
//   <data-root>/tm/<tm_id>/meta.json
//   <data-root>/tm/<tm_id>/hash/{whole,line}.bin
//   <data-root>/tm/<tm_id>/vector/{whole,line}.idx
//   <data-root>/tm/<tm_id>/embeddings/mapping.bin
// 原始向量并入.idx快照，mapping.bin只存行粒度合成ID表

// tmMeta 快照元信息，引擎或维度对不上即视为损坏
type tmMeta struct {
	TMID        string           `json:"tm_id"`
	Engine      types.EngineKind `json:"engine"`
	Dimension   int              `json:"dimension"`
	WholeCount  int              `json:"whole_count"`
	LineCount   int              `json:"line_count"`
	NextLineID  int64            `json:"next_line_id"`
	PersistedAt time.Time        `json:"persisted_at"`
}

// mappingModel 行粒度合成向量ID到条目ID的映射
type mappingModel struct {
	NextLineID int64
	LineOwner  map[int64]int64
}

func (m *Manager) tmDir(tmID string) string {
	return filepath.Join(m.dataRoot, "tm", tmID)
}

// loadSnapshots 从磁盘恢复TM索引。
// 无快照返回空索引；快照存在但读不回来返回IndexCorrupt
func (m *Manager) loadSnapshots(tmID string, engine embedding.Engine) (*tmState, error) {
	dir := m.tmDir(tmID)
	metaPath := filepath.Join(dir, "meta.json")

	metaRaw, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return newTMState(engine), nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindIndexCorrupt, err, "read tm %s meta", tmID)
	}

	var meta tmMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, types.Wrap(types.KindIndexCorrupt, err, "decode tm %s meta", tmID)
	}
	if meta.Engine != engine.Name() || meta.Dimension != engine.Dimension() {
		return nil, types.E(types.KindIndexCorrupt,
			"tm %s snapshot built with engine %s/%d, want %s/%d",
			tmID, meta.Engine, meta.Dimension, engine.Name(), engine.Dimension())
	}

	st := newTMState(engine)
	st.nextLineID = meta.NextLineID
	if st.nextLineID < 1 {
		st.nextLineID = 1
	}

	load := func(rel string, fn func(data []byte) error) error {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return types.Wrap(types.KindIndexCorrupt, err, "read tm %s %s", tmID, rel)
		}
		return fn(data)
	}

	if err := load(filepath.Join("hash", "whole.bin"), func(data []byte) error {
		idx, err := hashindex.Load(data)
		if err != nil {
			return types.Wrap(types.KindIndexCorrupt, err, "tm %s hash/whole", tmID)
		}
		st.hashWhole = idx
		return nil
	}); err != nil {
		return nil, err
	}
	if err := load(filepath.Join("hash", "line.bin"), func(data []byte) error {
		idx, err := hashindex.Load(data)
		if err != nil {
			return types.Wrap(types.KindIndexCorrupt, err, "tm %s hash/line", tmID)
		}
		st.hashLine = idx
		return nil
	}); err != nil {
		return nil, err
	}
	if err := load(filepath.Join("vector", "whole.idx"), func(data []byte) error {
		idx, err := vectorindex.Load(data)
		if err != nil {
			return types.Wrap(types.KindIndexCorrupt, err, "tm %s vector/whole", tmID)
		}
		if idx.Dimension() != engine.Dimension() {
			return types.E(types.KindIndexCorrupt, "tm %s vector/whole dimension %d, want %d",
				tmID, idx.Dimension(), engine.Dimension())
		}
		st.vecWhole = idx
		return nil
	}); err != nil {
		return nil, err
	}
	if err := load(filepath.Join("vector", "line.idx"), func(data []byte) error {
		idx, err := vectorindex.Load(data)
		if err != nil {
			return types.Wrap(types.KindIndexCorrupt, err, "tm %s vector/line", tmID)
		}
		st.vecLine = idx
		return nil
	}); err != nil {
		return nil, err
	}
	if err := load(filepath.Join("embeddings", "mapping.bin"), func(data []byte) error {
		var model mappingModel
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&model); err != nil {
			return types.Wrap(types.KindIndexCorrupt, err, "tm %s mapping", tmID)
		}
		st.lineOwner = model.LineOwner
		if st.lineOwner == nil {
			st.lineOwner = make(map[int64]int64)
		}
		if model.NextLineID > st.nextLineID {
			st.nextLineID = model.NextLineID
		}
		for lineID, entryID := range st.lineOwner {
			st.entryLines[entryID] = append(st.entryLines[entryID], lineID)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return st, nil
}

// persist 原子落盘全部快照。失败时磁盘上保留上一次的完整快照
func (m *Manager) persist(ctx context.Context, tmID string, st *tmState) error {
	if err := ctx.Err(); err != nil {
		return types.Wrap(types.KindCancelled, err, "persist cancelled")
	}

	dir := m.tmDir(tmID)
	for _, sub := range []string{"hash", "vector", "embeddings"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return types.Wrap(types.KindUnavailable, err, "create tm dir")
		}
	}

	st.mu.Lock()
	model := mappingModel{
		NextLineID: st.nextLineID,
		LineOwner:  make(map[int64]int64, len(st.lineOwner)),
	}
	for k, v := range st.lineOwner {
		model.LineOwner[k] = v
	}
	engine := st.engine
	hashWhole, hashLine := st.hashWhole, st.hashLine
	vecWhole, vecLine := st.vecWhole, st.vecLine
	st.mu.Unlock()

	write := func(rel string, data []byte) error {
		if err := atomic.WriteFile(filepath.Join(dir, rel), bytes.NewReader(data)); err != nil {
			return types.Wrap(types.KindUnavailable, err, "write tm %s %s", tmID, rel)
		}
		return nil
	}

	data, err := hashWhole.Snapshot()
	if err != nil {
		return types.Wrap(types.KindInternal, err, "snapshot hash/whole")
	}
	if err := write(filepath.Join("hash", "whole.bin"), data); err != nil {
		return err
	}

	data, err = hashLine.Snapshot()
	if err != nil {
		return types.Wrap(types.KindInternal, err, "snapshot hash/line")
	}
	if err := write(filepath.Join("hash", "line.bin"), data); err != nil {
		return err
	}

	data, err = vecWhole.Snapshot()
	if err != nil {
		return types.Wrap(types.KindInternal, err, "snapshot vector/whole")
	}
	if err := write(filepath.Join("vector", "whole.idx"), data); err != nil {
		return err
	}

	data, err = vecLine.Snapshot()
	if err != nil {
		return types.Wrap(types.KindInternal, err, "snapshot vector/line")
	}
	if err := write(filepath.Join("vector", "line.idx"), data); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(model); err != nil {
		return types.Wrap(types.KindInternal, err, "encode mapping")
	}
	if err := write(filepath.Join("embeddings", "mapping.bin"), buf.Bytes()); err != nil {
		return err
	}

	meta := tmMeta{
		TMID:        tmID,
		Engine:      engine.Name(),
		Dimension:   engine.Dimension(),
		WholeCount:  vecWhole.Len(),
		LineCount:   vecLine.Len(),
		NextLineID:  model.NextLineID,
		PersistedAt: time.Now(),
	}
	metaRaw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return types.Wrap(types.KindInternal, err, "encode meta")
	}
	// meta最后写：没有meta就当无快照，避免读到半套文件
	return write("meta.json", metaRaw)
}

// DropSnapshots 删除TM的磁盘快照（删除TM时调用）
func (m *Manager) DropSnapshots(tmID string) error {
	return os.RemoveAll(m.tmDir(tmID))
}
