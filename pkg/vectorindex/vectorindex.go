// Package vectorindex 提供单位向量的最近邻索引。
// 实现为每TM分片的精确暴力搜索：条目按TM切分后单片规模有限，
// 内积逐一计算即满足吞吐要求，且增量增删为O(1)。
// 分数为内积，取值[-1,1]，只返回不低于阈值的结果。
package vectorindex

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
)

// Hit 搜索命中
type Hit struct {
	ID    int64
	Score float32
}

// Index 向量索引
type Index struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[int64][]float32
}

// New 创建指定维度的空索引
func New(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid vector dimension: %d", dimension)
	}
	return &Index{
		dimension: dimension,
		vectors:   make(map[int64][]float32),
	}, nil
}

// Dimension 向量维度
func (idx *Index) Dimension() int {
	return idx.dimension
}

// Add 插入或覆盖向量
func (idx *Index) Add(id int64, vector []float32) error {
	if len(vector) != idx.dimension {
		return fmt.Errorf("vector dimension mismatch: expected %d, got %d", idx.dimension, len(vector))
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	vec := make([]float32, len(vector))
	copy(vec, vector)
	idx.vectors[id] = vec
	return nil
}

// Remove 删除向量。不存在为无操作
func (idx *Index) Remove(id int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, id)
}

// Search 返回内积不低于floor的前k个向量，
// 按分数降序、ID升序排列
func (idx *Index) Search(query []float32, k int, floor float32) ([]Hit, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", idx.dimension, len(query))
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]Hit, 0, k)
	for id, vec := range idx.vectors {
		score := dot(query, vec)
		if score < floor {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len 向量数量
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Clear 清空索引
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors = make(map[int64][]float32)
}

// snapshotModel 落盘模型
type snapshotModel struct {
	Dimension int
	Vectors   map[int64][]float32
}

// Snapshot 序列化为不透明快照
func (idx *Index) Snapshot() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var buf bytes.Buffer
	model := snapshotModel{Dimension: idx.dimension, Vectors: idx.vectors}
	if err := gob.NewEncoder(&buf).Encode(model); err != nil {
		return nil, fmt.Errorf("encode vector index snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Load 从快照恢复索引
func Load(data []byte) (*Index, error) {
	var model snapshotModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&model); err != nil {
		return nil, fmt.Errorf("decode vector index snapshot: %w", err)
	}
	if model.Dimension <= 0 {
		return nil, fmt.Errorf("vector index snapshot has invalid dimension: %d", model.Dimension)
	}

	idx, err := New(model.Dimension)
	if err != nil {
		return nil, err
	}
	if model.Vectors != nil {
		for id, vec := range model.Vectors {
			if len(vec) != model.Dimension {
				return nil, fmt.Errorf("vector %d has dimension %d, index expects %d", id, len(vec), model.Dimension)
			}
		}
		idx.vectors = model.Vectors
	}
	return idx, nil
}

// dot 内积
func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
