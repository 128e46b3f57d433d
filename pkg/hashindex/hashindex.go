// Package hashindex 提供TM精确匹配索引：规范形 → 条目ID集合。
// 每个TM每种粒度各持有一个实例，整粒度每条目一个键，
// 行粒度按换行字面量切分后每个非空行一个键并回指父条目。
package hashindex

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
)

// Index 精确匹配索引
type Index struct {
	mu      sync.RWMutex
	keys    map[string][]int64
	byEntry map[int64][]string
}

// New 创建空索引
func New() *Index {
	return &Index{
		keys:    make(map[string][]int64),
		byEntry: make(map[int64][]string),
	}
}

// Add 为条目登记一个或多个键。重复登记同一(条目,键)为无操作
func (idx *Index) Add(entryID int64, keys ...string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, key := range keys {
		if key == "" {
			continue
		}
		if containsID(idx.keys[key], entryID) {
			continue
		}
		idx.keys[key] = append(idx.keys[key], entryID)
		idx.byEntry[entryID] = append(idx.byEntry[entryID], key)
	}
}

// Remove 移除条目的全部键
func (idx *Index) Remove(entryID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, key := range idx.byEntry[entryID] {
		ids := idx.keys[key]
		out := ids[:0]
		for _, id := range ids {
			if id != entryID {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			delete(idx.keys, key)
		} else {
			idx.keys[key] = out
		}
	}
	delete(idx.byEntry, entryID)
}

// Lookup 精确查找，返回条目ID副本
func (idx *Index) Lookup(key string) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := idx.keys[key]
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

// Range 遍历全部键。fn返回false时提前终止。
// 遍历在读锁下进行，fn不得回调本索引的写操作
func (idx *Index) Range(fn func(key string, ids []int64) bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for key, ids := range idx.keys {
		if !fn(key, ids) {
			return
		}
	}
}

// Len 键数量
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}

// EntryCount 已索引条目数量
func (idx *Index) EntryCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byEntry)
}

// Clear 清空索引
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.keys = make(map[string][]int64)
	idx.byEntry = make(map[int64][]string)
}

// snapshotModel 落盘模型。byEntry可由keys重建，不落盘
type snapshotModel struct {
	Keys map[string][]int64
}

// Snapshot 序列化为不透明快照
func (idx *Index) Snapshot() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshotModel{Keys: idx.keys}); err != nil {
		return nil, fmt.Errorf("encode hash index snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Load 从快照恢复索引
func Load(data []byte) (*Index, error) {
	var model snapshotModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&model); err != nil {
		return nil, fmt.Errorf("decode hash index snapshot: %w", err)
	}

	idx := New()
	if model.Keys != nil {
		idx.keys = model.Keys
	}
	for key, ids := range idx.keys {
		for _, id := range ids {
			idx.byEntry[id] = append(idx.byEntry[id], key)
		}
	}
	// 重建顺序与落盘顺序无关，排序保证可重复性
	for id := range idx.byEntry {
		sort.Strings(idx.byEntry[id])
	}
	return idx, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
