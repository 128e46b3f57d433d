package vectorindex

import (
	"math"
	"testing"
)

// unit 构造单位向量
func unit(dim int, fill func(i int) float32) []float32 {
	v := make([]float32, dim)
	var sum float64
	for i := range v {
		v[i] = fill(i)
		sum += float64(v[i]) * float64(v[i])
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// TestNew 测试创建
func TestNew(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		idx, err := New(8)
		if err != nil || idx == nil {
			t.Fatalf("New failed: %v", err)
		}
		if idx.Dimension() != 8 {
			t.Errorf("expected dimension 8, got %d", idx.Dimension())
		}
	})

	t.Run("invalid_dimension", func(t *testing.T) {
		if _, err := New(0); err == nil {
			t.Error("New should fail with dimension 0")
		}
	})
}

// TestAddSearch 测试插入与搜索
func TestAddSearch(t *testing.T) {
	idx, _ := New(4)

	a := unit(4, func(i int) float32 { return float32(i + 1) })
	b := unit(4, func(i int) float32 { return float32(4 - i) })

	if err := idx.Add(1, a); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Add(2, b); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	t.Run("exact_match_scores_one", func(t *testing.T) {
		hits, err := idx.Search(a, 10, 0.9)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != 1 {
			t.Fatalf("expected single hit for id 1, got %v", hits)
		}
		if math.Abs(float64(hits[0].Score)-1.0) > 1e-5 {
			t.Errorf("expected score 1.0, got %f", hits[0].Score)
		}
	})

	t.Run("floor_filters", func(t *testing.T) {
		hits, err := idx.Search(a, 10, -1)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected both hits with floor -1, got %v", hits)
		}
		// 降序
		if hits[0].Score < hits[1].Score {
			t.Errorf("hits not sorted by score desc: %v", hits)
		}
	})

	t.Run("k_truncates", func(t *testing.T) {
		hits, _ := idx.Search(a, 1, -1)
		if len(hits) != 1 {
			t.Errorf("expected 1 hit, got %d", len(hits))
		}
	})

	t.Run("dimension_mismatch", func(t *testing.T) {
		if _, err := idx.Search([]float32{1, 0}, 5, 0); err == nil {
			t.Error("Search should fail with wrong dimension")
		}
		if err := idx.Add(3, []float32{1}); err == nil {
			t.Error("Add should fail with wrong dimension")
		}
	})

	t.Run("overwrite_same_id", func(t *testing.T) {
		if err := idx.Add(1, b); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if idx.Len() != 2 {
			t.Errorf("overwrite must not grow index, len=%d", idx.Len())
		}
	})
}

// TestRemove 测试删除
func TestRemove(t *testing.T) {
	idx, _ := New(2)
	_ = idx.Add(1, []float32{1, 0})
	idx.Remove(1)
	idx.Remove(99) // 不存在为无操作

	if idx.Len() != 0 {
		t.Errorf("expected empty index, len=%d", idx.Len())
	}
}

// TestTieBreakByID 同分按ID升序
func TestTieBreakByID(t *testing.T) {
	idx, _ := New(2)
	v := []float32{1, 0}
	_ = idx.Add(5, v)
	_ = idx.Add(3, v)
	_ = idx.Add(9, v)

	hits, err := idx.Search(v, 10, 0.5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 3 || hits[0].ID != 3 || hits[1].ID != 5 || hits[2].ID != 9 {
		t.Errorf("expected ids [3 5 9], got %v", hits)
	}
}

// TestSnapshotRoundTrip 快照往返
func TestSnapshotRoundTrip(t *testing.T) {
	idx, _ := New(4)
	a := unit(4, func(i int) float32 { return float32(i + 1) })
	_ = idx.Add(11, a)

	data, err := idx.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	loaded, err := Load(data)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Dimension() != 4 || loaded.Len() != 1 {
		t.Fatalf("loaded index mismatch: dim=%d len=%d", loaded.Dimension(), loaded.Len())
	}

	hits, _ := loaded.Search(a, 1, 0.9)
	if len(hits) != 1 || hits[0].ID != 11 {
		t.Errorf("expected hit 11 after reload, got %v", hits)
	}
}

// TestLoadCorrupt 损坏快照报错
func TestLoadCorrupt(t *testing.T) {
	if _, err := Load([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Error("expected error for corrupt snapshot")
	}
}
