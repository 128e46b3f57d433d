// Package embedding 提供文本到单位向量的嵌入引擎。
// 两种实现：fast（低维、高吞吐）与deep（高维、高质量）。
// 同一TM只允许使用一种引擎，引擎变更需要全量重建向量索引。
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/kasuganosora/ldm/pkg/types"
)

// Engine 嵌入引擎接口
type Engine interface {
	// Name 引擎类型名
	Name() types.EngineKind
	// Dimension 输出向量维度
	Dimension() int
	// EmbedBatch 批量嵌入，输出与输入等长，每行已做L2归一化
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEngine 按类型创建引擎
func NewEngine(kind types.EngineKind) (Engine, error) {
	switch kind {
	case types.EngineFast:
		return NewFastEngine(), nil
	case types.EngineDeep:
		return NewDeepEngine(), nil
	default:
		return nil, fmt.Errorf("unknown embedding engine: %s", kind)
	}
}

// l2Normalize 原地L2归一化。零向量保持为零
func l2Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// fnv32 FNV-1a哈希，seed用于派生多个独立哈希族
func fnv32(s string, seed uint32) uint32 {
	h := uint32(2166136261) ^ seed
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// hashInto 将特征散列进向量：低位定桶，最高位定符号
func hashInto(vec []float32, feature string, seed uint32, weight float32) {
	h := fnv32(feature, seed)
	idx := int(h % uint32(len(vec)))
	if h&0x80000000 != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
