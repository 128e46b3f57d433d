package embedding

import (
	"context"

	"github.com/kasuganosora/ldm/pkg/types"
)

// deepDimension deep引擎输出维度
const deepDimension = 1024

// DeepEngine 高质量深层引擎：在token特征之外叠加字节三元组
// 与token三元组上下文特征，并使用多个独立哈希族降低碰撞。
// 吞吐量比fast低一到两个数量级，只用于批量重建与质量敏感工具
type DeepEngine struct{}

// NewDeepEngine 创建deep引擎
func NewDeepEngine() *DeepEngine {
	return &DeepEngine{}
}

// Name 引擎类型名
func (e *DeepEngine) Name() types.EngineKind {
	return types.EngineDeep
}

// Dimension 输出向量维度
func (e *DeepEngine) Dimension() int {
	return deepDimension
}

// EmbedBatch 批量嵌入
func (e *DeepEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

// hashSeeds deep引擎使用的哈希族种子
var hashSeeds = [3]uint32{0, 0x9e3779b9, 0x85ebca6b}

// embed 单条嵌入。相同文本产生相同向量
func (e *DeepEngine) embed(text string) []float32 {
	vec := make([]float32, deepDimension)
	tokens := Tokenize(text)

	// token一元/二元/三元组，跨哈希族累加
	for i, tok := range tokens {
		for _, seed := range hashSeeds {
			hashInto(vec, tok, seed, 2)
		}
		if i+1 < len(tokens) {
			bigram := tok + "\x00" + tokens[i+1]
			for _, seed := range hashSeeds {
				hashInto(vec, bigram, seed, 1.5)
			}
		}
		if i+2 < len(tokens) {
			trigram := tok + "\x00" + tokens[i+1] + "\x00" + tokens[i+2]
			for _, seed := range hashSeeds {
				hashInto(vec, trigram, seed, 1)
			}
		}
	}

	// 字节三元组补充形态信息，对短文本与标签原子敏感
	for i := 0; i+3 <= len(text); i++ {
		hashInto(vec, text[i:i+3], 0x27d4eb2f, 0.5)
	}

	if len(tokens) == 0 && text != "" {
		hashInto(vec, text, 0, 1)
	}

	l2Normalize(vec)
	return vec
}
