package embedding

import (
	"context"

	"github.com/kasuganosora/ldm/pkg/types"
)

// fastDimension fast引擎输出维度
const fastDimension = 256

// FastEngine 高吞吐浅层引擎：token一元组+二元组特征散列。
// 单机吞吐量以万条/秒计，适合增量索引路径
type FastEngine struct{}

// NewFastEngine 创建fast引擎
func NewFastEngine() *FastEngine {
	return &FastEngine{}
}

// Name 引擎类型名
func (e *FastEngine) Name() types.EngineKind {
	return types.EngineFast
}

// Dimension 输出向量维度
func (e *FastEngine) Dimension() int {
	return fastDimension
}

// EmbedBatch 批量嵌入
func (e *FastEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

// embed 单条嵌入。相同文本产生相同向量
func (e *FastEngine) embed(text string) []float32 {
	vec := make([]float32, fastDimension)
	tokens := Tokenize(text)

	if len(tokens) == 0 {
		// 纯符号文本退化为整串特征
		if text != "" {
			hashInto(vec, text, 0, 1)
		}
		l2Normalize(vec)
		return vec
	}

	for i, tok := range tokens {
		hashInto(vec, tok, 0, 1)
		if i+1 < len(tokens) {
			hashInto(vec, tok+"\x00"+tokens[i+1], 1, 1)
		}
	}

	l2Normalize(vec)
	return vec
}
