//go:build cgo

package embedding

import (
	"sync"

	"github.com/yanyiwu/gojieba"
)

var (
	jiebaOnce sync.Once
	jiebaSeg  *gojieba.Jieba
)

// init 以cgo构建时，CJK片段改用gojieba精确模式切分。
// 分词器首次使用时才加载词典
func init() {
	cjkSegmenter = func(run string) []string {
		jiebaOnce.Do(func() {
			jiebaSeg = gojieba.NewJieba()
		})
		return jiebaSeg.Cut(run, true)
	}
}
