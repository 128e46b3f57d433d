//go:build !cgo

package embedding

// 非cgo构建下没有gojieba，CJK片段保持逐字切分。
// 同一部署内所有节点必须使用相同构建方式，否则嵌入不可比
