package embedding

import (
	"strings"
	"unicode"
)

// cjkSegmenter 对CJK文本片段分词。默认逐字切分；
// 以cgo构建时由gojieba提供更好的中文切分（见jieba.go）
var cjkSegmenter = func(run string) []string {
	runes := []rune(run)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

// isCJK 是否属于中日韩统一表意文字及日文假名
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}

// Tokenize 通用分词：字母/数字/韩文按词切分并转小写，
// CJK片段交给cjkSegmenter，其余字符视为分隔符。
// 结果顺序与原文一致
func Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var cjkRun strings.Builder

	flushWord := func() {
		if word.Len() > 0 {
			tokens = append(tokens, strings.ToLower(word.String()))
			word.Reset()
		}
	}
	flushCJK := func() {
		if cjkRun.Len() > 0 {
			tokens = append(tokens, cjkSegmenter(cjkRun.String())...)
			cjkRun.Reset()
		}
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			cjkRun.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()

	return tokens
}
