package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeIdempotent 规范形再规范化应为恒等
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"Hello, world",
		"Save\r\nLoad",
		"  padded  ",
		"&lt;PAColor0xFFFF0000&gt;빨강&lt;PAOldColor&gt;",
		"<PAColor0xFFFF0000>빨강<PAOldColor>",
		"{0}개의 아이템_x000D_\r\n획득",
		`already\nmarked`,
		"ｆｕｌｌｗｉｄｔｈ",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestNormalizeRules(t *testing.T) {
	t.Run("crlf_to_marker", func(t *testing.T) {
		assert.Equal(t, `Save\nLoad`, Normalize("Save\r\nLoad"))
		assert.Equal(t, `a\nb\nc`, Normalize("a\rb\nc"))
	})

	t.Run("excel_cr_escape_stripped", func(t *testing.T) {
		assert.Equal(t, `획득\n완료`, Normalize("획득_x000D_\r\n완료"))
	})

	t.Run("escaped_color_tag_unescaped", func(t *testing.T) {
		got := Normalize("&lt;PAColor0xFFFF0000&gt;red&lt;PAOldColor&gt;")
		assert.Equal(t, "<PAColor0xFFFF0000>red<PAOldColor>", got)
	})

	t.Run("mixed_raw_and_escaped_tags", func(t *testing.T) {
		// 原始与转义混用时统一到原始形
		got := Normalize("<PAColor0xFF00FF00>ok&lt;PAOldColor&gt;")
		assert.Equal(t, "<PAColor0xFF00FF00>ok<PAOldColor>", got)
	})

	t.Run("self_closing_tag", func(t *testing.T) {
		assert.Equal(t, "<StringId/>", Normalize("&lt;StringId/&gt;"))
	})

	t.Run("brace_tokens_preserved", func(t *testing.T) {
		assert.Equal(t, "{0}점 획득", Normalize("{0}점 획득"))
	})

	t.Run("trailing_whitespace_trimmed_internal_kept", func(t *testing.T) {
		assert.Equal(t, "  a  b", Normalize("  a  b\t "))
	})

	t.Run("fullwidth_folded", func(t *testing.T) {
		assert.Equal(t, "ABC", Normalize("ＡＢＣ"))
	})

	t.Run("plain_ampersand_untouched", func(t *testing.T) {
		assert.Equal(t, "Drag & Drop", Normalize("Drag & Drop"))
	})
}

func TestSplitLines(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, SplitLines(""))
	})

	t.Run("single", func(t *testing.T) {
		assert.Equal(t, []string{"hello"}, SplitLines("hello"))
	})

	t.Run("multi_with_empty_lines", func(t *testing.T) {
		got := SplitLines(`one\n\ntwo\n  \nthree`)
		assert.Equal(t, []string{"one", "two", "three"}, got)
	})
}
