// Package normalizer 提供TM规范形（canonical form）转换。
// 规范形是精确匹配的唯一键，也是嵌入引擎的唯一输入。
package normalizer

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// NewlineMarker 存储内部统一使用的换行字面量（两个字符：反斜杠+n）。
// 行文件的单元格内不允许出现真实换行符，多行文本以该字面量表示
const NewlineMarker = `\n`

// excelCRMarker Excel导出时回车的伪转义标记
const excelCRMarker = "_x000D_"

// escapedTagPattern HTML转义后的颜色标签等结构性标记，
// 形如 &lt;PAColor0xFFFFFFFF&gt; / &lt;PAOldColor&gt; / &lt;StringId/&gt;
var escapedTagPattern = regexp.MustCompile(`&lt;(/?[A-Za-z][^&<>]*?/?)&gt;`)

// Normalize 将文本转换为规范形。规则按序应用：
//  1. NFC归一并折叠全角/半角宽度
//  2. 去除电子表格伪转义标记（_x000D_）
//  3. 反转义HTML编码的颜色标签，使其以原始形参与哈希与嵌入
//     （源数据中原始与转义形式混用时，统一规范到原始形）
//  4. 将Windows换行（CRLF）与裸CR/LF折叠为统一的换行字面量
//  5. 去除尾部环境空白；行首与内部空白一律保留
//
// 花括号参数（{...}）与标签标记（<PAColor…>…<PAOldColor>、<StringId/>）
// 不做任何改写，作为稳定的不透明原子参与哈希与嵌入。
// Normalize是幂等的：Normalize(Normalize(x)) == Normalize(x)
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	// 1. Unicode归一
	s := norm.NFC.String(text)
	s = width.Fold.String(s)

	// 2. 电子表格伪转义
	s = strings.ReplaceAll(s, excelCRMarker, "")

	// 3. HTML转义的标签还原为原始形
	s = escapedTagPattern.ReplaceAllString(s, "<$1>")

	// 4. 换行折叠为字面量标记
	s = strings.ReplaceAll(s, "\r\n", NewlineMarker)
	s = strings.ReplaceAll(s, "\r", NewlineMarker)
	s = strings.ReplaceAll(s, "\n", NewlineMarker)

	// 5. 仅去除尾部环境空白，行首与内部空白保留
	s = strings.TrimRight(s, " \t")

	return s
}

// SplitLines 按换行字面量切分规范形，丢弃空行。
// 行粒度索引的输入
func SplitLines(canonical string) []string {
	if canonical == "" {
		return nil
	}
	parts := strings.Split(canonical, NewlineMarker)
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, " \t")
		if p != "" {
			lines = append(lines, p)
		}
	}
	return lines
}
