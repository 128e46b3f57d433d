// Package format 提供行文件与TM数据的解析与序列化。
// TSV行文件、LocStr XML行文件，以及Excel格式的TM数据交换。
package format

import (
	"strings"

	"github.com/kasuganosora/ldm/pkg/types"
)

// RawRow 解析出的一行。Cols保留原始列，用于无损往返
type RawRow struct {
	StringID string
	Source   string
	Target   string
	Cols     []string
	// Attrs LocStr行的原始属性序列（XML格式专用）
	Attrs [][2]string
}

// TSVLayout TSV文件的往返信息
type TSVLayout struct {
	CRLF            bool
	TrailingNewline bool
}

// tsvSourceCol / tsvTargetCol TSV列约定：0-4为标识原子，5为源文，6为译文
const (
	tsvIDCols     = 5
	tsvSourceCol  = 5
	tsvTargetCol  = 6
	tsvMinColumns = 6
)

// ParseTSV 解析TSV行文件。UTF-8、制表符分隔、一行一条。
// 末尾空列保留在Cols中以保证往返无损
func ParseTSV(data []byte) ([]RawRow, TSVLayout, error) {
	text := string(data)
	layout := TSVLayout{
		CRLF:            strings.Contains(text, "\r\n"),
		TrailingNewline: strings.HasSuffix(text, "\n"),
	}

	if layout.CRLF {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	if layout.TrailingNewline {
		text = strings.TrimSuffix(text, "\n")
	}
	if text == "" {
		return nil, layout, nil
	}

	lines := strings.Split(text, "\n")
	rows := make([]RawRow, 0, len(lines))
	for i, line := range lines {
		cols := strings.Split(line, "\t")
		if len(cols) < tsvMinColumns {
			return nil, layout, types.E(types.KindBadFormat,
				"tsv line %d: expected at least %d columns, got %d", i+1, tsvMinColumns, len(cols))
		}

		row := RawRow{
			StringID: composeStringID(cols[:tsvIDCols]),
			Source:   cols[tsvSourceCol],
			Cols:     cols,
		}
		if len(cols) > tsvTargetCol {
			row.Target = cols[tsvTargetCol]
		}
		rows = append(rows, row)
	}
	return rows, layout, nil
}

// SerializeTSV 序列化为TSV。targets与rows等长时逐行覆盖译文列。
// 原始行省略了译文列且新译文为空时不补列，保持列数往返无损
func SerializeTSV(rows []RawRow, targets []string, layout TSVLayout) []byte {
	lines := make([]string, len(rows))
	for i, row := range rows {
		cols := make([]string, len(row.Cols))
		copy(cols, row.Cols)

		if targets != nil {
			if len(cols) > tsvTargetCol {
				cols[tsvTargetCol] = targets[i]
			} else if targets[i] != "" {
				for len(cols) <= tsvTargetCol {
					cols = append(cols, "")
				}
				cols[tsvTargetCol] = targets[i]
			}
		}
		lines[i] = strings.Join(cols, "\t")
	}

	sep := "\n"
	if layout.CRLF {
		sep = "\r\n"
	}
	out := strings.Join(lines, sep)
	if layout.TrailingNewline {
		out += sep
	}
	return []byte(out)
}

// composeStringID 将标识原子列拼合为复合string_id。
// 全部为空时string_id为空
func composeStringID(atoms []string) string {
	empty := true
	for _, a := range atoms {
		if a != "" {
			empty = false
			break
		}
	}
	if empty {
		return ""
	}
	return strings.Join(atoms, "|")
}
