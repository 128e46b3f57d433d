package format

import (
	"bytes"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kasuganosora/ldm/pkg/types"
)

// TMPair TM数据交换的源/译对
type TMPair struct {
	Source string
	Target string
}

// ParseXLSXPairs 解析Excel工作簿中的TM数据。
// 取第一个工作表，A列为源文，B列为译文；源文为空的行跳过。
// 首行若为表头（source/target）也跳过
func ParseXLSXPairs(data []byte) ([]TMPair, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, types.Wrap(types.KindBadFormat, err, "open xlsx")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, types.E(types.KindBadFormat, "xlsx has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, types.Wrap(types.KindBadFormat, err, "read xlsx sheet %s", sheets[0])
	}

	pairs := make([]TMPair, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		if i == 0 && strings.EqualFold(row[0], "source") {
			continue
		}
		pair := TMPair{Source: row[0]}
		if len(row) > 1 {
			pair.Target = row[1]
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// SerializeXLSXPairs 将TM数据写出为Excel工作簿
func SerializeXLSXPairs(pairs []TMPair) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	_ = f.SetCellValue(sheet, "A1", "source")
	_ = f.SetCellValue(sheet, "B1", "target")

	for i, pair := range pairs {
		cellA, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		cellB, err := excelize.CoordinatesToCellName(2, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cellA, pair.Source); err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cellB, pair.Target); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseTSVPairs 解析两列TSV的TM数据：源文\t译文
func ParseTSVPairs(data []byte) ([]TMPair, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	pairs := make([]TMPair, 0, len(lines))
	for i, line := range lines {
		cols := strings.Split(line, "\t")
		if len(cols) < 2 {
			return nil, types.E(types.KindBadFormat, "tm tsv line %d: expected 2 columns, got %d", i+1, len(cols))
		}
		if cols[0] == "" {
			continue
		}
		pairs = append(pairs, TMPair{Source: cols[0], Target: cols[1]})
	}
	return pairs, nil
}

// SerializeTSVPairs 将TM数据写出为两列TSV
func SerializeTSVPairs(pairs []TMPair) []byte {
	var b strings.Builder
	for _, pair := range pairs {
		b.WriteString(pair.Source)
		b.WriteByte('\t')
		b.WriteString(pair.Target)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
