package format

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/kasuganosora/ldm/pkg/types"
)

// LocStrLayout LocStr XML文件的往返信息
type LocStrLayout struct {
	Root string
}

// locStrElement LocStr行元素名
const locStrElement = "LocStr"

// defaultLocStrRoot 导出时缺省的根元素名
const defaultLocStrRoot = "LocStrRes"

// ParseLocStr 解析LocStr XML行文件。
// StringId属性 → string_id，StrOrigin → 源文，Str → 译文；
// 未知属性原样保留在Attrs中
func ParseLocStr(data []byte) ([]RawRow, LocStrLayout, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	layout := LocStrLayout{Root: defaultLocStrRoot}

	var rows []RawRow
	depth := 0
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, layout, types.Wrap(types.KindBadFormat, err,
				"locstr xml at byte %d", decoder.InputOffset())
		}

		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 && el.Name.Local != locStrElement {
				layout.Root = el.Name.Local
				continue
			}
			if el.Name.Local != locStrElement {
				continue
			}

			row := RawRow{Attrs: make([][2]string, 0, len(el.Attr))}
			for _, attr := range el.Attr {
				row.Attrs = append(row.Attrs, [2]string{attr.Name.Local, attr.Value})
				switch attr.Name.Local {
				case "StringId":
					row.StringID = attr.Value
				case "StrOrigin":
					row.Source = attr.Value
				case "Str":
					row.Target = attr.Value
				}
			}
			rows = append(rows, row)
		case xml.EndElement:
			depth--
		}
	}
	return rows, layout, nil
}

// SerializeLocStr 序列化为LocStr XML。targets与rows等长时逐行覆盖Str属性；
// 原始属性顺序与未知属性保持不变
func SerializeLocStr(rows []RawRow, targets []string, layout LocStrLayout) []byte {
	root := layout.Root
	if root == "" {
		root = defaultLocStrRoot
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<%s>\n", root)

	for i, row := range rows {
		buf.WriteString("  <" + locStrElement)

		attrs := row.Attrs
		if attrs == nil {
			attrs = [][2]string{
				{"StringId", row.StringID},
				{"StrOrigin", row.Source},
				{"Str", row.Target},
			}
		}

		wroteStr := false
		for _, attr := range attrs {
			value := attr[1]
			if attr[0] == "Str" {
				wroteStr = true
				if targets != nil {
					value = targets[i]
				}
			}
			fmt.Fprintf(&buf, ` %s="%s"`, attr[0], escapeAttr(value))
		}
		if !wroteStr && targets != nil {
			fmt.Fprintf(&buf, ` Str="%s"`, escapeAttr(targets[i]))
		}

		buf.WriteString("/>\n")
	}

	fmt.Fprintf(&buf, "</%s>\n", root)
	return buf.Bytes()
}

// escapeAttr XML属性值转义
func escapeAttr(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
