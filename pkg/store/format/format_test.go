package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/ldm/pkg/types"
)

func TestParseTSV(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		data := []byte("ui\tmenu\t\t\t1001\tSave\t저장\nui\tmenu\t\t\t1002\tLoad\t\n")
		rows, layout, err := ParseTSV(data)
		require.NoError(t, err)
		require.Len(t, rows, 2)

		assert.Equal(t, "ui|menu|||1001", rows[0].StringID)
		assert.Equal(t, "Save", rows[0].Source)
		assert.Equal(t, "저장", rows[0].Target)
		assert.Equal(t, "Load", rows[1].Source)
		assert.Equal(t, "", rows[1].Target)
		assert.True(t, layout.TrailingNewline)
		assert.False(t, layout.CRLF)
	})

	t.Run("too_few_columns", func(t *testing.T) {
		_, _, err := ParseTSV([]byte("a\tb\tc\n"))
		require.Error(t, err)
		assert.Equal(t, types.KindBadFormat, types.KindOf(err))
		assert.Contains(t, err.Error(), "line 1")
	})

	t.Run("empty_file", func(t *testing.T) {
		rows, _, err := ParseTSV(nil)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("all_empty_id_atoms", func(t *testing.T) {
		rows, _, err := ParseTSV([]byte("\t\t\t\t\tsource only"))
		require.NoError(t, err)
		assert.Equal(t, "", rows[0].StringID)
	})
}

// TestTSVRoundTrip 导入→导出字节级一致，含末尾空列
func TestTSVRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("a\tb\tc\td\te\tsrc\ttgt\n"),
		[]byte("a\tb\tc\td\te\tsrc\ttgt\t\t\n"),
		[]byte("a\tb\tc\td\te\tsrc"),
		[]byte("a\tb\tc\td\te\tsrc\ttgt\r\nf\tg\th\ti\tj\tsrc2\t\r\n"),
	}
	for _, data := range cases {
		rows, layout, err := ParseTSV(data)
		require.NoError(t, err)
		out := SerializeTSV(rows, nil, layout)
		assert.Equal(t, string(data), string(out))
	}
}

// TestTSVSerializeTargetsKeepsColumnCount 覆盖译文列时不改变省略译文列
// 行的列数；译文非空时才补列
func TestTSVSerializeTargetsKeepsColumnCount(t *testing.T) {
	data := []byte("a\tb\tc\td\te\tsrc\n")
	rows, layout, err := ParseTSV(data)
	require.NoError(t, err)

	t.Run("empty_target_no_padding", func(t *testing.T) {
		out := SerializeTSV(rows, []string{rows[0].Target}, layout)
		assert.Equal(t, string(data), string(out))
	})

	t.Run("new_target_extends_row", func(t *testing.T) {
		out := SerializeTSV(rows, []string{"tgt"}, layout)
		assert.Equal(t, "a\tb\tc\td\te\tsrc\ttgt\n", string(out))
	})

	t.Run("existing_column_overwritten_in_place", func(t *testing.T) {
		rows7, layout7, err := ParseTSV([]byte("a\tb\tc\td\te\tsrc\told\t\n"))
		require.NoError(t, err)
		out := SerializeTSV(rows7, []string{"new"}, layout7)
		assert.Equal(t, "a\tb\tc\td\te\tsrc\tnew\t\n", string(out))
	})
}

func TestParseLocStr(t *testing.T) {
	data := []byte(`<?xml version="1.0"?>
<LocStrRes>
  <LocStr StringId="sys.save" StrOrigin="Save" Str="저장" Custom="x"/>
  <LocStr StringId="sys.load" StrOrigin="Load" Str=""/>
</LocStrRes>`)

	rows, layout, err := ParseLocStr(data)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "sys.save", rows[0].StringID)
	assert.Equal(t, "Save", rows[0].Source)
	assert.Equal(t, "저장", rows[0].Target)
	assert.Equal(t, "LocStrRes", layout.Root)

	// 未知属性原样保留
	require.Len(t, rows[0].Attrs, 4)
	assert.Equal(t, [2]string{"Custom", "x"}, rows[0].Attrs[3])
}

func TestLocStrRoundTrip(t *testing.T) {
	data := []byte(`<?xml version="1.0"?>
<Res>
  <LocStr StringId="a" StrOrigin="Hello &amp; bye" Str="x" Extra="1"/>
</Res>`)

	rows, layout, err := ParseLocStr(data)
	require.NoError(t, err)

	out := SerializeLocStr(rows, nil, layout)
	rows2, layout2, err := ParseLocStr(out)
	require.NoError(t, err)

	assert.Equal(t, layout.Root, layout2.Root)
	require.Len(t, rows2, 1)
	assert.Equal(t, rows[0].Attrs, rows2[0].Attrs)
	assert.Equal(t, "Hello & bye", rows2[0].Source)
}

func TestLocStrBadFormat(t *testing.T) {
	_, _, err := ParseLocStr([]byte("<LocStrRes><LocStr"))
	require.Error(t, err)
	assert.Equal(t, types.KindBadFormat, types.KindOf(err))
}

func TestXLSXPairsRoundTrip(t *testing.T) {
	pairs := []TMPair{
		{Source: "Hello, world", Target: "Bonjour le monde"},
		{Source: "Save", Target: "저장"},
	}

	data, err := SerializeXLSXPairs(pairs)
	require.NoError(t, err)

	got, err := ParseXLSXPairs(data)
	require.NoError(t, err)
	assert.Equal(t, pairs, got)
}

func TestParseXLSXBad(t *testing.T) {
	_, err := ParseXLSXPairs([]byte("not a zip"))
	require.Error(t, err)
	assert.Equal(t, types.KindBadFormat, types.KindOf(err))
}

func TestTSVPairs(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		pairs := []TMPair{{Source: "a", Target: "b"}, {Source: "c", Target: ""}}
		data := SerializeTSVPairs(pairs)
		got, err := ParseTSVPairs(data)
		require.NoError(t, err)
		assert.Equal(t, pairs, got)
	})

	t.Run("bad_line", func(t *testing.T) {
		_, err := ParseTSVPairs([]byte("only one column"))
		require.Error(t, err)
		assert.Equal(t, types.KindBadFormat, types.KindOf(err))
	})
}
